package academia

import (
	"context"
	"fmt"

	"github.com/academia-mcp/academia/pkg/spec"
)

// Resource URIs served by the catalog.
const (
	ResourceMuscleGroups = "academia://grupos-musculares"
	ResourceExercises    = "academia://exercicios"
)

const markdownMime = "text/markdown"

// ListResources returns the static resource descriptors.
func (c *Catalog) ListResources(ctx context.Context) ([]spec.Resource, error) {
	return []spec.Resource{
		{
			URI:         ResourceMuscleGroups,
			Name:        "Grupos musculares",
			Description: "Grupos musculares com exercícios cadastrados",
			MimeType:    markdownMime,
		},
		{
			URI:         ResourceExercises,
			Name:        "Exercícios",
			Description: "Todos os exercícios agrupados por grupo muscular",
			MimeType:    markdownMime,
		},
	}, nil
}

// ReadResource renders the resource at uri. Unknown URIs yield
// spec.ErrResourceNotFound.
func (c *Catalog) ReadResource(ctx context.Context, uri string) (*spec.ReadResourceResult, error) {
	var text string
	switch uri {
	case ResourceMuscleGroups:
		groups, err := c.store.MuscleGroups(ctx)
		if err != nil {
			return nil, err
		}
		text = bulletList(groups)
	case ResourceExercises:
		exercises, err := c.store.AllExercises(ctx)
		if err != nil {
			return nil, err
		}
		text = groupedList(exercises)
	default:
		return nil, fmt.Errorf("%w: %s", spec.ErrResourceNotFound, uri)
	}

	return &spec.ReadResourceResult{
		Contents: []spec.TextResourceContents{{URI: uri, MimeType: markdownMime, Text: text}},
	}, nil
}
