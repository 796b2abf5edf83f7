package academia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/academia-mcp/academia/pkg/spec"
)

// Tool names exposed by the catalog.
const (
	ToolExercisesByGroup = "buscar_exercicios_por_grupo"
	ToolMuscleGroups     = "listar_grupos_musculares"
	ToolExercisesByName  = "buscar_exercicio_por_nome"
	ToolAllExercises     = "listar_todos_exercicios"
	ToolExerciseDetails  = "obter_detalhes_exercicio"
)

// Querier is the read side of Store that the catalog needs.
type Querier interface {
	ExercisesByGroup(ctx context.Context, group string) ([]Exercise, error)
	ExercisesByName(ctx context.Context, name string) ([]Exercise, error)
	AllExercises(ctx context.Context) ([]Exercise, error)
	ExerciseByID(ctx context.Context, id int64) (*Exercise, error)
	MuscleGroups(ctx context.Context) ([]string, error)
}

type toolHandler func(ctx context.Context, args json.RawMessage) (string, error)

type toolEntry struct {
	tool    spec.Tool
	handler toolHandler
}

// Catalog serves the exercise tools and resources. It implements
// spec.ToolProvider and spec.ResourceProvider.
type Catalog struct {
	store Querier
	tools []toolEntry
	index map[string]int
}

// NewCatalog builds the catalog over store.
func NewCatalog(store Querier) *Catalog {
	c := &Catalog{store: store, index: make(map[string]int)}

	c.register(spec.Tool{
		Name:        ToolExercisesByGroup,
		Description: "Busca exercícios filtrando por grupo muscular. Grupos disponíveis: 'Costas (dorsais, lombar)', 'Ombros (deltoides)', 'Pernas', 'Peito (peitoral)', 'Braços (Bíceps, Tríceps, Antebraço)'",
		InputSchema: mustSchema(spec.JsonSchema{
			Type: "object",
			Properties: map[string]spec.SchemaProperty{
				"grupo_muscular": {Type: "string", Description: "Nome do grupo muscular (ex: 'Pernas', 'Peito (peitoral)')"},
			},
			Required: []string{"grupo_muscular"},
		}),
	}, c.exercisesByGroup)

	c.register(spec.Tool{
		Name:        ToolMuscleGroups,
		Description: "Lista todos os grupos musculares disponíveis no banco de dados",
		InputSchema: mustSchema(spec.JsonSchema{Type: "object", Properties: map[string]spec.SchemaProperty{}}),
	}, c.muscleGroups)

	c.register(spec.Tool{
		Name:        ToolExercisesByName,
		Description: "Busca exercícios específicos por nome (busca parcial, case-insensitive)",
		InputSchema: mustSchema(spec.JsonSchema{
			Type: "object",
			Properties: map[string]spec.SchemaProperty{
				"nome": {Type: "string", Description: "Nome ou parte do nome do exercício (ex: 'agachamento', 'supino')"},
			},
			Required: []string{"nome"},
		}),
	}, c.exercisesByName)

	c.register(spec.Tool{
		Name:        ToolAllExercises,
		Description: "Lista todos os exercícios cadastrados no banco de dados",
		InputSchema: mustSchema(spec.JsonSchema{Type: "object", Properties: map[string]spec.SchemaProperty{}}),
	}, c.allExercises)

	c.register(spec.Tool{
		Name:        ToolExerciseDetails,
		Description: "Obtém detalhes completos de um exercício específico pelo ID",
		InputSchema: mustSchema(spec.JsonSchema{
			Type: "object",
			Properties: map[string]spec.SchemaProperty{
				"id": {Type: "number", Description: "ID do exercício"},
			},
			Required: []string{"id"},
		}),
	}, c.exerciseDetails)

	return c
}

func (c *Catalog) register(tool spec.Tool, handler toolHandler) {
	c.index[tool.Name] = len(c.tools)
	c.tools = append(c.tools, toolEntry{tool: tool, handler: handler})
}

func mustSchema(schema spec.JsonSchema) json.RawMessage {
	b, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return b
}

// ListTools returns the tool descriptors in registration order.
func (c *Catalog) ListTools(ctx context.Context) ([]spec.Tool, error) {
	tools := make([]spec.Tool, len(c.tools))
	for i, entry := range c.tools {
		tools[i] = entry.tool
	}
	return tools, nil
}

// CallTool runs the named tool. Unknown tools, bad arguments and query
// failures are all returned as errors.
func (c *Catalog) CallTool(ctx context.Context, name string, args json.RawMessage) (*spec.CallToolResult, error) {
	i, ok := c.index[name]
	if !ok {
		return nil, fmt.Errorf("Ferramenta desconhecida: %s", name)
	}

	text, err := c.tools[i].handler(ctx, args)
	if err != nil {
		return nil, err
	}

	result := spec.NewCallToolResultBuilder().AddText(text).Build()
	return &result, nil
}

// decodeArgs unmarshals tool arguments into v, treating absent arguments as {}.
func decodeArgs(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("argumentos inválidos: %w", err)
	}
	return nil
}

type groupArgs struct {
	MuscleGroup *string `json:"grupo_muscular"`
}

func (c *Catalog) exercisesByGroup(ctx context.Context, raw json.RawMessage) (string, error) {
	var args groupArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.MuscleGroup == nil {
		return "", errors.New("parâmetro obrigatório ausente: grupo_muscular")
	}
	group := *args.MuscleGroup

	exercises, err := c.store.ExercisesByGroup(ctx, group)
	if err != nil {
		return "", err
	}
	if len(exercises) == 0 {
		return fmt.Sprintf("Nenhum exercício encontrado para o grupo muscular: %s", group), nil
	}

	blocks := make([]string, len(exercises))
	for i, ex := range exercises {
		blocks[i] = fmt.Sprintf("**%s**\n- Séries: %d\n- Repetições: %s\n- Intervalo: %ds\n- Observações: %s\n",
			ex.Name, ex.Sets, ex.Reps, ex.RestSeconds, notes(ex))
	}
	return fmt.Sprintf("Encontrados %d exercícios para %s:\n\n%s", len(exercises), group, strings.Join(blocks, "\n")), nil
}

func (c *Catalog) muscleGroups(ctx context.Context, raw json.RawMessage) (string, error) {
	groups, err := c.store.MuscleGroups(ctx)
	if err != nil {
		return "", err
	}
	return "Grupos musculares disponíveis:\n\n" + bulletList(groups), nil
}

type nameArgs struct {
	Name *string `json:"nome"`
}

func (c *Catalog) exercisesByName(ctx context.Context, raw json.RawMessage) (string, error) {
	var args nameArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Name == nil {
		return "", errors.New("parâmetro obrigatório ausente: nome")
	}
	name := *args.Name

	exercises, err := c.store.ExercisesByName(ctx, name)
	if err != nil {
		return "", err
	}
	if len(exercises) == 0 {
		return fmt.Sprintf("Nenhum exercício encontrado com o nome: %s", name), nil
	}

	blocks := make([]string, len(exercises))
	for i, ex := range exercises {
		blocks[i] = fmt.Sprintf("**ID %d: %s**\n- Grupo: %s\n- Séries: %d x %s repetições\n- Intervalo: %ds\n- Observações: %s\n",
			ex.ID, ex.Name, ex.MuscleGroup, ex.Sets, ex.Reps, ex.RestSeconds, notes(ex))
	}
	return fmt.Sprintf("Encontrados %d exercício(s):\n\n%s", len(exercises), strings.Join(blocks, "\n")), nil
}

func (c *Catalog) allExercises(ctx context.Context, raw json.RawMessage) (string, error) {
	exercises, err := c.store.AllExercises(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Total de %d exercícios cadastrados:\n\n%s", len(exercises), groupedList(exercises)), nil
}

type detailsArgs struct {
	ID *json.Number `json:"id"`
}

func (c *Catalog) exerciseDetails(ctx context.Context, raw json.RawMessage) (string, error) {
	var args detailsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.ID == nil {
		return "", errors.New("parâmetro obrigatório ausente: id")
	}
	id, err := wholeNumber(*args.ID)
	if err != nil {
		return "", fmt.Errorf("id inválido: %s", args.ID.String())
	}

	ex, err := c.store.ExerciseByID(ctx, id)
	if errors.Is(err, ErrExerciseNotFound) {
		return fmt.Sprintf("Exercício com ID %d não encontrado.", id), nil
	}
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("# %s\n\n**Grupo Muscular:** %s\n**Séries:** %d\n**Repetições:** %s\n**Intervalo:** %d segundos\n**Observações:** %s",
		ex.Name, ex.MuscleGroup, ex.Sets, ex.Reps, ex.RestSeconds, notes(*ex)), nil
}

func notes(ex Exercise) string {
	if ex.Notes == "" {
		return "-"
	}
	return ex.Notes
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// groupedList renders exercises under a heading per muscle group. Input must
// already be ordered by group.
func groupedList(exercises []Exercise) string {
	var (
		sections []string
		current  string
		lines    []string
	)
	flush := func() {
		if current != "" {
			sections = append(sections, "### "+current+"\n"+strings.Join(lines, "\n"))
		}
	}
	for _, ex := range exercises {
		if ex.MuscleGroup != current {
			flush()
			current = ex.MuscleGroup
			lines = nil
		}
		lines = append(lines, fmt.Sprintf("- %s (%dx%s)", ex.Name, ex.Sets, ex.Reps))
	}
	flush()
	return strings.Join(sections, "\n\n")
}

// wholeNumber accepts integers and floats without a fractional part, so 3 and
// 3.0 name the same exercise.
func wholeNumber(n json.Number) (int64, error) {
	if id, err := n.Int64(); err == nil {
		return id, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("not a whole number: %s", n)
	}
	return int64(f), nil
}
