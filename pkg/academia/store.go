// Package academia holds the gym exercise catalog: the sqlite store and the
// MCP tools and resources built on top of it.
package academia

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/academia-mcp/academia/util"
)

// FS contains the embedded schema and seed migrations.
//
//go:embed migrations/sqlite/*.sql
var FS embed.FS

// ErrExerciseNotFound is returned by ExerciseByID when no row matches.
var ErrExerciseNotFound = errors.New("exercise not found")

// Exercise is one row of the exercios_vw view.
type Exercise struct {
	ID          int64
	Name        string
	MuscleGroup string
	Sets        int
	Reps        string
	RestSeconds int
	Notes       string
}

// Options configures Open.
type Options struct {
	// Path is the sqlite file. Parent directories are created as needed.
	Path string
	// InMemory keeps the database in memory; contents vanish on Close.
	InMemory bool
	// ForTest gives every in-memory store a private database name so tests
	// never share state.
	ForTest bool
	// Migrate applies the embedded migrations before returning.
	Migrate bool

	Logger util.Logger
}

// Store runs the catalog queries against the exercios_vw view.
type Store struct {
	db     *sql.DB
	logger util.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the database described by opts.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = util.DefaultRootLogger()
	}
	logger = logger.WithComponent("store")

	dsn, name, err := dataSource(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.InMemory {
		// the in-memory database lives as long as one connection does
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if opts.Migrate {
		if err := up(db, name); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.Info("catalog database ready", "database", name, "migrated", opts.Migrate)
	return &Store{db: db, logger: logger}, nil
}

func dataSource(opts Options) (dsn string, name string, err error) {
	if opts.InMemory {
		name = "academia"
		if opts.ForTest {
			name = fmt.Sprintf("academia_%s", strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String()))
		}
		return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name), name, nil
	}

	if opts.Path == "" {
		return "", "", errors.New("database path is required")
	}

	file := opts.Path
	if !filepath.IsAbs(file) {
		wd, err := os.Getwd()
		if err != nil {
			return "", "", err
		}
		file = filepath.Join(wd, file)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0750); err != nil {
		return "", "", fmt.Errorf("failed to create database directory: %w", err)
	}

	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", file), file, nil
}

func up(db *sql.DB, dbName string) error {
	src, err := iofs.New(FS, path.Join("migrations", "sqlite"))
	if err != nil {
		return err
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{
		MigrationsTable: "migrations",
		NoTxWrap:        true,
	})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return err
	}

	v, dirty, err := m.Version()
	if err != migrate.ErrNilVersion && err != nil {
		return err
	}

	if dirty {
		if err = m.Force(int(v)); err != nil {
			return fmt.Errorf("error resetting dirty version %d: %w", v, err)
		}
	}

	err = m.Up()
	if err == migrate.ErrNoChange {
		return nil
	}

	return err
}

const exerciseColumns = `id, nome, grupo_muscular, series, repeticoes, intervalo_segundos, observacoes`

// ExercisesByGroup returns exercises whose muscle group contains group.
func (s *Store) ExercisesByGroup(ctx context.Context, group string) ([]Exercise, error) {
	return s.queryExercises(ctx,
		`SELECT `+exerciseColumns+` FROM exercios_vw WHERE grupo_muscular LIKE ? ORDER BY id`,
		likePattern(group))
}

// ExercisesByName returns exercises whose name contains name, ignoring ASCII case.
func (s *Store) ExercisesByName(ctx context.Context, name string) ([]Exercise, error) {
	return s.queryExercises(ctx,
		`SELECT `+exerciseColumns+` FROM exercios_vw WHERE nome LIKE ? ORDER BY id`,
		likePattern(name))
}

// AllExercises returns every exercise ordered by group then name.
func (s *Store) AllExercises(ctx context.Context) ([]Exercise, error) {
	return s.queryExercises(ctx,
		`SELECT `+exerciseColumns+` FROM exercios_vw ORDER BY grupo_muscular, nome`)
}

// ExerciseByID returns one exercise or ErrExerciseNotFound.
func (s *Store) ExerciseByID(ctx context.Context, id int64) (*Exercise, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+exerciseColumns+` FROM exercios_vw WHERE id = ?`, id)

	ex, err := scanExercise(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExerciseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load exercise %d: %w", id, err)
	}
	return ex, nil
}

// MuscleGroups returns the distinct muscle groups that have exercises.
func (s *Store) MuscleGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT grupo_muscular FROM exercios_vw ORDER BY grupo_muscular`)
	if err != nil {
		return nil, fmt.Errorf("failed to list muscle groups: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Close releases the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		s.logger.Info("catalog database closed")
	})
	return s.closeErr
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExercise(row scanner) (*Exercise, error) {
	var (
		ex    Exercise
		notes sql.NullString
	)
	if err := row.Scan(&ex.ID, &ex.Name, &ex.MuscleGroup, &ex.Sets, &ex.Reps, &ex.RestSeconds, &notes); err != nil {
		return nil, err
	}
	ex.Notes = notes.String
	return &ex, nil
}

func (s *Store) queryExercises(ctx context.Context, query string, args ...any) ([]Exercise, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exercises: %w", err)
	}
	defer rows.Close()

	var out []Exercise
	for rows.Next() {
		ex, err := scanExercise(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ex)
	}
	return out, rows.Err()
}

func likePattern(s string) string {
	return "%" + s + "%"
}
