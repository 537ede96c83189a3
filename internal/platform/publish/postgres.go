package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	nextSuffix = "__next"
	prevSuffix = "__prev"
	runsTable  = "warehouse_runs"
)

// PostgresPublisher loads each table into <name>__next with COPY and then
// renames every table into place inside one transaction. The run is logged
// in warehouse_runs by the same transaction.
type PostgresPublisher struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger zerolog.Logger
}

func NewPostgresPublisher(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresPublisher {
	return &PostgresPublisher{
		pool:   pool,
		now:    time.Now,
		logger: logger.With().Str("component", "publish").Str("publisher", "postgres").Logger(),
	}
}

func (p *PostgresPublisher) Name() string { return "postgres" }

func pgType(c Column) string {
	switch c.Type {
	case TypeInt:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBool:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

func createTableSQL(name string, cols []Column, typeOf func(Column) string, quote func(string) string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		def := quote(c.Name) + " " + typeOf(c)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs[i] = def
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", quote(name), strings.Join(defs, ", "))
}

func pgQuote(name string) string { return pgx.Identifier{name}.Sanitize() }

func (p *PostgresPublisher) Publish(ctx context.Context, r *Release) error { return Publish(ctx, p, r) }

// Stage copies every table into <table>__next outside any transaction.
func (p *PostgresPublisher) Stage(ctx context.Context, r *Release) (Staged, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	st := &pgStaged{p: p, r: r}
	for _, t := range r.Tables {
		if err := p.stage(ctx, t); err != nil {
			st.Close()
			return nil, fmt.Errorf("stage %s: %w", t.Name, err)
		}
	}
	p.logger.Debug().
		Str("run_id", r.RunID).
		Int("tables", len(r.Tables)).
		Dur("duration", time.Since(start)).
		Msg("postgres release staged")
	return st, nil
}

type pgStaged struct {
	p         *PostgresPublisher
	r         *Release
	committed bool
}

func (s *pgStaged) Commit(ctx context.Context) error {
	if err := s.p.swap(ctx, s.r); err != nil {
		return err
	}
	s.committed = true
	s.p.logger.Info().Str("run_id", s.r.RunID).Int("tables", len(s.r.Tables)).Msg("postgres release swapped in")
	return nil
}

// Revert moves the <table>__prev copies back and forgets the run.
func (s *pgStaged) Revert(ctx context.Context) error {
	if !s.committed {
		return nil
	}
	tx, err := s.p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range s.r.Tables {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgQuote(t.Name)); err != nil {
			return fmt.Errorf("drop %s: %w", t.Name, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE IF EXISTS %s RENAME TO %s",
			pgQuote(t.Name+prevSuffix), pgQuote(t.Name))); err != nil {
			return fmt.Errorf("restore %s: %w", t.Name, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM warehouse_runs WHERE run_id = $1`, s.r.RunID); err != nil {
		return fmt.Errorf("forget run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit revert: %w", err)
	}
	s.committed = false
	return nil
}

// Close drops the staged tables, and the previous ones once the run is
// current.
func (s *pgStaged) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, t := range s.r.Tables {
		names := []string{t.Name + nextSuffix}
		if s.committed {
			names = append(names, t.Name+prevSuffix)
		}
		for _, name := range names {
			if _, err := s.p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgQuote(name)); err != nil {
				s.p.logger.Warn().Err(err).Str("table", name).Msg("failed to drop leftover table")
			}
		}
	}
}

func (p *PostgresPublisher) stage(ctx context.Context, t *Table) error {
	next := t.Name + nextSuffix
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgQuote(next)); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, createTableSQL(next, t.Columns, pgType, pgQuote)); err != nil {
		return err
	}
	copied, err := p.pool.CopyFrom(ctx, pgx.Identifier{next}, t.ColumnNames(), pgx.CopyFromRows(t.Values()))
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if int(copied) != t.Len() {
		return fmt.Errorf("copied %d of %d rows", copied, t.Len())
	}
	return nil
}

func (p *PostgresPublisher) swap(ctx context.Context, r *Release) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The current tables move aside to <table>__prev so a revert can bring
	// them back.
	for _, t := range r.Tables {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+pgQuote(t.Name+prevSuffix)); err != nil {
			return fmt.Errorf("drop %s: %w", t.Name+prevSuffix, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE IF EXISTS %s RENAME TO %s",
			pgQuote(t.Name), pgQuote(t.Name+prevSuffix))); err != nil {
			return fmt.Errorf("move aside %s: %w", t.Name, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
			pgQuote(t.Name+nextSuffix), pgQuote(t.Name))); err != nil {
			return fmt.Errorf("rename %s: %w", t.Name, err)
		}
	}

	published := p.now().UTC()
	manifest, err := json.Marshal(newManifest(r, published).Tables)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO warehouse_runs (run_id, as_of, created_at, published_at, tables) VALUES ($1, $2, $3, $4, $5)`,
		r.RunID, r.AsOf, r.CreatedAt, published, manifest,
	); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}
	return nil
}

// CurrentRun returns the id of the most recently published run.
func (p *PostgresPublisher) CurrentRun(ctx context.Context) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx,
		`SELECT run_id::text FROM warehouse_runs ORDER BY published_at DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNothingPublished
	}
	if err != nil {
		return "", fmt.Errorf("query current run: %w", err)
	}
	return id, nil
}
