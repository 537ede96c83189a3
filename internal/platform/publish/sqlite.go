package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// sqliteInsertBatch keeps a multi-row INSERT under SQLite's bound parameter
// limit for the widest table.
const sqliteInsertBatch = 500

// SQLitePublisher maintains a single-file warehouse. Tables are staged as
// <name>__next and renamed into place in one transaction.
type SQLitePublisher struct {
	db     *sql.DB
	q      *goqu.Database
	now    func() time.Time
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the warehouse file at path.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLitePublisher, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; readers on other connections see the last committed swap.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS warehouse_runs (
		run_id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		created_at TEXT NOT NULL,
		published_at TEXT NOT NULL,
		tables TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create warehouse_runs: %w", err)
	}
	return &SQLitePublisher{
		db:     db,
		q:      goqu.New("sqlite3", db),
		now:    time.Now,
		logger: logger.With().Str("component", "publish").Str("publisher", "sqlite").Logger(),
	}, nil
}

func (p *SQLitePublisher) Name() string { return "sqlite" }

func (p *SQLitePublisher) Close() error { return p.db.Close() }

func (p *SQLitePublisher) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// DB exposes the underlying handle for readers.
func (p *SQLitePublisher) DB() *goqu.Database { return p.q }

func sqliteType(c Column) string {
	switch c.Type {
	case TypeInt, TypeBool:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	}
	return "TEXT"
}

func sqliteQuote(name string) string { return `"` + name + `"` }

// sqliteValue stores dates as YYYY-MM-DD and timestamps as RFC 3339 text so
// that string comparison orders them.
func sqliteValue(c Column, v any) any {
	t, ok := v.(time.Time)
	if !ok {
		return v
	}
	if c.Type == TypeDate {
		return t.Format("2006-01-02")
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (p *SQLitePublisher) Publish(ctx context.Context, r *Release) error { return Publish(ctx, p, r) }

// Stage inserts every table into <table>__next, one transaction per table.
func (p *SQLitePublisher) Stage(ctx context.Context, r *Release) (Staged, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	st := &sqliteStaged{p: p, r: r}
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
		Msg("sqlite release staged")
	return st, nil
}

type sqliteStaged struct {
	p         *SQLitePublisher
	r         *Release
	committed bool
}

func (s *sqliteStaged) Commit(ctx context.Context) error {
	if err := s.p.swap(ctx, s.r); err != nil {
		return err
	}
	s.committed = true
	s.p.logger.Info().Str("run_id", s.r.RunID).Int("tables", len(s.r.Tables)).Msg("sqlite release swapped in")
	return nil
}

// Revert moves the <table>__prev copies back and forgets the run.
func (s *sqliteStaged) Revert(ctx context.Context) error {
	if !s.committed {
		return nil
	}
	tx, err := s.p.q.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	err = tx.Wrap(func() error {
		existing, err := sqliteTables(ctx, tx)
		if err != nil {
			return err
		}
		for _, t := range s.r.Tables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqliteQuote(t.Name)); err != nil {
				return fmt.Errorf("drop %s: %w", t.Name, err)
			}
			if !existing[t.Name+prevSuffix] {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
				sqliteQuote(t.Name+prevSuffix), sqliteQuote(t.Name))); err != nil {
				return fmt.Errorf("restore %s: %w", t.Name, err)
			}
		}
		query, args, err := tx.Delete(runsTable).Prepared(true).Where(goqu.C("run_id").Eq(s.r.RunID)).ToSQL()
		if err != nil {
			return fmt.Errorf("build run delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("forget run: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.committed = false
	return nil
}

// Close drops the staged tables, and the previous ones once the run is
// current.
func (s *sqliteStaged) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, t := range s.r.Tables {
		names := []string{t.Name + nextSuffix}
		if s.committed {
			names = append(names, t.Name+prevSuffix)
		}
		for _, name := range names {
			if _, err := s.p.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqliteQuote(name)); err != nil {
				s.p.logger.Warn().Err(err).Str("table", name).Msg("failed to drop leftover table")
			}
		}
	}
}

// sqliteTables lists the tables in the database. SQLite has no
// ALTER TABLE IF EXISTS.
func sqliteTables(ctx context.Context, tx *goqu.TxDatabase) (map[string]bool, error) {
	var names []string
	if err := tx.From("sqlite_master").Select("name").Where(goqu.C("type").Eq("table")).ScanValsContext(ctx, &names); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (p *SQLitePublisher) stage(ctx context.Context, t *Table) error {
	next := t.Name + nextSuffix
	tx, err := p.q.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	return tx.Wrap(func() error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqliteQuote(next)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, createTableSQL(next, t.Columns, sqliteType, sqliteQuote)); err != nil {
			return err
		}

		cols := make([]any, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = c.Name
		}
		values := t.Values()
		for lo := 0; lo < len(values); lo += sqliteInsertBatch {
			if err := ctx.Err(); err != nil {
				return err
			}
			hi := min(lo+sqliteInsertBatch, len(values))
			batch := make([][]any, 0, hi-lo)
			for _, row := range values[lo:hi] {
				conv := make([]any, len(row))
				for i, v := range row {
					conv[i] = sqliteValue(t.Columns[i], v)
				}
				batch = append(batch, conv)
			}
			query, args, err := tx.Insert(next).Prepared(true).Cols(cols...).Vals(batch...).ToSQL()
			if err != nil {
				return fmt.Errorf("build insert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert rows: %w", err)
			}
		}
		return nil
	})
}

func (p *SQLitePublisher) swap(ctx context.Context, r *Release) error {
	tx, err := p.q.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	return tx.Wrap(func() error {
		existing, err := sqliteTables(ctx, tx)
		if err != nil {
			return err
		}
		for _, t := range r.Tables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqliteQuote(t.Name+prevSuffix)); err != nil {
				return fmt.Errorf("drop %s: %w", t.Name+prevSuffix, err)
			}
			if existing[t.Name] {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
					sqliteQuote(t.Name), sqliteQuote(t.Name+prevSuffix))); err != nil {
					return fmt.Errorf("move aside %s: %w", t.Name, err)
				}
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
				sqliteQuote(t.Name+nextSuffix), sqliteQuote(t.Name))); err != nil {
				return fmt.Errorf("rename %s: %w", t.Name, err)
			}
		}

		published := p.now().UTC()
		manifest, err := json.Marshal(newManifest(r, published).Tables)
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		query, args, err := tx.Insert(runsTable).Prepared(true).Rows(goqu.Record{
			"run_id":       r.RunID,
			"as_of":        r.AsOf.Format("2006-01-02"),
			"created_at":   r.CreatedAt.UTC().Format(time.RFC3339Nano),
			"published_at": published.Format(time.RFC3339Nano),
			"tables":       string(manifest),
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build run insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		return nil
	})
}

// CurrentRun returns the id of the most recently published run.
func (p *SQLitePublisher) CurrentRun(ctx context.Context) (string, error) {
	var id string
	found, err := p.q.From(runsTable).
		Select("run_id").
		Order(goqu.I("published_at").Desc()).
		Limit(1).
		ScanValContext(ctx, &id)
	if err != nil {
		return "", fmt.Errorf("query current run: %w", err)
	}
	if !found {
		return "", ErrNothingPublished
	}
	return id, nil
}

// Count returns the number of rows in a published table.
func (p *SQLitePublisher) Count(ctx context.Context, table string) (int64, error) {
	if !tableNamePattern.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	return p.q.From(table).CountContext(ctx)
}
