package publish

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// ErrNothingPublished is returned by Current when no run has been published.
var ErrNothingPublished = errors.New("no warehouse run has been published")

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Release is the complete output of one run, published as a unit.
type Release struct {
	RunID     string
	AsOf      time.Time
	CreatedAt time.Time
	Tables    []*Table
}

// Validate rejects releases that no publisher could store safely.
func (r *Release) Validate() error {
	if r.RunID == "" {
		return errors.New("release has no run id")
	}
	seen := make(map[string]bool, len(r.Tables))
	for _, t := range r.Tables {
		if !tableNamePattern.MatchString(t.Name) {
			return fmt.Errorf("invalid table name %q", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Manifest describes a published release.
type Manifest struct {
	RunID       string          `json:"run_id"`
	AsOf        string          `json:"as_of"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt time.Time       `json:"published_at"`
	Tables      []TableManifest `json:"tables"`
}

type TableManifest struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []Column `json:"columns"`
	File    string   `json:"file,omitempty"`
	SHA256  string   `json:"sha256,omitempty"`
}

func newManifest(r *Release, publishedAt time.Time) Manifest {
	m := Manifest{
		RunID:       r.RunID,
		AsOf:        r.AsOf.Format("2006-01-02"),
		CreatedAt:   r.CreatedAt,
		PublishedAt: publishedAt,
		Tables:      make([]TableManifest, 0, len(r.Tables)),
	}
	for _, t := range r.Tables {
		m.Tables = append(m.Tables, TableManifest{Name: t.Name, Rows: t.Len(), Columns: t.Columns})
	}
	return m
}

// Publisher makes every table of a release visible to its readers at once,
// or none of them. Writing and switching over are separate steps so that
// several publishers can agree on a release before any of them shows it.
type Publisher interface {
	Name() string
	// Stage writes the release where readers cannot see it yet.
	Stage(ctx context.Context, r *Release) (Staged, error)
}

// Staged is a release written by one publisher but not yet current.
type Staged interface {
	// Commit makes the release current.
	Commit(ctx context.Context) error
	// Revert restores the release that was current before Commit.
	Revert(ctx context.Context) error
	// Close drops what is no longer needed: the staged copy unless it
	// stayed committed, the previous release otherwise.
	Close()
}

// Publish stages r on p and commits it.
func Publish(ctx context.Context, p Publisher, r *Release) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s, err := p.Stage(ctx, r)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Commit(ctx)
}

// cleanupTimeout bounds rollback and cleanup work, which runs on a fresh
// context because the run's own may already be cancelled.
const cleanupTimeout = 30 * time.Second

// Multi publishes one release to several publishers. Every publisher stages
// before any commits; when a stage fails the rest are dropped, and when a
// commit fails the publishers already committed are reverted.
type Multi struct {
	publishers []Publisher
	logger     zerolog.Logger
}

func NewMulti(logger zerolog.Logger, publishers ...Publisher) *Multi {
	return &Multi{
		publishers: publishers,
		logger:     logger.With().Str("component", "publish").Logger(),
	}
}

func (m *Multi) Name() string { return "multi" }

// Names lists the configured publishers.
func (m *Multi) Names() []string {
	out := make([]string, len(m.publishers))
	for i, p := range m.publishers {
		out[i] = p.Name()
	}
	return out
}

func (m *Multi) Stage(ctx context.Context, r *Release) (Staged, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	ms := &multiStaged{runID: r.RunID, tables: len(r.Tables), logger: m.logger}
	for _, p := range m.publishers {
		if err := ctx.Err(); err != nil {
			ms.Close()
			return nil, err
		}
		start := time.Now()
		s, err := p.Stage(ctx, r)
		if err != nil {
			ms.Close()
			return nil, fmt.Errorf("publisher %s: %w", p.Name(), err)
		}
		ms.names = append(ms.names, p.Name())
		ms.staged = append(ms.staged, s)
		m.logger.Debug().
			Str("publisher", p.Name()).
			Str("run_id", r.RunID).
			Dur("duration", time.Since(start)).
			Msg("release staged")
	}
	return ms, nil
}

func (m *Multi) Publish(ctx context.Context, r *Release) error { return Publish(ctx, m, r) }

type multiStaged struct {
	runID     string
	tables    int
	names     []string
	staged    []Staged
	committed int
	logger    zerolog.Logger
}

func (s *multiStaged) Commit(ctx context.Context) error {
	for i, st := range s.staged {
		if err := st.Commit(ctx); err != nil {
			rctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if rerr := s.Revert(rctx); rerr != nil {
				s.logger.Error().Err(rerr).Str("run_id", s.runID).Msg("revert after failed commit incomplete")
			}
			return fmt.Errorf("publisher %s: %w", s.names[i], err)
		}
		s.committed = i + 1
	}
	s.logger.Info().
		Strs("publishers", s.names).
		Str("run_id", s.runID).
		Int("tables", s.tables).
		Msg("release published")
	return nil
}

// Revert undoes the commits made so far, newest first.
func (s *multiStaged) Revert(ctx context.Context) error {
	var errs []error
	for i := s.committed - 1; i >= 0; i-- {
		if err := s.staged[i].Revert(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", s.names[i], err))
			continue
		}
		s.logger.Warn().Str("publisher", s.names[i]).Str("run_id", s.runID).Msg("release reverted")
	}
	s.committed = 0
	return errors.Join(errs...)
}

func (s *multiStaged) Close() {
	for _, st := range s.staged {
		st.Close()
	}
}
