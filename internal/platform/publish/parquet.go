package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/platform/blobstore"
)

const (
	// CurrentFile names the published run inside the output root.
	CurrentFile = "CURRENT"
	// ManifestFile describes one run directory.
	ManifestFile = "manifest.json"
	// CurrentManifestKey is the artifact store object naming the published run.
	CurrentManifestKey = "current.json"

	runsDir    = "runs"
	stagingDir = ".staging"
)

// ParquetPublisher writes each release as a directory of Parquet files,
// root/runs/<run_id>/, and on commit repoints root/CURRENT at it. When an
// artifact store is configured the run directory is uploaded too, and
// current.json is written on commit.
type ParquetPublisher struct {
	root   string
	blobs  blobstore.BlobStore
	now    func() time.Time
	logger zerolog.Logger
}

// NewParquetPublisher publishes under root. blobs may be nil.
func NewParquetPublisher(root string, blobs blobstore.BlobStore, logger zerolog.Logger) *ParquetPublisher {
	return &ParquetPublisher{
		root:   root,
		blobs:  blobs,
		now:    time.Now,
		logger: logger.With().Str("component", "publish").Str("publisher", "parquet").Logger(),
	}
}

func (p *ParquetPublisher) Name() string { return "parquet" }

func (p *ParquetPublisher) Publish(ctx context.Context, r *Release) error { return Publish(ctx, p, r) }

// Stage writes the run directory and uploads its files. CURRENT and
// current.json are left alone until Commit.
func (p *ParquetPublisher) Stage(ctx context.Context, r *Release) (Staged, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	stage := filepath.Join(p.root, stagingDir, r.RunID)
	final := filepath.Join(p.root, runsDir, r.RunID)

	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("run %s already published", r.RunID)
	}
	if err := os.RemoveAll(stage); err != nil {
		return nil, fmt.Errorf("clear staging: %w", err)
	}
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return nil, fmt.Errorf("create staging: %w", err)
	}

	manifest, err := p.stage(ctx, stage, r)
	if err != nil {
		os.RemoveAll(stage)
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.RemoveAll(stage)
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	if err := os.Rename(stage, final); err != nil {
		os.RemoveAll(stage)
		return nil, fmt.Errorf("move run into place: %w", err)
	}

	prev, err := CurrentRun(p.root)
	if err != nil && !errors.Is(err, ErrNothingPublished) {
		os.RemoveAll(final)
		return nil, fmt.Errorf("read %s: %w", CurrentFile, err)
	}
	st := &parquetStaged{p: p, dir: final, manifest: manifest, prev: prev}
	if p.blobs != nil {
		if err := p.upload(ctx, final, manifest); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

type parquetStaged struct {
	p         *ParquetPublisher
	dir       string
	manifest  Manifest
	prev      string
	committed bool
}

// Commit repoints CURRENT, then current.json in the artifact store.
func (s *parquetStaged) Commit(ctx context.Context) error {
	runID := s.manifest.RunID
	if err := writeAtomic(filepath.Join(s.p.root, CurrentFile), []byte(runID+"\n")); err != nil {
		return fmt.Errorf("swap %s: %w", CurrentFile, err)
	}
	if s.p.blobs != nil {
		if err := s.p.uploadCurrent(ctx, s.manifest); err != nil {
			if rerr := s.restorePointer(); rerr != nil {
				s.p.logger.Error().Err(rerr).Str("run_id", runID).Msg("failed to restore CURRENT")
			}
			return err
		}
	}
	s.committed = true
	s.p.logger.Info().Str("run_id", runID).Str("dir", s.dir).Msg("parquet release current")
	return nil
}

// Revert points CURRENT and current.json back at the previous run.
func (s *parquetStaged) Revert(ctx context.Context) error {
	if !s.committed {
		return nil
	}
	if err := s.restorePointer(); err != nil {
		return fmt.Errorf("restore %s: %w", CurrentFile, err)
	}
	s.committed = false
	if s.p.blobs == nil {
		return nil
	}
	if s.prev == "" {
		return s.p.blobs.Delete(ctx, CurrentManifestKey)
	}
	m, err := ReadManifest(s.p.root, s.prev)
	if err != nil {
		return err
	}
	return s.p.uploadCurrent(ctx, *m)
}

func (s *parquetStaged) restorePointer() error {
	name := filepath.Join(s.p.root, CurrentFile)
	if s.prev == "" {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return writeAtomic(name, []byte(s.prev+"\n"))
}

// Close removes the run directory and its uploaded files unless the run
// stayed current. Earlier runs are kept for readers still holding them.
func (s *parquetStaged) Close() {
	if s.committed {
		return
	}
	if err := os.RemoveAll(s.dir); err != nil {
		s.p.logger.Warn().Err(err).Str("dir", s.dir).Msg("failed to remove unpublished run")
	}
	if s.p.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	objs, err := s.p.blobs.List(ctx, path.Join(runsDir, s.manifest.RunID)+"/")
	if err != nil {
		s.p.logger.Warn().Err(err).Msg("failed to list unpublished artifacts")
		return
	}
	for _, o := range objs {
		if err := s.p.blobs.Delete(ctx, o.Key); err != nil {
			s.p.logger.Warn().Err(err).Str("key", o.Key).Msg("failed to delete unpublished artifact")
		}
	}
}

func (p *ParquetPublisher) stage(ctx context.Context, dir string, r *Release) (Manifest, error) {
	manifest := newManifest(r, p.now().UTC())
	for i, t := range r.Tables {
		if err := ctx.Err(); err != nil {
			return manifest, err
		}
		name := t.Name + ".parquet"
		sum, err := writeTableFile(filepath.Join(dir, name), t)
		if err != nil {
			return manifest, fmt.Errorf("table %s: %w", t.Name, err)
		}
		manifest.Tables[i].File = name
		manifest.Tables[i].SHA256 = sum
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return manifest, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return manifest, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

func writeTableFile(name string, t *Table) (string, error) {
	f, err := os.Create(name)
	if err != nil {
		return "", fmt.Errorf("create parquet file: %w", err)
	}
	h := sha256.New()
	if err := t.WriteParquet(io.MultiWriter(f, h)); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// upload copies the run directory to the artifact store. current.json is
// written by Commit, so readers of the store never see a pointer to a
// partial run.
func (p *ParquetPublisher) upload(ctx context.Context, dir string, m Manifest) error {
	prefix := path.Join(runsDir, m.RunID)
	files := []string{ManifestFile}
	for _, t := range m.Tables {
		files = append(files, t.File)
	}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		contentType := "application/vnd.apache.parquet"
		if strings.HasSuffix(name, ".json") {
			contentType = "application/json"
		}
		if err := uploadFile(ctx, p.blobs, filepath.Join(dir, name), path.Join(prefix, name), contentType, m.RunID); err != nil {
			return err
		}
	}

	p.logger.Info().Str("run_id", m.RunID).Int("objects", len(files)).Msg("artifacts uploaded")
	return nil
}

// uploadCurrent writes current.json naming m's run.
func (p *ParquetPublisher) uploadCurrent(ctx context.Context, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, err = p.blobs.Upload(ctx, blobstore.BlobMetadata{
		Key:         CurrentManifestKey,
		ContentType: "application/json",
		Tags:        map[string]string{"run_id": m.RunID},
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload %s: %w", CurrentManifestKey, err)
	}
	return nil
}

func uploadFile(ctx context.Context, blobs blobstore.BlobStore, file, key, contentType, runID string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = blobs.Upload(ctx, blobstore.BlobMetadata{
		Key:         key,
		ContentType: contentType,
		Tags:        map[string]string{"run_id": runID},
	}, f)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// writeAtomic replaces name through a rename so readers see the old or the
// new content, never a mix.
func writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

// CurrentRun returns the run id root/CURRENT points at.
func CurrentRun(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, CurrentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNothingPublished
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadManifest loads the manifest of a published run.
func ReadManifest(root, runID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, runsDir, runID, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// TablePath returns the Parquet file of table in a published run.
func TablePath(root, runID, table string) string {
	return filepath.Join(root, runsDir, runID, table+".parquet")
}
