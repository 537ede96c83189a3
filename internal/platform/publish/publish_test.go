package publish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/platform/blobstore"
)

type bedRow struct {
	BedKey    int       `parquet:"bed_key"`
	BedID     string    `parquet:"bed_id"`
	DailyRate float64   `parquet:"daily_rate"`
	IsActive  bool      `parquet:"is_active"`
	Since     time.Time `parquet:"since,date"`
	Patient   *int      `parquet:"patient_key,optional"`
	Updated   time.Time `parquet:"updated_at,timestamp(millisecond)"`
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func intp(v int) *int { return &v }

func testRows() []bedRow {
	return []bedRow{
		{BedKey: 1, BedID: "CARD-201-A", DailyRate: 1200, IsActive: true, Since: day("2024-01-01"), Patient: intp(7),
			Updated: time.Date(2024, 1, 1, 7, 30, 0, 0, time.UTC)},
		{BedKey: 2, BedID: "CARD-201-B", DailyRate: 1100, Since: day("2024-02-01"),
			Updated: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)},
	}
}

func testRelease(t *testing.T, runID string) *Release {
	t.Helper()
	beds, err := NewTable("dim_bed", testRows())
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	empty, err := NewTable[bedRow]("fact_empty", nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return &Release{
		RunID:     runID,
		AsOf:      day("2024-06-30"),
		CreatedAt: time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
		Tables:    []*Table{beds, empty},
	}
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

func TestNewTable_Columns(t *testing.T) {
	tbl, err := NewTable("dim_bed", testRows())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []struct {
		name     string
		typ      ColumnType
		nullable bool
	}{
		{"bed_key", TypeInt, false},
		{"bed_id", TypeText, false},
		{"daily_rate", TypeFloat, false},
		{"is_active", TypeBool, false},
		{"since", TypeDate, false},
		{"patient_key", TypeInt, true},
		{"updated_at", TypeTimestamp, false},
	}
	if len(tbl.Columns) != len(want) {
		t.Fatalf("expected %d columns, got %d: %+v", len(want), len(tbl.Columns), tbl.Columns)
	}
	for i, w := range want {
		c := tbl.Columns[i]
		if c.Name != w.name || c.Type != w.typ || c.Nullable != w.nullable {
			t.Errorf("column %d: expected %+v, got %+v", i, w, c)
		}
	}

	vals := tbl.Values()
	if vals[0][5] != 7 {
		t.Errorf("expected dereferenced patient key 7, got %v", vals[0][5])
	}
	if vals[1][5] != nil {
		t.Errorf("expected nil patient key, got %v", vals[1][5])
	}
}

func TestNewTable_Rejects(t *testing.T) {
	type untagged struct{ A int }
	if _, err := NewTable("x", []untagged{{1}}); err == nil {
		t.Error("expected error for a struct without parquet columns")
	}
	type badTime struct {
		At time.Time `parquet:"at"`
	}
	if _, err := NewTable("x", []badTime{{}}); err == nil {
		t.Error("expected error for time without date or timestamp tag")
	}
	if _, err := NewTable("x", []int{1}); err == nil {
		t.Error("expected error for non-struct rows")
	}
}

func TestTable_Records(t *testing.T) {
	tbl, _ := NewTable("dim_bed", testRows())

	recs := tbl.Records(1, 10)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0]["bed_id"] != "CARD-201-B" || recs[0]["since"] != "2024-02-01" {
		t.Errorf("unexpected record %v", recs[0])
	}
	if recs[0]["patient_key"] != nil {
		t.Errorf("expected null patient_key, got %v", recs[0]["patient_key"])
	}
	if got := tbl.Records(5, 10); len(got) != 0 {
		t.Errorf("expected no records past the end, got %d", len(got))
	}
}

func TestTable_WriteParquet_RoundTrip(t *testing.T) {
	tbl, _ := NewTable("dim_bed", testRows())

	var buf bytes.Buffer
	if err := tbl.WriteParquet(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reader := parquet.NewGenericReader[bedRow](bytes.NewReader(buf.Bytes()))
	defer reader.Close()
	if reader.NumRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", reader.NumRows())
	}
	rows := make([]bedRow, 2)
	if n, _ := reader.Read(rows); n != 2 {
		t.Fatalf("expected to read 2 rows, got %d", n)
	}
	if rows[0].BedID != "CARD-201-A" || rows[0].Patient == nil || *rows[0].Patient != 7 {
		t.Errorf("unexpected first row %+v", rows[0])
	}
	if rows[1].Patient != nil {
		t.Errorf("expected null patient on second row")
	}
	if !rows[0].Since.Equal(day("2024-01-01")) {
		t.Errorf("date lost in round trip: %s", rows[0].Since)
	}
}

func TestRelease_Validate(t *testing.T) {
	r := testRelease(t, "r1")
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.Tables = append(r.Tables, r.Tables[0])
	if err := r.Validate(); err == nil {
		t.Error("expected duplicate table error")
	}

	bad := testRelease(t, "r1")
	bad.Tables[0].Name = "dim bed; DROP"
	if err := bad.Validate(); err == nil {
		t.Error("expected invalid name error")
	}

	if err := (&Release{}).Validate(); err == nil {
		t.Error("expected missing run id error")
	}
}

// ---------------------------------------------------------------------------
// Parquet
// ---------------------------------------------------------------------------

func TestParquetPublisher(t *testing.T) {
	root := t.TempDir()
	blobs := blobstore.NewInMemoryBlobStore()
	p := NewParquetPublisher(root, blobs, zerolog.Nop())
	ctx := context.Background()

	if _, err := CurrentRun(root); !errors.Is(err, ErrNothingPublished) {
		t.Fatalf("expected ErrNothingPublished, got %v", err)
	}

	if err := p.Publish(ctx, testRelease(t, "r1")); err != nil {
		t.Fatalf("publish r1: %v", err)
	}
	if err := p.Publish(ctx, testRelease(t, "r2")); err != nil {
		t.Fatalf("publish r2: %v", err)
	}

	cur, err := CurrentRun(root)
	if err != nil || cur != "r2" {
		t.Fatalf("expected CURRENT r2, got %q (%v)", cur, err)
	}
	m, err := ReadManifest(root, cur)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(m.Tables) != 2 || m.Tables[0].Rows != 2 || m.Tables[0].SHA256 == "" {
		t.Errorf("unexpected manifest %+v", m)
	}
	if _, err := os.Stat(TablePath(root, "r1", "dim_bed")); err != nil {
		t.Errorf("earlier run must stay readable: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, stagingDir))
	if len(entries) != 0 {
		t.Errorf("expected staging emptied, found %d entries", len(entries))
	}

	rc, _, err := blobs.Download(ctx, CurrentManifestKey)
	if err != nil {
		t.Fatalf("download current.json: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read current.json: %v", err)
	}
	if !strings.Contains(string(body), `"run_id":"r2"`) {
		t.Errorf("current.json must name r2: %s", body)
	}
	if _, err := blobs.GetMetadata(ctx, "runs/r2/dim_bed.parquet"); err != nil {
		t.Errorf("expected uploaded table: %v", err)
	}
}

func TestParquetPublisher_RepublishSameRun(t *testing.T) {
	root := t.TempDir()
	p := NewParquetPublisher(root, nil, zerolog.Nop())
	if err := p.Publish(context.Background(), testRelease(t, "r1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Publish(context.Background(), testRelease(t, "r1")); err == nil {
		t.Error("expected error republishing a run id")
	}
}

func TestParquetPublisher_CancelledLeavesCurrent(t *testing.T) {
	root := t.TempDir()
	p := NewParquetPublisher(root, nil, zerolog.Nop())
	if err := p.Publish(context.Background(), testRelease(t, "r1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, testRelease(t, "r2")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if cur, _ := CurrentRun(root); cur != "r1" {
		t.Errorf("cancelled publish must keep r1 current, got %q", cur)
	}
	if _, err := os.Stat(filepath.Join(root, runsDir, "r2")); !os.IsNotExist(err) {
		t.Errorf("cancelled run must not be moved into place")
	}
}

func TestParquetPublisher_StageThenRevert(t *testing.T) {
	root := t.TempDir()
	blobs := blobstore.NewInMemoryBlobStore()
	p := NewParquetPublisher(root, blobs, zerolog.Nop())
	ctx := context.Background()

	if err := p.Publish(ctx, testRelease(t, "r1")); err != nil {
		t.Fatalf("publish r1: %v", err)
	}

	st, err := p.Stage(ctx, testRelease(t, "r2"))
	if err != nil {
		t.Fatalf("stage r2: %v", err)
	}
	if cur, _ := CurrentRun(root); cur != "r1" {
		t.Fatalf("staging must not move CURRENT, got %q", cur)
	}

	if err := st.Commit(ctx); err != nil {
		t.Fatalf("commit r2: %v", err)
	}
	if cur, _ := CurrentRun(root); cur != "r2" {
		t.Fatalf("expected CURRENT r2 after commit, got %q", cur)
	}

	if err := st.Revert(ctx); err != nil {
		t.Fatalf("revert r2: %v", err)
	}
	st.Close()

	if cur, _ := CurrentRun(root); cur != "r1" {
		t.Errorf("expected CURRENT back on r1, got %q", cur)
	}
	if _, err := os.Stat(filepath.Join(root, runsDir, "r2")); !os.IsNotExist(err) {
		t.Error("reverted run directory must be removed")
	}
	rc, _, err := blobs.Download(ctx, CurrentManifestKey)
	if err != nil {
		t.Fatalf("download current.json: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if !strings.Contains(string(body), `"run_id":"r1"`) {
		t.Errorf("current.json must name r1 again: %s", body)
	}
	if objs, _ := blobs.List(ctx, "runs/r2/"); len(objs) != 0 {
		t.Errorf("expected reverted artifacts deleted, found %d", len(objs))
	}
}

func TestParquetPublisher_RevertFirstRun(t *testing.T) {
	root := t.TempDir()
	p := NewParquetPublisher(root, nil, zerolog.Nop())
	ctx := context.Background()

	st, err := p.Stage(ctx, testRelease(t, "r1"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := st.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := st.Revert(ctx); err != nil {
		t.Fatalf("revert: %v", err)
	}
	st.Close()
	if _, err := CurrentRun(root); !errors.Is(err, ErrNothingPublished) {
		t.Errorf("expected nothing published after reverting the first run, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Multi
// ---------------------------------------------------------------------------

// recordingPublisher logs every step it takes into a shared journal.
type recordingPublisher struct {
	name      string
	stageErr  error
	commitErr error
	journal   *[]string
}

func (r *recordingPublisher) Name() string { return r.name }

func (r *recordingPublisher) Stage(_ context.Context, rel *Release) (Staged, error) {
	r.log("stage")
	if r.stageErr != nil {
		return nil, r.stageErr
	}
	return &recordingStaged{pub: r}, nil
}

func (r *recordingPublisher) log(step string) { *r.journal = append(*r.journal, r.name+":"+step) }

type recordingStaged struct{ pub *recordingPublisher }

func (s *recordingStaged) Commit(context.Context) error {
	s.pub.log("commit")
	return s.pub.commitErr
}

func (s *recordingStaged) Revert(context.Context) error {
	s.pub.log("revert")
	return nil
}

func (s *recordingStaged) Close() { s.pub.log("close") }

func TestMulti_TwoPhase(t *testing.T) {
	tests := []struct {
		name    string
		stageB  error
		commitB error
		wantErr bool
		want    []string
	}{
		{
			name: "all commit",
			want: []string{"a:stage", "b:stage", "c:stage", "a:commit", "b:commit", "c:commit", "a:close", "b:close", "c:close"},
		},
		{
			name:    "stage failure commits nothing",
			stageB:  errors.New("disk full"),
			wantErr: true,
			want:    []string{"a:stage", "b:stage", "a:close"},
		},
		{
			name:    "commit failure reverts earlier commits",
			commitB: errors.New("pg down"),
			wantErr: true,
			want:    []string{"a:stage", "b:stage", "c:stage", "a:commit", "b:commit", "a:revert", "a:close", "b:close", "c:close"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var journal []string
			a := &recordingPublisher{name: "a", journal: &journal}
			b := &recordingPublisher{name: "b", journal: &journal, stageErr: tt.stageB, commitErr: tt.commitB}
			c := &recordingPublisher{name: "c", journal: &journal}
			m := NewMulti(zerolog.Nop(), a, b, c)

			err := m.Publish(context.Background(), testRelease(t, "r1"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if err != nil && !strings.Contains(err.Error(), "publisher b") {
				t.Errorf("expected error naming b, got %v", err)
			}
			if strings.Join(journal, " ") != strings.Join(tt.want, " ") {
				t.Errorf("unexpected steps\n got: %v\nwant: %v", journal, tt.want)
			}
		})
	}
}

func TestMulti_Names(t *testing.T) {
	var journal []string
	m := NewMulti(zerolog.Nop(), &recordingPublisher{name: "a", journal: &journal}, &recordingPublisher{name: "b", journal: &journal})
	if names := m.Names(); len(names) != 2 || names[1] != "b" {
		t.Errorf("unexpected names %v", names)
	}
}
