package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hospitalwh/internal/config"
	"github.com/ehr/hospitalwh/internal/domain/capacity"
	"github.com/ehr/hospitalwh/internal/platform/alerts"
	"github.com/ehr/hospitalwh/internal/platform/blobstore"
	"github.com/ehr/hospitalwh/internal/platform/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:                     "test",
		LogLevel:                "info",
		InputDir:                t.TempDir(),
		OutputDir:               t.TempDir(),
		ReadmissionWindowDays:   28,
		LongStayThresholdDays:   21,
		SurgeWindowDays:         3,
		AllocationLookbackDays:  30,
		CalendarStartDate:       "2023-01-01",
		CalendarHorizonDays:     1096,
		PatientConflictPolicy:   config.ConflictReject,
		Workers:                 2,
		CORSOrigins:             []string{"*"},
		RateLimitRPS:            100,
		RateLimitBurst:          100,
		RequestTimeout:          5 * time.Second,
		OccupancyBandThresholds: []float64{0.80, 0.85, 0.92},
		SurgeTierThresholds:     []float64{0.85, 0.90, 0.95},
	}
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level    string
		wantInfo bool
	}{
		{"info", true},
		{"warn", false},
		{"bogus", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.LogLevel = tt.level
			var buf bytes.Buffer
			logger := newLogger(cfg, &buf)
			logger.Info().Msg("hello")
			if got := buf.Len() > 0; got != tt.wantInfo {
				t.Errorf("level %q: info written = %v, want %v", tt.level, got, tt.wantInfo)
			}
		})
	}
}

func TestPipelineOptions(t *testing.T) {
	cfg := testConfig(t)

	opts, engine, err := pipelineOptions(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !opts.AsOf.IsZero() {
		t.Errorf("expected unpinned as-of, got %v", opts.AsOf)
	}
	if got := opts.Dimensions.CalendarStart.Format("2006-01-02"); got != "2023-01-01" {
		t.Errorf("expected calendar start 2023-01-01, got %s", got)
	}
	if opts.Facts.Workers != 2 || opts.Facts.ReadmissionWindowDays != 28 {
		t.Errorf("unexpected fact options: %+v", opts.Facts)
	}
	if engine.BandThresholds != capacity.DefaultBandThresholds {
		t.Errorf("expected default bands, got %v", engine.BandThresholds)
	}
	if engine.TierThresholds != capacity.DefaultTierThresholds {
		t.Errorf("expected default tiers, got %v", engine.TierThresholds)
	}

	cfg.AsOfDate = "2024-06-30"
	opts, _, err = pipelineOptions(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := opts.AsOf.Format("2006-01-02"); got != "2024-06-30" {
		t.Errorf("expected pinned as-of 2024-06-30, got %s", got)
	}

	cfg.SurgeTierThresholds = []float64{0.9, 0.8}
	if _, _, err := pipelineOptions(cfg); err == nil {
		t.Error("expected error for a short tier ladder")
	}
}

var inputs = map[string]string{
	"patient_demographics.csv": "patient_id,first_name,last_name,date_of_birth,gender,registration_date,last_visit_date\n" +
		"PAT000001,Ana,Diaz,1980-02-03,F,2023-01-05,2024-01-10\n",
	"hospital_departments.csv": "department_id,department_name,department_head,floor_number,specialization,bed_capacity\n" +
		"CARD,Cardiology,Dr. Sarah Chen,3,Cardiovascular Care,2\n",
	"bed_inventory.csv": "bed_id,department_id,room_number,bed_number,bed_type,equipment,is_active,daily_rate\n" +
		"CARD-201-A,CARD,201,A,Standard,Monitor,True,1200.00\n" +
		"CARD-201-B,CARD,201,B,Standard,Monitor,True,1100.00\n",
	"patient_admissions.csv": "admission_id,patient_id,admission_date,admission_time,discharge_date,discharge_time,department_id,admission_type,attending_physician,total_charges,weather_condition\n" +
		"ADM0001,PAT000001,2024-01-01,08:30:00,2024-01-05,11:00:00,CARD,Emergency,Dr. Sarah Chen,15000.50,Sunny\n",
}

// writeInputs writes the required input files; the remaining streams are
// optional.
func writeInputs(t *testing.T, dir string) {
	t.Helper()
	for name, body := range inputs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func testServer(t *testing.T, cfg *config.Config) (*server, http.Handler) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	metrics := telemetry.New()
	store := alerts.NewMemoryStore()
	runner, err := newRunner(cfg, &backends{}, metrics, runnerConfig{publish: true, alerts: store}, logger)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	s := &server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		runner:  runner,
		alerts:  store,
		blobs:   blobstore.NewInMemoryBlobStore(),
	}
	return s, newEcho(s)
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServer_BeforeFirstRun(t *testing.T) {
	_, h := testServer(t, testConfig(t))

	tests := []struct {
		target string
		want   int
	}{
		{"/health", http.StatusOK},
		{"/health/db", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/artifacts", http.StatusOK},
		{"/api/v1/tables", http.StatusServiceUnavailable},
		{"/api/v1/capacity/metrics", http.StatusServiceUnavailable},
		{"/api/v1/runs/latest", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(h, tt.target)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("expected a request id header")
			}
		})
	}
}

func TestServer_AfterRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.AsOfDate = "2024-06-30"
	writeInputs(t, cfg.InputDir)
	s, h := testServer(t, cfg)

	rep, err := s.runner.Run(t.Context())
	if err != nil {
		t.Fatalf("run: %v (report %+v)", err, rep)
	}

	rec := get(h, "/api/v1/tables/dim_bed")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("expected 2 beds, got %d", page.Total)
	}

	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "CURRENT")); err != nil {
		t.Errorf("expected parquet CURRENT pointer: %v", err)
	}

	metrics := get(h, "/metrics").Body.String()
	if !strings.Contains(metrics, `hospitalwh_runs_total{status="published"} 1`) {
		t.Error("expected a published run in the metrics output")
	}
}

func TestPrintCapacity(t *testing.T) {
	res := &capacity.Result{
		Daily: []capacity.DailyMetric{
			{DepartmentID: "CARD", Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), OccupancyRatePct: 50},
			{DepartmentID: "CARD", Date: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), OccupancyRatePct: 95},
		},
		Alerts: []capacity.Alert{
			{DepartmentID: "CARD", Day: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), Severity: capacity.SeverityCritical, Message: "surge"},
		},
	}
	var buf bytes.Buffer
	printCapacity(&buf, res)
	out := buf.String()
	if !strings.Contains(out, "2024-06-02") || strings.Contains(out, "CARD       2024-06-01") {
		t.Errorf("expected only the latest day per department:\n%s", out)
	}
	if !strings.Contains(out, "1 alert(s)") {
		t.Errorf("expected alert count:\n%s", out)
	}
}
