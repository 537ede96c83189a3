package capacity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeSource struct {
	res *Result
}

func (f *fakeSource) Capacity() (*Result, bool) {
	return f.res, f.res != nil
}

func testResult() *Result {
	return &Result{
		Daily: []DailyMetric{
			{DepartmentID: "CARD", DateKey: 20240101, Date: day("2024-01-01"), Band: BandGreen},
			{DepartmentID: "CARD", DateKey: 20240102, Date: day("2024-01-02"), Band: BandRed},
			{DepartmentID: "EMER", DateKey: 20240102, Date: day("2024-01-02"), Band: BandRed},
		},
		Recommendations: []Recommendation{{DepartmentID: "CARD", BedDelta: 20}},
		Turnover:        []Turnover{{DepartmentID: "CARD", Category: TurnoverHigh}},
		BookingPatterns: []BookingPattern{
			{DepartmentID: "CARD", BedType: "ICU", TotalBookings: 3},
			{DepartmentID: "CARD", BedType: "Standard", TotalBookings: 5},
			{DepartmentID: "EMER", BedType: "ICU", TotalBookings: 1},
		},
	}
}

func TestListMetrics_Filters(t *testing.T) {
	h := NewHandler(&fakeSource{res: testResult()}, newFakeAlertStore())
	e := echo.New()

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?department=CARD", 2},
		{"?band=Red", 2},
		{"?from=2024-01-02&to=2024-01-02&department=CARD", 1},
		{"?limit=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/capacity/metrics"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.ListMetrics(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var body struct {
				Data  []DailyMetric `json:"data"`
				Total int           `json:"total"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if len(body.Data) != tt.want {
				t.Errorf("expected %d metrics, got %d", tt.want, len(body.Data))
			}
		})
	}
}

func TestListMetrics_LinksKeepFilters(t *testing.T) {
	h := NewHandler(&fakeSource{res: testResult()}, newFakeAlertStore())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/capacity/metrics?band=Red&limit=1", nil)
	rec := httptest.NewRecorder()
	if err := h.ListMetrics(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Links []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	var next string
	for _, l := range body.Links {
		if l.Relation == "next" {
			next = l.URL
		}
	}
	if next != "/api/v1/capacity/metrics?band=Red&limit=1&offset=1" {
		t.Errorf("unexpected next link %q", next)
	}
}

func TestListMetrics_BadDate(t *testing.T) {
	h := NewHandler(&fakeSource{res: testResult()}, newFakeAlertStore())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/capacity/metrics?from=yesterday", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.ListMetrics(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestListRecommendations_NotPublished(t *testing.T) {
	h := NewHandler(&fakeSource{}, newFakeAlertStore())
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/capacity/recommendations", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.ListRecommendations(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", err)
	}
}

func TestListAlerts(t *testing.T) {
	store := newFakeAlertStore()
	ctx := context.Background()
	_ = store.Put(ctx, Alert{DepartmentID: "CARD", Day: day("2024-01-01"), Severity: SeverityWatch})
	_ = store.Put(ctx, Alert{DepartmentID: "CARD", Day: day("2024-01-03"), Severity: SeverityCritical})
	_ = store.Put(ctx, Alert{DepartmentID: "EMER", Day: day("2024-01-03"), Severity: SeverityWatch})

	h := NewHandler(&fakeSource{}, store)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/capacity/alerts?severity=watch", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListAlerts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data []Alert `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Data) != 2 {
		t.Fatalf("expected 2 watch alerts, got %d", len(body.Data))
	}
	if body.Data[0].DepartmentID != "EMER" {
		t.Errorf("expected newest alert first, got %+v", body.Data[0])
	}
}

func TestListBookingPatterns(t *testing.T) {
	h := NewHandler(&fakeSource{res: testResult()}, newFakeAlertStore())
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?department=CARD", 2},
		{"?bed_type=ICU", 2},
		{"?department=CARD&bed_type=ICU", 1},
		{"?department=ONCO", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/capacity/booking-patterns"+tt.query, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var body []BookingPattern
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if len(body) != tt.want {
				t.Errorf("expected %d patterns, got %d", tt.want, len(body))
			}
		})
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := NewHandler(&fakeSource{res: testResult()}, newFakeAlertStore())
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/capacity/turnover", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
