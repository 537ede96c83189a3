package pipeline

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hospitalwh/internal/platform/publish"
	"github.com/ehr/hospitalwh/pkg/pagination"
)

// Reports exposes the last run attempt; *Runner satisfies it.
type Reports interface {
	Last() *Report
}

// Handler serves the published warehouse tables and run reports.
type Handler struct {
	catalog *Catalog
	reports Reports
}

func NewHandler(catalog *Catalog, reports Reports) *Handler {
	return &Handler{catalog: catalog, reports: reports}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/runs/latest", h.LatestRun)
	api.GET("/runs/published", h.PublishedRun)
	api.GET("/tables", h.ListTables)
	api.GET("/tables/:name", h.GetTable)
}

func (h *Handler) snapshot() (*Snapshot, error) {
	s := h.catalog.Current()
	if s == nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "no run has been published yet")
	}
	return s, nil
}

// LatestRun returns the report of the last attempt, published or not.
func (h *Handler) LatestRun(c echo.Context) error {
	var rep *Report
	if h.reports != nil {
		rep = h.reports.Last()
	}
	if rep == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no run has been attempted yet")
	}
	return c.JSON(http.StatusOK, rep)
}

// PublishedRun returns the report of the run readers currently see.
func (h *Handler) PublishedRun(c echo.Context) error {
	s, err := h.snapshot()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Report)
}

type tableInfo struct {
	Name    string           `json:"name"`
	Rows    int              `json:"rows"`
	Columns []publish.Column `json:"columns"`
}

func (h *Handler) ListTables(c echo.Context) error {
	s, err := h.snapshot()
	if err != nil {
		return err
	}
	out := make([]tableInfo, 0, len(s.Tables))
	for _, name := range TableNames(s) {
		t, _ := s.Table(name)
		out = append(out, tableInfo{Name: t.Name, Rows: t.Len(), Columns: t.Columns})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": s.RunID,
		"as_of":  s.AsOf.Format("2006-01-02"),
		"tables": out,
	})
}

// GetTable pages through the rows of one published table.
func (h *Handler) GetTable(c echo.Context) error {
	s, err := h.snapshot()
	if err != nil {
		return err
	}
	t, ok := s.Table(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "table not found")
	}

	pg := pagination.FromContext(c)
	rows := t.Records(pg.Offset, pg.Limit)
	req := c.Request().URL
	c.Response().Header().Set("X-Run-ID", s.RunID)
	return c.JSON(http.StatusOK, pg.Page(rows, t.Len(), req.Path, req.Query()))
}
