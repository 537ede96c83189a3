package capacity

import (
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hospitalwh/pkg/pagination"
)

// Source exposes the capacity result of the currently published run.
type Source interface {
	Capacity() (*Result, bool)
}

type Handler struct {
	source Source
	alerts AlertStore
}

func NewHandler(source Source, alerts AlertStore) *Handler {
	return &Handler{source: source, alerts: alerts}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/capacity")
	g.GET("/metrics", h.ListMetrics)
	g.GET("/alerts", h.ListAlerts)
	g.GET("/recommendations", h.ListRecommendations)
	g.GET("/turnover", h.ListTurnover)
	g.GET("/booking-patterns", h.ListBookingPatterns)
}

func (h *Handler) result() (*Result, error) {
	res, ok := h.source.Capacity()
	if !ok {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "no run has been published yet")
	}
	return res, nil
}

// ListMetrics returns daily metrics, optionally filtered by department, band
// and an inclusive from/to day range.
func (h *Handler) ListMetrics(c echo.Context) error {
	res, err := h.result()
	if err != nil {
		return err
	}
	from, to, err := dayRange(c)
	if err != nil {
		return err
	}
	dept, band := c.QueryParam("department"), Band(c.QueryParam("band"))

	var out []DailyMetric
	for _, m := range res.Daily {
		if dept != "" && m.DepartmentID != dept {
			continue
		}
		if band != "" && m.Band != band {
			continue
		}
		if !from.IsZero() && m.Date.Before(from) {
			continue
		}
		if !to.IsZero() && m.Date.After(to) {
			continue
		}
		out = append(out, m)
	}

	return c.JSON(http.StatusOK, page(c, out))
}

func (h *Handler) ListAlerts(c echo.Context) error {
	alerts, err := h.alerts.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	dept, severity := c.QueryParam("department"), c.QueryParam("severity")

	out := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if dept != "" && a.DepartmentID != dept {
			continue
		}
		if severity != "" && a.Severity != severity {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.After(out[j].Day)
		}
		return out[i].DepartmentID < out[j].DepartmentID
	})

	return c.JSON(http.StatusOK, page(c, out))
}

func (h *Handler) ListRecommendations(c echo.Context) error {
	res, err := h.result()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res.Recommendations)
}

func (h *Handler) ListTurnover(c echo.Context) error {
	res, err := h.result()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res.Turnover)
}

// ListBookingPatterns returns booking patterns, optionally filtered by
// department and bed type.
func (h *Handler) ListBookingPatterns(c echo.Context) error {
	res, err := h.result()
	if err != nil {
		return err
	}
	dept, bedType := c.QueryParam("department"), c.QueryParam("bed_type")
	out := make([]BookingPattern, 0, len(res.BookingPatterns))
	for _, p := range res.BookingPatterns {
		if dept != "" && p.DepartmentID != dept {
			continue
		}
		if bedType != "" && p.BedType != bedType {
			continue
		}
		out = append(out, p)
	}
	return c.JSON(http.StatusOK, out)
}

func page[T any](c echo.Context, items []T) *pagination.Response {
	pg := pagination.FromContext(c)
	rows, total := pagination.Slice(items, pg)
	u := c.Request().URL
	return pg.Page(rows, total, u.Path, u.Query())
}

func dayRange(c echo.Context) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if v := c.QueryParam("from"); v != "" {
		if from, err = time.Parse("2006-01-02", v); err != nil {
			return from, to, echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse("2006-01-02", v); err != nil {
			return from, to, echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
	}
	return from, to, nil
}
