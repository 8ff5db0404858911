// Package admin provides the read-only admin API: recorded usage per step and
// the resolved step plan.
package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"nelie/internal/catalog"
	"nelie/internal/core"
	"nelie/internal/usage"
)

// Handler serves admin API endpoints.
type Handler struct {
	usageReader usage.UsageReader
	catalog     *catalog.Catalog
	plan        []core.StepName
	now         func() time.Time
}

// NewHandler creates a new admin API handler.
// reader may be nil if usage tracking is not available.
func NewHandler(reader usage.UsageReader, cat *catalog.Catalog, plan []core.StepName) *Handler {
	return &Handler{
		usageReader: reader,
		catalog:     cat,
		plan:        append([]core.StepName(nil), plan...),
		now:         time.Now,
	}
}

// Register mounts the admin routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/usage", h.UsageByStep)
	g.GET("/plan", h.Plan)
}

// UsageResponse is the body of GET /admin/usage.
type UsageResponse struct {
	Since time.Time           `json:"since"`
	Steps []usage.StepSummary `json:"steps"`
	Total usage.StepSummary   `json:"total"`
}

// parseSince reads since=YYYY-MM-DD, or days=N counted back from today
// (default 30). days=0 means all time.
func (h *Handler) parseSince(c echo.Context) (time.Time, error) {
	if s := c.QueryParam("since"); s != "" {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return time.Time{}, core.NewInvalidRequestError("invalid since format, expected YYYY-MM-DD", err)
		}
		return t, nil
	}

	days := 30
	if d := c.QueryParam("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 0 {
			return time.Time{}, core.NewInvalidRequestError("days must be a non-negative integer", err)
		}
		days = parsed
	}
	if days == 0 {
		return time.Time{}, nil
	}
	now := h.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -(days - 1)), nil
}

// handleError converts errors to JSON error bodies.
func handleError(c echo.Context, err error) error {
	var genErr *core.Error
	if errors.As(err, &genErr) {
		status := http.StatusInternalServerError
		if genErr.Type == core.ErrorTypeInvalidRequest {
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]any{
			"error": map[string]any{"type": genErr.Type, "message": genErr.Message},
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}

// UsageByStep handles GET /admin/usage
func (h *Handler) UsageByStep(c echo.Context) error {
	since, err := h.parseSince(c)
	if err != nil {
		return handleError(c, err)
	}

	resp := UsageResponse{Since: since, Steps: []usage.StepSummary{}, Total: usage.Total(nil)}
	if h.usageReader == nil {
		return c.JSON(http.StatusOK, resp)
	}

	rows, err := h.usageReader.SummaryByStep(c.Request().Context(), since)
	if err != nil {
		return handleError(c, err)
	}
	if rows != nil {
		resp.Steps = rows
	}
	resp.Total = usage.Total(rows)
	return c.JSON(http.StatusOK, resp)
}

// PlanRow is one step of GET /admin/plan.
type PlanRow struct {
	Step      core.StepName  `json:"step"`
	Priority  core.Priority  `json:"priority"`
	MaxTokens int            `json:"maxTokens"`
	Model     core.ModelSpec `json:"model"`
}

// Plan handles GET /admin/plan
func (h *Handler) Plan(c echo.Context) error {
	rows := []PlanRow{}
	if h.catalog != nil {
		for _, r := range h.catalog.Rows(h.plan) {
			rows = append(rows, PlanRow{Step: r.Step, Priority: r.Priority, MaxTokens: r.MaxTokens, Model: r.Model})
		}
	}
	return c.JSON(http.StatusOK, rows)
}
