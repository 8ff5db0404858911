// Package server exposes the adventure generator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/labstack/echo/v4"

	"nelie/internal/budget"
	"nelie/internal/core"
	"nelie/internal/pipeline"
)

const headerETag = "ETag"

// Generator produces a lesson for a request.
type Generator interface {
	Generate(ctx context.Context, req core.GenerationRequest) (*pipeline.Result, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	gen       Generator
	minify    bool
	bodyLimit int64
	logger    *slog.Logger
}

// NewHandler creates a new handler with the given generator
func NewHandler(gen Generator, minify bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gen: gen, minify: minify, bodyLimit: DefaultBodySizeLimit, logger: logger}
}

type successResponse struct {
	Success bool                 `json:"success"`
	Lesson  *core.LessonDocument `json:"lesson"`
	Source  string               `json:"source"`
	Meta    *responseMeta        `json:"meta,omitempty"`
}

type responseMeta struct {
	RunID  string         `json:"runId,omitempty"`
	Budget *budget.Report `json:"budget"`
}

type failureResponse struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error"`
	Lesson  *core.LessonDocument `json:"lesson"`
}

// GenerateAdventure handles POST /generate-adventure. It always answers 200;
// failures are reported in the body together with a minimal lesson.
func (h *Handler) GenerateAdventure(c echo.Context) error {
	var req core.GenerationRequest
	body := http.MaxBytesReader(c.Response(), c.Request().Body, h.bodyLimit)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return h.fail(c, req, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	res, err := h.gen.Generate(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, req, err)
	}

	lesson, err := json.Marshal(res.Lesson)
	if err != nil {
		return h.fail(c, req, fmt.Errorf("encode lesson: %w", err))
	}

	c.Response().Header().Set(headerETag, fmt.Sprintf(`"%016x"`, xxhash.Sum64(lesson)))
	return h.write(c, Envelope(req, res, nil))
}

// Envelope returns the response body for the outcome of one generation. A
// failed run carries the minimal lesson built from whatever req got right.
func Envelope(req core.GenerationRequest, res *pipeline.Result, err error) any {
	if err != nil || res == nil {
		if err == nil {
			err = errors.New("no result")
		}
		return failureResponse{
			Error:  errorMessage(err),
			Lesson: pipeline.MinimalLesson(partialContext(req)),
		}
	}
	out := successResponse{Success: true, Lesson: res.Lesson, Source: res.Source}
	if res.Budget != nil {
		out.Meta = &responseMeta{RunID: res.RunID, Budget: res.Budget}
	}
	return out
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) fail(c echo.Context, req core.GenerationRequest, err error) error {
	h.logger.Warn("generation failed",
		"request_id", core.GetRequestID(c.Request().Context()),
		"error", err,
	)
	return h.write(c, Envelope(req, nil, err))
}

func (h *Handler) write(c echo.Context, v any) error {
	var (
		data []byte
		err  error
	)
	if h.minify {
		data, err = json.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{"success": false, "error": "an unexpected error occurred"})
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

// errorMessage converts generation errors to the message shown to callers.
func errorMessage(err error) string {
	var genErr *core.Error
	if errors.As(err, &genErr) {
		if genErr.Type == core.ErrorTypeCancelled {
			return "request cancelled"
		}
		return genErr.Message
	}
	return "an unexpected error occurred"
}

// partialContext keeps whatever the request got right, for the minimal lesson.
func partialContext(req core.GenerationRequest) core.GenerationContext {
	gc := core.GenerationContext{
		Title:   strings.TrimSpace(req.Adventure.Title),
		Subject: strings.TrimSpace(req.Adventure.Subject),
	}
	if req.Adventure.GradeLevel != nil {
		gc.Grade = min(max(int(*req.Adventure.GradeLevel), 0), 12)
	}
	for _, interest := range req.StudentProfile.Interests {
		if s := strings.TrimSpace(interest); s != "" {
			gc.Interests = append(gc.Interests, s)
		}
	}
	return gc
}
