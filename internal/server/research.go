package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mkamali/deepscout/internal/research"
)

// ResearchHandler serves the streaming research endpoint.
type ResearchHandler struct {
	orch   *research.Orchestrator
	logger *log.Logger
}

func (h *ResearchHandler) Register(g *echo.Group) {
	g.POST("/research", h.handleResearch)
}

type researchRequest struct {
	Query    string           `json:"query"`
	Options  research.Options `json:"options"`
	ModelKey string           `json:"modelKey"`
}

// handleResearch streams newline-delimited JSON frames. The response is
// text/event-stream-like but carries raw JSON lines, no SSE field framing.
func (h *ResearchHandler) handleResearch(c echo.Context) error {
	var req researchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.ModelKey != "" {
		req.Options.ModelKey = req.ModelKey
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, canFlush := resp.Writer.(http.Flusher)
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	events := h.orch.Run(ctx, research.Request{Query: req.Query, Options: req.Options})
	enc := research.NewEncoder(resp)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Consumer is gone: stop the run and drain without retrying.
			h.logger.Printf("stream write failed for %q: %v", req.Query, err)
			cancel()
			for range events {
			}
			return nil
		}
		if canFlush {
			flusher.Flush()
		}
	}
	return nil
}
