package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/speculate/internal/engine"
	"github.com/samcharles93/speculate/internal/speculative"
	"github.com/samcharles93/speculate/internal/version"
)

type Server struct {
	service  *engine.Service
	gatherer prometheus.Gatherer
	clock    func() time.Time
	started  time.Time
}

// NewServer exposes service over HTTP. gatherer backs GET /metrics and may be
// nil, in which case the route is not registered.
func NewServer(service *engine.Service, gatherer prometheus.Gatherer) *Server {
	return &Server{
		service:  service,
		gatherer: gatherer,
		clock:    time.Now,
		started:  time.Now(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generations", s.handleCreateGeneration)
	e.GET("/v1/generations", s.handleListGenerations)
	e.GET("/v1/generations/:id", s.handleGetGeneration)
	e.POST("/v1/generations/:id/cancel", s.handleCancelGeneration)

	e.GET("/v1/models", s.handleModels)
	e.GET("/v1/metrics", s.handleMetrics)
	e.GET("/v1/status", s.handleStatus)
	e.GET("/healthz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if s.gatherer != nil {
		h := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		e.GET("/metrics", func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
}

// CreateGenerationRequest is the body of POST /v1/generations. Stream
// returns round events as server-sent events; Background returns at once
// with a queued generation to poll.
type CreateGenerationRequest struct {
	engine.Request
	Stream     *bool `json:"stream,omitempty"`
	Background *bool `json:"background,omitempty"`
}

func (s *Server) handleCreateGeneration(c *echo.Context) error {
	req, err := decodeJSON[CreateGenerationRequest](c.Request().Body)
	if err != nil {
		return writeServiceError(c, badRequestf("decode body: %v", err))
	}
	stream, background := boolValue(req.Stream), boolValue(req.Background)
	if stream && background {
		return writeServiceError(c, badRequestf("streaming background generations is not supported"))
	}

	switch {
	case background:
		id, err := s.service.Submit(c.Request().Context(), req.Request, nil)
		if err != nil {
			return writeServiceError(c, err)
		}
		gen, _ := s.service.Get(id)
		return c.JSON(http.StatusAccepted, gen)
	case stream:
		return s.streamGeneration(c, req.Request)
	}

	gen, err := s.service.Generate(c.Request().Context(), req.Request, nil)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, gen)
}

// streamGeneration runs req in the background and relays its round events.
// The generation is cancelled when the client goes away.
func (s *Server) streamGeneration(c *echo.Context, req engine.Request) error {
	ctx := c.Request().Context()
	events := make(chan speculative.RoundEvent, 16)
	stop := make(chan struct{})
	defer close(stop)
	onRound := func(ev speculative.RoundEvent) {
		select {
		case events <- ev:
		case <-stop:
		}
	}

	id, err := s.service.Submit(ctx, req, onRound)
	if err != nil {
		return writeServiceError(c, err)
	}
	unwatch := context.AfterFunc(ctx, func() { _, _ = s.service.Cancel(id) })
	defer unwatch()

	done := make(chan engine.Generation, 1)
	go func() {
		gen, _ := s.service.Wait(context.Background(), id)
		done <- gen
	}()

	sw, err := NewSSEStreamWriter(c)
	if err != nil {
		_, _ = s.service.Cancel(id)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	gen, _ := s.service.Get(id)
	if err := sw.Created(gen); err != nil {
		_, _ = s.service.Cancel(id)
		return nil
	}

	// Terminal orchestrator events are replaced by the generation summary.
	relay := func(ev speculative.RoundEvent) error {
		if ev.State != speculative.StateReconciling {
			return nil
		}
		return sw.Round(ev)
	}
	for {
		select {
		case ev := <-events:
			if err := relay(ev); err != nil {
				_, _ = s.service.Cancel(id)
				return nil
			}
		case gen := <-done:
			// Every callback returned before the generation finished, so
			// whatever is still buffered is all that is left.
			for drained := false; !drained; {
				select {
				case ev := <-events:
					if err := relay(ev); err != nil {
						return nil
					}
				default:
					drained = true
				}
			}
			return sw.Finish(gen)
		}
	}
}

func (s *Server) handleListGenerations(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.service.List(),
	})
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	gen, ok := s.service.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, gen)
}

func (s *Server) handleCancelGeneration(c *echo.Context) error {
	gen, err := s.service.Cancel(c.Param("id"))
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return writeNotFound(c, "generation not found")
		}
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, gen)
}

func (s *Server) handleModels(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.service.Models(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Stats())
}

// StatusResponse reports build info and whether the configured draft and
// verification models currently have loaded instances.
type StatusResponse struct {
	Status                  string       `json:"status"`
	Version                 version.Info `json:"version"`
	Uptime                  string       `json:"uptime"`
	DraftModel              string       `json:"draft_model"`
	VerificationModel       string       `json:"verification_model"`
	DraftModelLoaded        bool         `json:"draft_model_loaded"`
	VerificationModelLoaded bool         `json:"verification_model_loaded"`
	Running                 int          `json:"running"`
	Queued                  int          `json:"queued"`
}

func (s *Server) handleStatus(c *echo.Context) error {
	st := s.service.Stats()
	return c.JSON(http.StatusOK, StatusResponse{
		Status:                  "ok",
		Version:                 version.Resolve(),
		Uptime:                  s.clock().Sub(s.started).Round(time.Second).String(),
		DraftModel:              st.Defaults.DraftModelID,
		VerificationModel:       st.Defaults.VerificationModelID,
		DraftModelLoaded:        st.ModelsUp[st.Defaults.DraftModelID],
		VerificationModelLoaded: st.ModelsUp[st.Defaults.VerificationModelID],
		Running:                 st.Running,
		Queued:                  st.Queued,
	})
}
