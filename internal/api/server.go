// Package api exposes the evaluator's commands over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"homeschedule/internal/buffer"
	"homeschedule/internal/docstore"
	"homeschedule/internal/presence"
	"homeschedule/internal/schedule"
	"homeschedule/internal/scheduler"
	"homeschedule/internal/shadowstate"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Commands is the evaluator surface the API drives
type Commands interface {
	GetScheduleGrid(entityID string, mode presence.Mode) (schedule.Grid, error)
	ApplySlot(ctx context.Context, entityID string, day schedule.Day, at schedule.TimeOfDay, override *buffer.Override) scheduler.ApplyResult
	ApplyGridNow(ctx context.Context, entityID string) []scheduler.ApplyResult
	ForceApply(ctx context.Context, entityID string) scheduler.ApplyResult
	UpdateSlot(ctx context.Context, u schedule.SlotUpdate) error
	Shadow() *shadowstate.Tracker
	LastPresence() presence.Snapshot
}

// Server provides HTTP API endpoints for the schedule evaluator
type Server struct {
	commands Commands
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a new API server. gatherer backs /metrics.
func NewServer(commands Commands, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		commands: commands,
		logger:   logger.Named("api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/grid/{entity}/{mode}", s.handleGrid).Methods(http.MethodGet)
	api.HandleFunc("/apply_slot", s.handleApplySlot).Methods(http.MethodPost)
	api.HandleFunc("/apply_grid_now", s.handleApplyGridNow).Methods(http.MethodPost)
	api.HandleFunc("/force_apply/{entity}", s.handleForceApply).Methods(http.MethodPost)
	api.HandleFunc("/slots", s.handleUpdateSlot).Methods(http.MethodPut)
	api.HandleFunc("/shadow", s.handleShadow).Methods(http.MethodGet)
	api.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)

	stdLog := zap.NewStdLog(s.logger)
	var handler http.Handler = r
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(stdLog))(handler)
	handler = handlers.CombinedLoggingHandler(stdLog.Writer(), handler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for tests and embedding
func (s *Server) Handler() http.Handler { return s.server.Handler }

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	grid, err := s.commands.GetScheduleGrid(vars["entity"], presence.Mode(vars["mode"]))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, grid)
}

// bufferRequest is a buffer override with a human-readable window
type bufferRequest struct {
	Tolerance *float64 `json:"tolerance,omitempty"`
	Window    *string  `json:"window,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}

func (b *bufferRequest) override() (*buffer.Override, error) {
	if b == nil {
		return nil, nil
	}
	o := &buffer.Override{Tolerance: b.Tolerance, Enabled: b.Enabled}
	if b.Window != nil {
		d, err := time.ParseDuration(*b.Window)
		if err != nil {
			return nil, fmt.Errorf("%w: buffer window: %v", schedule.ErrInvalid, err)
		}
		o.Window = &d
	}
	return o, nil
}

type applySlotRequest struct {
	EntityID string             `json:"entity_id"`
	Day      schedule.Day       `json:"day"`
	Time     schedule.TimeOfDay `json:"time"`
	Buffer   *bufferRequest     `json:"buffer,omitempty"`
}

func (s *Server) handleApplySlot(w http.ResponseWriter, r *http.Request) {
	var req applySlotRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.EntityID == "" {
		s.writeError(w, fmt.Errorf("%w: entity_id is required", schedule.ErrInvalid))
		return
	}
	day, err := schedule.ParseDay(string(req.Day))
	if err != nil {
		s.writeError(w, err)
		return
	}
	override, err := req.Buffer.override()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.commands.ApplySlot(r.Context(), req.EntityID, day, req.Time, override))
}

type applyGridNowRequest struct {
	EntityID string `json:"entity_id,omitempty"`
}

func (s *Server) handleApplyGridNow(w http.ResponseWriter, r *http.Request) {
	var req applyGridNowRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.commands.ApplyGridNow(r.Context(), req.EntityID))
}

func (s *Server) handleForceApply(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.commands.ForceApply(r.Context(), mux.Vars(r)["entity"]))
}

type slotRequest struct {
	Start           schedule.TimeOfDay `json:"start"`
	End             schedule.TimeOfDay `json:"end"`
	CrossesMidnight bool               `json:"crosses_midnight,omitempty"`
	Target          float64            `json:"target"`
	Domain          string             `json:"domain,omitempty"`
	Buffer          *bufferRequest     `json:"buffer,omitempty"`
}

type updateSlotRequest struct {
	Mode  presence.Mode `json:"mode"`
	Day   schedule.Day  `json:"day"`
	Index *int          `json:"index,omitempty"`
	Slot  *slotRequest  `json:"slot,omitempty"`
}

// handleUpdateSlot adds (no index), replaces (index and slot) or removes
// (index, no slot) one slot
func (s *Server) handleUpdateSlot(w http.ResponseWriter, r *http.Request) {
	var req updateSlotRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	day, err := schedule.ParseDay(string(req.Day))
	if err != nil {
		s.writeError(w, err)
		return
	}

	u := schedule.SlotUpdate{Mode: req.Mode, Day: day, Index: -1}
	if req.Index != nil {
		if *req.Index < 0 {
			s.writeError(w, fmt.Errorf("%w: index must be >= 0", schedule.ErrInvalid))
			return
		}
		u.Index = *req.Index
	}
	if req.Slot != nil {
		override, err := req.Slot.Buffer.override()
		if err != nil {
			s.writeError(w, err)
			return
		}
		u.Slot = &schedule.Slot{
			Start:           req.Slot.Start,
			End:             req.Slot.End,
			CrossesMidnight: req.Slot.CrossesMidnight,
			Target:          req.Slot.Target,
			Domain:          req.Slot.Domain,
			Buffer:          override,
		}
	} else if req.Index == nil {
		s.writeError(w, fmt.Errorf("%w: slot or index is required", schedule.ErrInvalid))
		return
	}

	if err := s.commands.UpdateSlot(r.Context(), u); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.commands.Shadow().GetAllStates())
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.commands.LastPresence())
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check, returns {\"status\": \"ok\"}"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/grid/{entity}/{mode}", Method: "GET", Description: "Week grid of one entity in home or away mode"},
	{Path: "/api/apply_slot", Method: "POST", Description: "Apply the slot at {day, time} to entity_id, optional buffer override"},
	{Path: "/api/apply_grid_now", Method: "POST", Description: "Evaluate entity_id, or every entity when omitted"},
	{Path: "/api/force_apply/{entity}", Method: "POST", Description: "Apply the current slot ignoring the buffer"},
	{Path: "/api/slots", Method: "PUT", Description: "Add, replace or remove a slot"},
	{Path: "/api/shadow", Method: "GET", Description: "Inputs and outcome of the latest evaluations"},
	{Path: "/api/presence", Method: "GET", Description: "Latest presence snapshot"},
}

// handleSitemap lists the endpoints, as HTML for browsers and plain text otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>Home Schedule API</title></head>\n<body>\n<h1>Home Schedule API</h1>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "<p><b>%s</b> <code>%s</code> %s</p>\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Home Schedule API\n=================\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", schedule.ErrInvalid, err)
	}
	return nil
}

// statusFor maps command errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, docstore.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
