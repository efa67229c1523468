package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"garagecover/internal/configentry"
	"garagecover/internal/platform"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides HTTP API endpoints for the cover host
type Server struct {
	hub      *platform.Hub
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	router   *mux.Router
	server   *http.Server
}

// NewServer creates a new API server. A nil gatherer disables /metrics.
func NewServer(hub *platform.Hub, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		hub:      hub,
		gatherer: gatherer,
		logger:   logger,
	}

	r := mux.NewRouter()
	r.Use(s.logging)
	r.Use(s.recovery)

	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/states", s.handleGetStates).Methods(http.MethodGet)
	api.HandleFunc("/states/{entity_id}", s.handleGetState).Methods(http.MethodGet)
	api.HandleFunc("/services/{domain}/{service}", s.handleCallService).Methods(http.MethodPost)
	api.HandleFunc("/config_entries", s.handleListEntries).Methods(http.MethodGet)
	api.HandleFunc("/config_entries/flow/{domain}", s.handleStartFlow).Methods(http.MethodPost)
	api.HandleFunc("/config_entries/{entry_id}/reload", s.handleReloadEntry).Methods(http.MethodPost)
	api.HandleFunc("/config_entries/{entry_id}", s.handleRemoveEntry).Methods(http.MethodDelete)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	s.router = r
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	_ = writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// handleGetStates returns every entity state as JSON
func (s *Server) handleGetStates(w http.ResponseWriter, r *http.Request) {
	if err := writeJSON(w, http.StatusOK, s.hub.States().All()); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleGetState returns one entity state
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]
	state := s.hub.States().Get(entityID)
	if state == nil {
		writeError(w, http.StatusNotFound, "entity_not_found", fmt.Sprintf("entity %s not found", entityID))
		return
	}
	if err := writeJSON(w, http.StatusOK, state); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleCallService runs a service and returns the states of the entities it targeted
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	domain, service := vars["domain"], vars["service"]

	data := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	err := s.hub.Services().Call(r.Context(), domain, service, data)
	switch {
	case errors.Is(err, platform.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, "service_not_found", err.Error())
		return
	case errors.Is(err, platform.ErrEntityNotFound):
		writeError(w, http.StatusNotFound, "entity_not_found", err.Error())
		return
	case errors.Is(err, platform.ErrInvalidServiceData):
		writeError(w, http.StatusBadRequest, "invalid_service_data", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, "service_failed", err.Error())
		return
	}

	call := platform.ServiceCall{Domain: domain, Service: service, Data: data}
	ids, _ := call.EntityIDs()
	states := []platform.State{}
	for _, id := range ids {
		if st := s.hub.States().Get(id); st != nil {
			states = append(states, *st)
		}
	}
	if err := writeJSON(w, http.StatusOK, states); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// EntryResponse is a config entry without its credentials.
type EntryResponse struct {
	EntryID   string             `json:"entry_id"`
	Domain    string             `json:"domain"`
	Title     string             `json:"title"`
	UniqueID  string             `json:"unique_id,omitempty"`
	Source    configentry.Source `json:"source"`
	State     configentry.State  `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
}

func entryResponse(e configentry.Entry) EntryResponse {
	return EntryResponse{
		EntryID:   e.EntryID,
		Domain:    e.Domain,
		Title:     e.Title,
		UniqueID:  e.UniqueID,
		Source:    e.Source,
		State:     e.State,
		CreatedAt: e.CreatedAt,
	}
}

// handleListEntries lists config entries, optionally filtered by ?domain=
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.hub.ConfigEntries().Entries(r.URL.Query().Get("domain"))
	response := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, entryResponse(e))
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleStartFlow runs the user step of a config flow. The result's data
// (credentials) is never echoed back.
func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]

	var input map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	result, err := s.hub.InitFlow(r.Context(), domain, configentry.SourceUser, input)
	switch {
	case errors.Is(err, platform.ErrIntegrationNotFound), errors.Is(err, platform.ErrFlowNotSupported):
		writeError(w, http.StatusNotFound, "flow_not_found", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "flow_failed", err.Error())
		return
	}

	result.Data = nil
	if err := writeJSON(w, http.StatusOK, result); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleReloadEntry unloads and sets up an entry again
func (s *Server) handleReloadEntry(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["entry_id"]

	ok, err := s.hub.ReloadEntry(r.Context(), entryID)
	switch {
	case errors.Is(err, configentry.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
		return
	case errors.Is(err, platform.ErrSetupInProgress):
		writeError(w, http.StatusConflict, "setup_in_progress", err.Error())
		return
	}

	entry, getErr := s.hub.ConfigEntries().Get(entryID)
	if getErr != nil {
		writeError(w, http.StatusNotFound, "entry_not_found", getErr.Error())
		return
	}

	response := map[string]interface{}{
		"reloaded": ok && err == nil,
		"entry":    entryResponse(entry),
	}
	if err != nil {
		response["error"] = err.Error()
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleRemoveEntry unloads and deletes an entry
func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["entry_id"]

	err := s.hub.RemoveEntry(r.Context(), entryID)
	switch {
	case errors.Is(err, configentry.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
		return
	case errors.Is(err, platform.ErrSetupInProgress):
		writeError(w, http.StatusConflict, "setup_in_progress", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "remove_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"read_only":  s.hub.ReadOnly(),
		"components": s.hub.Components(),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns loaded components"},
	{Path: "/api/states", Method: "GET", Description: "Get all entity states"},
	{Path: "/api/states/{entity_id}", Method: "GET", Description: "Get one entity state"},
	{Path: "/api/services/{domain}/{service}", Method: "POST", Description: "Call a service, body {\"entity_id\": ...}"},
	{Path: "/api/config_entries", Method: "GET", Description: "List config entries (?domain= to filter)"},
	{Path: "/api/config_entries/flow/{domain}", Method: "POST", Description: "Start a config flow with {\"username\", \"password\"}"},
	{Path: "/api/config_entries/{entry_id}/reload", Method: "POST", Description: "Unload and set up a config entry again"},
	{Path: "/api/config_entries/{entry_id}", Method: "DELETE", Description: "Remove a config entry"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		// HTML format for browsers
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Garage Cover API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Garage Cover API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		// Plain text format for terminal
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Garage Cover API\n")
		fmt.Fprintf(w, "================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-8s %-40s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  Close a door:\n")
		fmt.Fprintf(w, "    curl -X POST -d '{\"entity_id\": \"cover.home\"}' http://localhost:8081/api/services/cover/close_cover\n\n")
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
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
