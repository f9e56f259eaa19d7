package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/elys-network/yieldmover/internal/orchestrator"
	"github.com/elys-network/yieldmover/internal/types"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

var webLogger = logger.GetForComponent("web_server")

// Controller is the operational surface of the orchestrator.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	EmergencyStop(ctx context.Context) []string
	ResetGuard()
	GetStatus() orchestrator.Status
	DefaultPreferences() types.Preferences
	EnableAutomation(ctx context.Context, user string, prefs types.Preferences) error
	DisableAutomation(ctx context.Context, user string) error
	RecentCycles(ctx context.Context, limit int) ([]types.CycleSummary, error)
}

// InterventionSource lists receipts of moves that need an operator.
type InterventionSource interface {
	PendingInterventions(ctx context.Context) ([]types.ExecutionReceipt, error)
}

// Options configures the optional parts of the server.
type Options struct {
	Port           string
	Metrics        http.Handler
	Interventions  InterventionSource
	DBCheck        func() error
	AllowedOrigins []string
}

// WebServer exposes health, status and the operator controls over HTTP
type WebServer struct {
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	port    string

	// Loops started over HTTP outlive the request, so they run on baseCtx.
	baseCtx       context.Context
	ctrl          Controller
	interventions InterventionSource
	dbCheck       func() error
	startedAt     time.Time
}

// NewWebServer creates a new web server instance
func NewWebServer(baseCtx context.Context, ctrl Controller, opts Options) *WebServer {
	port := opts.Port
	if port == "" {
		port = "8080"
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	ws := &WebServer{
		router:        mux.NewRouter(),
		port:          port,
		baseCtx:       baseCtx,
		ctrl:          ctrl,
		interventions: opts.Interventions,
		dbCheck:       opts.DBCheck,
		startedAt:     time.Now(),
	}
	ws.setupRoutes(opts.Metrics)

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	ws.handler = c.Handler(ws.router)
	return ws
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes(metricsHandler http.Handler) {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	if metricsHandler != nil {
		ws.router.Handle("/metrics", metricsHandler).Methods("GET")
	}

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/status", ws.handleStatus).Methods("GET")
	api.HandleFunc("/start", ws.handleStart).Methods("POST")
	api.HandleFunc("/stop", ws.handleStop).Methods("POST")
	api.HandleFunc("/emergency-stop", ws.handleEmergencyStop).Methods("POST")
	api.HandleFunc("/guard/reset", ws.handleGuardReset).Methods("POST")
	api.HandleFunc("/users/{user}/automation", ws.handleEnableAutomation).Methods("PUT")
	api.HandleFunc("/users/{user}/automation", ws.handleDisableAutomation).Methods("DELETE")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/interventions", ws.handleGetInterventions).Methods("GET")

	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the router wrapped with CORS handling.
func (ws *WebServer) Handler() http.Handler {
	return ws.handler
}

// Start starts the web server and blocks until it stops
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleHealth reports process and orchestrator health. A failing database degrades it.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := ws.ctrl.GetStatus()

	dbHealthy := true
	if ws.dbCheck != nil {
		if err := ws.dbCheck(); err != nil {
			webLogger.Warn().Err(err).Msg("Database health check failed")
			dbHealthy = false
		}
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !dbHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.startedAt).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "yieldmover",
			"version": "1.0.0",
		},
		"orchestrator": map[string]interface{}{
			"database_healthy": dbHealthy,
			"running":          status.Running,
			"dry_run":          status.DryRun,
			"cycles_run":       status.CyclesRun,
			"last_cycle_at":    status.LastCycleAt,
			"tripped_users":    len(status.TrippedUsers),
		},
	}

	ws.writeJSONResponse(w, statusCode, response)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.ctrl.GetStatus())
}

func (ws *WebServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := ws.ctrl.Start(ws.baseCtx); err != nil {
		if errors.Is(err, orchestrator.ErrAutomationDisabled) {
			ws.writeErrorResponse(w, http.StatusConflict, "Automation is disabled by configuration")
			return
		}
		webLogger.Error().Err(err).Msg("Failed to start orchestrator")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to start orchestrator")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, ws.ctrl.GetStatus())
}

func (ws *WebServer) handleStop(w http.ResponseWriter, r *http.Request) {
	ws.ctrl.Stop()
	ws.writeJSONResponse(w, http.StatusOK, ws.ctrl.GetStatus())
}

func (ws *WebServer) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	blocked := ws.ctrl.EmergencyStop(r.Context())
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"blocked_users": blocked,
		"status":        ws.ctrl.GetStatus(),
	})
}

func (ws *WebServer) handleGuardReset(w http.ResponseWriter, r *http.Request) {
	ws.ctrl.ResetGuard()
	ws.writeJSONResponse(w, http.StatusOK, ws.ctrl.GetStatus())
}

// automationRequest is the body of PUT /api/users/{user}/automation. Omitted fields take the
// service defaults; an explicit zero is kept.
type automationRequest struct {
	MinImprovement      *float64 `json:"min_improvement"`
	MaxGasCostPercent   *float64 `json:"max_gas_cost_percent"`
	RiskTolerance       *float64 `json:"risk_tolerance"`
	MinPositionAgeHours *float64 `json:"min_position_age_hours"`
}

func outside(v *float64, lo, hi float64) bool {
	return v != nil && (*v < lo || *v > hi)
}

func (req automationRequest) validate() error {
	switch {
	case outside(req.MinImprovement, 0, 1):
		return errors.New("min_improvement must be a fraction between 0 and 1")
	case outside(req.MaxGasCostPercent, 0, 1):
		return errors.New("max_gas_cost_percent must be a fraction between 0 and 1")
	case outside(req.RiskTolerance, 0, 1):
		return errors.New("risk_tolerance must be between 0 and 1")
	case req.MinPositionAgeHours != nil && *req.MinPositionAgeHours < 0:
		return errors.New("min_position_age_hours cannot be negative")
	}
	return nil
}

// apply overrides defaults with every field present in the request.
func (req automationRequest) apply(prefs types.Preferences) types.Preferences {
	if req.MinImprovement != nil {
		prefs.MinImprovement = *req.MinImprovement
	}
	if req.MaxGasCostPercent != nil {
		prefs.MaxGasCostPercent = *req.MaxGasCostPercent
	}
	if req.RiskTolerance != nil {
		prefs.RiskTolerance = *req.RiskTolerance
	}
	if req.MinPositionAgeHours != nil {
		prefs.MinPositionAge = time.Duration(*req.MinPositionAgeHours * float64(time.Hour))
	}
	return prefs
}

func (ws *WebServer) handleEnableAutomation(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	var req automationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	if err := req.validate(); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	prefs := req.apply(ws.ctrl.DefaultPreferences())
	if err := ws.ctrl.EnableAutomation(r.Context(), user, prefs); err != nil {
		webLogger.Error().Err(err).Str("user", user).Msg("Failed to enable automation")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to enable automation")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"user": user, "automation_enabled": true})
}

func (ws *WebServer) handleDisableAutomation(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	if err := ws.ctrl.DisableAutomation(r.Context(), user); err != nil {
		webLogger.Error().Err(err).Str("user", user).Msg("Failed to disable automation")
		ws.writeErrorResponse(w, http.StatusNotFound, "Failed to disable automation")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"user": user, "automation_enabled": false})
}

// handleGetCycles returns the most recent cycle summaries
func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 100 {
			limit = parsedLimit
		}
	}

	cycles, err := ws.ctrl.RecentCycles(r.Context(), limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent cycles")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycles")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
		"limit":  limit,
	})
}

func (ws *WebServer) handleGetInterventions(w http.ResponseWriter, r *http.Request) {
	if ws.interventions == nil {
		ws.writeErrorResponse(w, http.StatusNotImplemented, "Store does not track interventions")
		return
	}
	receipts, err := ws.interventions.PendingInterventions(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get pending interventions")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve interventions")
		return
	}
	if receipts == nil {
		receipts = []types.ExecutionReceipt{}
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
