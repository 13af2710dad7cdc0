package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/denizumutdereli/kairos/pkg/api/apierr"
	"github.com/denizumutdereli/kairos/pkg/concurrency"
	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/daemon"
	mcpapi "github.com/denizumutdereli/kairos/pkg/mcp"
	"github.com/denizumutdereli/kairos/pkg/organism"
)

// Server is the HTTP/REST API server.
type Server struct {
	worker  *concurrency.Worker
	config  *core.Config
	daemons *daemon.DaemonManager
	started time.Time

	httpServer *http.Server
	addr       string
	mcpPath    string
}

const (
	defaultFamilyLimit = 20
	maxFamilyLimit     = 500
	maxHistoryTurns    = 32
)

// TurnRequest is the POST /v1/turn body.
type TurnRequest struct {
	Text     string            `json:"text"`
	Session  string            `json:"session,omitempty"`
	History  []string          `json:"history,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewServer creates a new API server
func NewServer(addr string, worker *concurrency.Worker, cfg *core.Config) *Server {
	s := &Server{
		worker:  worker,
		config:  cfg,
		addr:    addr,
		started: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/v1/turn", s.handleTurn)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/families", s.handleFamilies)
	mux.HandleFunc("/v1/families/", s.handleFamily)
	mux.HandleFunc("/v1/coupling", s.handleCoupling)

	if cfg.MCP.Enabled {
		path := cfg.MCP.Path
		if strings.TrimSpace(path) == "" {
			path = "/mcp"
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}

		mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
			APIKey:         cfg.MCP.APIKey,
			Stateless:      cfg.MCP.Stateless,
			RateLimitRPS:   cfg.MCP.RateLimitRPS,
			RateLimitBurst: cfg.MCP.RateLimitBurst,
			EnablePrompts:  cfg.MCP.EnablePrompts,
			AllowedTools:   cfg.MCP.AllowedTools,
		}, newMCPBackend(s))
		if err != nil {
			slog.Warn("MCP endpoint disabled", "error", err)
		} else {
			s.mcpPath = path
			mux.Handle(path, mcpHandler)
			slog.Info("MCP endpoint enabled", "path", path, "stateless", cfg.MCP.Stateless)
		}
	}

	// Admin endpoints (gated by admin.enabled)
	if cfg.Admin.Enabled {
		mux.HandleFunc("/v1/admin/persist", s.requireAdmin(s.handleAdminPersist))
		mux.HandleFunc("/v1/admin/consolidate", s.requireAdmin(s.handleAdminConsolidate))
		mux.HandleFunc("/v1/admin/reset", s.requireAdmin(s.handleAdminReset))
		mux.HandleFunc("/v1/admin/export", s.requireAdmin(s.handleAdminExport))
		mux.HandleFunc("/v1/admin/daemons", s.requireAdmin(s.handleAdminDaemons))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// SetDaemonManager binds the daemon manager so stats and admin routes can
// report on it.
func (s *Server) SetDaemonManager(dm *daemon.DaemonManager) {
	s.daemons = dm
}

// Handler exposes the wrapped mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// withMiddleware adds CORS, the request body limit, content-type and request
// logging.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.isMCPPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			slog.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
			return
		}

		// AllowedOrigins may be comma-separated.
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.config.Server.MaxRequestBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestBody)
		}

		w.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.config.Server.AllowedOrigins
	if allowed == "*" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (s *Server) isMCPPath(path string) bool {
	if s.mcpPath == "" {
		return false
	}
	if path == s.mcpPath {
		return true
	}
	return strings.HasPrefix(path, s.mcpPath+"/")
}

// requireAdmin wraps a handler with admin Basic-Auth verification.
// The client must send an Authorization header: Basic base64(user:password).
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="kairos admin"`)
			apierr.Unauthorized(w, "admin authentication required")
			return
		}

		// Hash first so the comparison is constant-time regardless of length.
		userHash := sha256.Sum256([]byte(user))
		passHash := sha256.Sum256([]byte(pass))
		expectedUserHash := sha256.Sum256([]byte(s.config.Admin.User))
		expectedPassHash := sha256.Sum256([]byte(s.config.Admin.Password))

		userMatch := subtle.ConstantTimeCompare(userHash[:], expectedUserHash[:]) == 1
		passMatch := subtle.ConstantTimeCompare(passHash[:], expectedPassHash[:]) == 1

		if !userMatch || !passMatch {
			apierr.Unauthorized(w, "invalid admin credentials")
			return
		}

		next(w, r)
	}
}

func (s *Server) decodeJSONRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.PayloadTooLarge(w, err.Error())
			return false
		}
		apierr.InvalidJSON(w)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func clampPositive(value, fallback, maxValue int) int {
	if value <= 0 {
		value = fallback
	}
	if maxValue > 0 && value > maxValue {
		return maxValue
	}
	return value
}

func parsePositiveQueryInt(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

// Start starts the server.
func (s *Server) Start() error {
	slog.Info("Kairos API server starting", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// toTurnContext trims history to the most recent maxHistoryTurns entries.
func (req TurnRequest) toTurnContext() core.TurnContext {
	history := req.History
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	return core.TurnContext{
		Text:     req.Text,
		Session:  req.Session,
		History:  history,
		Metadata: req.Metadata,
	}
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	q := s.worker.QueueStats()
	status := "healthy"
	if stopped, _ := q["stopped"].(bool); stopped {
		status = "stopping"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"queue":     q["queue_length"],
	})
}

// handleTurn runs one turn through the organism.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req TurnRequest
	if !s.decodeJSONRequest(w, r, &req) {
		return
	}
	res, err := s.worker.ProcessTurn(r.Context(), req.toTurnContext())
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	st, err := s.worker.Stats(r.Context())
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	out := map[string]any{
		"organism": st,
		"worker":   s.worker.QueueStats(),
	}
	if s.daemons != nil {
		out["daemons"] = s.daemons.Stats()
	}
	writeJSON(w, out)
}

// handleFamilies lists families, largest first.
func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	limit := clampPositive(parsePositiveQueryInt(r.URL.Query().Get("limit")), defaultFamilyLimit, maxFamilyLimit)

	fams, err := s.worker.Families(r.Context())
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	total := len(fams)
	sort.SliceStable(fams, func(i, j int) bool { return fams[i].Members > fams[j].Members })
	if len(fams) > limit {
		fams = fams[:limit]
	}
	writeJSON(w, map[string]any{
		"families": fams,
		"count":    len(fams),
		"total":    total,
	})
}

func (s *Server) handleFamily(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/families/")
	if id == "" || strings.Contains(id, "/") {
		apierr.NotFound(w, apierr.CodeNotFound, "family id required in path")
		return
	}
	fam, err := s.worker.Organism().Family(core.FamilyID(id))
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	writeJSON(w, fam)
}

func (s *Server) handleCoupling(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	m, err := s.worker.Coupling(r.Context())
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"matrix": m,
		"stats":  m.Stats(),
	})
}

// ============================================================
// Admin Handlers
// ============================================================

// handleAdminPersist forces a save of every structure.
func (s *Server) handleAdminPersist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	if err := s.worker.Save(r.Context()); err != nil {
		apierr.FromError(w, err)
		return
	}
	writeJSON(w, map[string]any{"persisted": true})
}

// handleAdminConsolidate merges near-duplicate families now.
func (s *Server) handleAdminConsolidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	merges, err := s.worker.Consolidate(r.Context())
	if err != nil {
		apierr.FromError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"merges": merges,
		"count":  len(merges),
	})
}

// handleAdminReset reinitialises the scopes named in ?scope= (repeatable or
// comma-separated). No scope means all.
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var scopes []string
	for _, raw := range r.URL.Query()["scope"] {
		for _, sc := range strings.Split(raw, ",") {
			if sc = strings.TrimSpace(sc); sc != "" {
				scopes = append(scopes, sc)
			}
		}
	}
	for _, sc := range scopes {
		switch sc {
		case organism.ResetCoupling, organism.ResetFamilies, organism.ResetEvolution, organism.ResetJournal, organism.ResetAll:
		default:
			apierr.BadRequest(w, apierr.CodeInvalidScope, fmt.Sprintf("unknown reset scope %q", sc))
			return
		}
	}
	if err := s.worker.Reset(r.Context(), scopes...); err != nil {
		apierr.FromError(w, err)
		return
	}
	if len(scopes) == 0 {
		scopes = []string{organism.ResetAll}
	}
	writeJSON(w, map[string]any{"reset": scopes})
}

// handleAdminExport streams the turn journal as CSV.
func (s *Server) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	j := s.worker.Organism().Journal()
	if j == nil {
		apierr.NotFound(w, apierr.CodeNotFound, "journal is disabled")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="turns.csv"`)
	if _, err := j.ExportCSV(r.Context(), w); err != nil {
		slog.Warn("journal export failed", "error", err)
	}
}

func (s *Server) handleAdminDaemons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierr.MethodNotAllowed(w)
		return
	}
	if s.daemons == nil {
		writeJSON(w, map[string]any{"status": "stopped"})
		return
	}
	writeJSON(w, map[string]any{
		"status":  "running",
		"daemons": s.daemons.Stats(),
	})
}
