package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/dukerupert/premiumsync/internal/handler"
	"github.com/dukerupert/premiumsync/internal/metrics"
	"github.com/dukerupert/premiumsync/internal/middleware"
	"github.com/dukerupert/premiumsync/internal/model"
	ws "github.com/dukerupert/premiumsync/internal/websocket"
)

// Deps are the collaborators the ops surface exposes.
type Deps struct {
	Syncer     handler.Syncer
	Runs       handler.RunLister
	Hub        *ws.Hub
	Metrics    *metrics.Sync
	AdminToken string
	// Ready reports whether the chat gateway is connected.
	Ready func() bool
	// LastSync returns the newest completed pass, or nil.
	LastSync func() *model.SyncRun
	// WSOrigins lists extra hosts allowed to open /ws cross-origin.
	WSOrigins []string
	// TrustedProxies are the peers whose X-Forwarded-For is believed when
	// rate limiting.
	TrustedProxies []netip.Prefix
}

type Server struct {
	deps        Deps
	syncH       *handler.SyncHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Server {
	if deps.Ready == nil {
		deps.Ready = func() bool { return true }
	}
	if deps.LastSync == nil {
		deps.LastSync = func() *model.SyncRun { return nil }
	}
	return &Server{
		deps:        deps,
		syncH:       handler.NewSyncHandler(deps.Syncer, deps.Runs, logger.With("component", "sync_handler")),
		rateLimiter: middleware.NewRateLimiter(3, time.Minute),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.deps.Hub, s.deps.WSOrigins, s.logger.With("component", "websocket")))

	requireToken := middleware.RequireToken(s.deps.AdminToken)
	mux.Handle("GET /api/sync/runs", requireToken(http.HandlerFunc(s.syncH.ListRuns)))
	mux.Handle("POST /api/sync", requireToken(s.rateLimited(s.syncH.Trigger)))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

type health struct {
	Status       string     `json:"status"`
	GatewayReady bool       `json:"gateway_ready"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	Clients      int        `json:"ws_clients"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status:       "ok",
		GatewayReady: s.deps.Ready(),
		Clients:      s.deps.Hub.ClientCount(),
	}
	if run := s.deps.LastSync(); run != nil {
		h.LastSyncAt = &run.FinishedAt
	}

	status := http.StatusOK
	if !h.GatewayReady {
		h.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(h)
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.ClientIP(s.deps.TrustedProxies))(h)
}
