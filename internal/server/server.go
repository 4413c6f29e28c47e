// Package server wires the transport to the session registry and the
// policy engine: it dispatches command frames, orchestrates runs, polls
// progress, and enforces account exclusivity.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/photopd/photopd/internal/access"
	"github.com/photopd/photopd/internal/middleware"
	"github.com/photopd/photopd/internal/mirror"
	"github.com/photopd/photopd/internal/policy"
	"github.com/photopd/photopd/internal/session"
	"github.com/photopd/photopd/internal/store"
	"github.com/photopd/photopd/internal/transport"
)

// Config carries the server's own settings; per-policy behavior lives
// in policy.Config.
type Config struct {
	Mirror mirror.Config
	// SchedulerInterval is how often armed schedules are checked.
	SchedulerInterval time.Duration
	// HistoryRetention is how long run history is kept. Negative
	// disables pruning.
	HistoryRetention time.Duration
}

type Server struct {
	logger   *slog.Logger
	hub      *transport.Hub
	registry *session.Registry
	runs     *store.RunStore
	guard    *access.Guard
	cfg      Config

	rateLimiter *middleware.RateLimiter

	// startMu serializes the busy-check-and-claim of run dispatch.
	startMu sync.Mutex

	mu         sync.Mutex
	authorized map[string]bool
}

func New(logger *slog.Logger, hub *transport.Hub, registry *session.Registry, runs *store.RunStore, guard *access.Guard, cfg Config) *Server {
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = 30 * time.Second
	}
	if cfg.HistoryRetention == 0 {
		cfg.HistoryRetention = 90 * 24 * time.Hour
	}
	return &Server{
		logger:      logger.With("component", "server"),
		hub:         hub,
		registry:    registry,
		runs:        runs,
		guard:       guard,
		cfg:         cfg,
		rateLimiter: middleware.NewRateLimiter(),
		authorized:  make(map[string]bool),
	}
}

// Router builds the HTTP surface: the websocket endpoint and a health
// check. The upgrade handler needs the raw ResponseWriter, so it
// bypasses the request logger.
func (s *Server) Router() http.Handler {
	logged := http.NewServeMux()
	logged.HandleFunc("GET /health", s.healthHandler)

	mux := http.NewServeMux()
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP, 10, time.Minute)
	mux.Handle("GET /ws", rl(transport.Handle(s.hub, s)))
	mux.Handle("/", middleware.RequestLogger(s.logger.With("component", "http"))(logged))
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Connect attaches a new connection to its identity's session and
// pushes the initial policy list, or a secret challenge when the server
// is locked.
func (s *Server) Connect(ctx context.Context, c *transport.Client) error {
	sess, evicted, err := s.registry.Attach(c.ID, c.Identity)
	if err != nil {
		return err
	}
	for _, id := range evicted {
		s.hub.CloseConn(id)
	}

	auth := !s.guard.Required()
	s.mu.Lock()
	s.authorized[c.ID] = auth
	s.mu.Unlock()

	if auth {
		s.hub.Send(c.ID, transport.NewEvent("policies", "", sess.Snapshots()))
	} else {
		s.hub.Send(c.ID, transport.Event{Type: "secret_required"})
	}
	s.logger.Info("connection attached", "conn", c.ID, "identity", c.Identity)
	return nil
}

// Disconnect detaches the connection and drops its authorization.
func (s *Server) Disconnect(c *transport.Client) {
	s.mu.Lock()
	delete(s.authorized, c.ID)
	s.mu.Unlock()
	s.registry.Detach(c.ID)
	s.logger.Info("connection detached", "conn", c.ID, "identity", c.Identity)
}

func (s *Server) isAuthorized(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorized[connID]
}

// RunScheduler starts armed schedules when they come due and trims
// expired run history. It blocks until ctx is cancelled.
func (s *Server) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.startDueRuns(ctx)
			s.pruneHistory()
		}
	}
}

func (s *Server) pruneHistory() {
	if s.cfg.HistoryRetention <= 0 {
		return
	}
	n, err := s.runs.Prune(time.Now().Add(-s.cfg.HistoryRetention))
	if err != nil {
		s.logger.Warn("prune run history", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned run history", "rows", n)
	}
}

func (s *Server) startDueRuns(ctx context.Context) {
	now := time.Now()
	for _, sess := range s.registry.Sessions() {
		for _, p := range sess.List() {
			next, ok := p.NextRun()
			if !ok || now.Before(next) || p.Status() == policy.StatusRunning {
				continue
			}
			if p.AuthState() != policy.AuthAuthenticated {
				s.logger.Warn("scheduled run skipped, account not authenticated",
					"policy", p.Name(), "identity", sess.Identity())
				p.CancelScheduledRun()
				continue
			}
			s.startMu.Lock()
			if occupying, busy := s.registry.AccountBusy(p.Account()); busy {
				s.startMu.Unlock()
				// The account frees up eventually; retry next tick.
				s.logger.Info("scheduled run deferred, account busy",
					"policy", p.Name(), "occupying", occupying)
				continue
			}
			err := p.Begin()
			s.startMu.Unlock()
			if err != nil {
				s.logger.Warn("scheduled run not started", "policy", p.Name(), "error", err)
				continue
			}
			s.logger.Info("starting scheduled run", "policy", p.Name(), "identity", sess.Identity())
			go s.execute(ctx, sess, p, nil)
		}
	}
}
