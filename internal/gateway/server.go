// Package gateway is the node's HTTP facade: /api/chat's ndjson streaming
// endpoint, /api/cancel, /api/stop_worker, session CRUD, and /metrics.
//
// The server follows the plain net/http.Server + net.Listen +
// graceful-Shutdown lifecycle; no router library.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/internal/busylock"
	"github.com/agentmesh/swarmd/internal/cancel"
	"github.com/agentmesh/swarmd/internal/config"
	"github.com/agentmesh/swarmd/internal/dispatch"
	"github.com/agentmesh/swarmd/internal/observability"
	"github.com/agentmesh/swarmd/internal/registry"
	"github.com/agentmesh/swarmd/internal/sessionstore"
	"github.com/agentmesh/swarmd/internal/skills"
	"github.com/agentmesh/swarmd/pkg/models"
)

// Server owns this node's HTTP listener, its per-node busy lock, and the
// per-session cancellation channels addressed by /api/cancel.
type Server struct {
	cfg          *config.Config
	runtime      *agent.Runtime
	store        sessionstore.Store
	reg          *registry.Registry
	signer       *dispatch.Signer
	client       *dispatch.PeerClient
	skills       *skills.Manager
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	systemPrompt string

	nodeID    string
	startTime time.Time

	busy *busylock.Lock

	mu      sync.Mutex
	cancels map[string]*cancel.Channel

	toolsMu       sync.Mutex
	sessionTools  map[string]*agent.ToolRegistry
	skillLoadTool *skills.SkillLoadTool
	swarmTool     *dispatch.SwarmDispatchTool
	batchTool     *dispatch.BatchDispatchTool
	stopTool      *dispatch.StopWorkerTool

	httpServer   *http.Server
	httpListener net.Listener
}

// Deps bundles the node-level collaborators a Server needs — one struct
// rather than a long positional constructor.
type Deps struct {
	Config   *config.Config
	Runtime  *agent.Runtime
	Store    sessionstore.Store
	Registry *registry.Registry
	Signer   *dispatch.Signer
	Client   *dispatch.PeerClient
	Skills   *skills.Manager
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	NodeID   string

	// SystemPrompt is the node's fixed base prompt, the same string the
	// Runtime itself was constructed with. The gateway keeps its own copy
	// so it can append the skill manager's current catalog per turn without the runtime importing internal/skills.
	SystemPrompt string
}

// NewServer builds a Server ready to Start.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:          d.Config,
		runtime:      d.Runtime,
		store:        d.Store,
		reg:          d.Registry,
		signer:       d.Signer,
		client:       d.Client,
		skills:       d.Skills,
		logger:       d.Logger,
		metrics:      d.Metrics,
		tracer:       d.Tracer,
		nodeID:       d.NodeID,
		systemPrompt: d.SystemPrompt,
		startTime:    time.Now(),
		busy:         busylock.New(),
		cancels:      make(map[string]*cancel.Channel),
		sessionTools: make(map[string]*agent.ToolRegistry),
	}

	s.skillLoadTool = skills.NewSkillLoadTool(d.Skills, s.forceCompact)
	if d.Registry != nil && d.Client != nil {
		clusterApp := d.Config.Dispatch.ClusterAppName
		caller := d.Config.Dispatch.CallerIdentity
		s.swarmTool = dispatch.NewSwarmDispatchTool(d.Registry, d.Client, clusterApp, caller, d.Metrics)
		s.batchTool = dispatch.NewBatchDispatchTool(s.swarmTool)
		s.stopTool = dispatch.NewStopWorkerTool(d.Registry, d.Client, clusterApp, caller)
	}
	return s
}

// forceCompact adapts agent.Runtime.ForceCompact to the
// skills.CompactNowFunc signature the skill_load meta-tool calls when the
// canonical compactor skill is activated.
func (s *Server) forceCompact(ctx context.Context, sessionKey string) error {
	key, ok := models.ParseSessionKey(sessionKey)
	if !ok {
		return fmt.Errorf("gateway: malformed session key %q", sessionKey)
	}
	return s.runtime.ForceCompact(ctx, key)
}

// buildSystemPrompt appends the skill manager's current phase-1 catalog
// to the node's base system prompt so the model can discover what skill
// ids exist before calling skill_load.
// Rebuilt on every turn rather than once at startup so a hot-reloaded
// skill directory (internal/skills.Manager.StartWatching) is visible on
// the very next message, not just after a restart.
func (s *Server) buildSystemPrompt() string {
	if s.skills == nil {
		return s.systemPrompt
	}
	catalog := s.skills.List()
	if len(catalog) == 0 {
		return s.systemPrompt
	}

	var b strings.Builder
	b.WriteString(s.systemPrompt)
	b.WriteString("\n\nAvailable skills (call skill_load with one of these ids to activate it):\n")
	for _, entry := range catalog {
		fmt.Fprintf(&b, "- %s: %s — %s\n", entry.ID, entry.Name, entry.Description)
	}
	return b.String()
}

// toolRegistryFor returns the session's own ordered tool vector, creating
// it on first use and binding the core tools every session starts with:
// skill_load first, then the dispatcher tools.
// The vector persists for the session's lifetime on this node so skill_load
// appends made in one turn are still bound on the next.
func (s *Server) toolRegistryFor(key models.SessionKey) *agent.ToolRegistry {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()

	k := key.String()
	reg, ok := s.sessionTools[k]
	if ok {
		return reg
	}

	reg = agent.NewToolRegistry(k)
	reg.Bind(s.skillLoadTool)
	if s.swarmTool != nil {
		reg.Bind(s.swarmTool)
	}
	if s.batchTool != nil {
		reg.Bind(s.batchTool)
	}
	if s.stopTool != nil {
		reg.Bind(s.stopTool)
	}
	s.sessionTools[k] = reg
	return reg
}

// forgetSession drops a deleted session's tool vector and cancellation
// channel so they don't linger for a session_id that no longer exists.
func (s *Server) forgetSession(key models.SessionKey) {
	k := key.String()
	s.toolsMu.Lock()
	delete(s.sessionTools, k)
	s.toolsMu.Unlock()

	s.mu.Lock()
	delete(s.cancels, k)
	s.mu.Unlock()
}

// sessionCancel returns the cancellation channel for a session key,
// creating it on first use. One channel persists for the session's
// lifetime so /api/cancel posted between turns is never lost.
func (s *Server) sessionCancel(key string) *cancel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.cancels[key]
	if !ok {
		ch = cancel.New()
		s.cancels[key] = ch
	}
	return ch
}

// statusRecorder wraps http.ResponseWriter to capture the status code for
// RecordHTTPRequest.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying ResponseWriter's http.Flusher so
// handleChat's streamed ndjson keeps working through this wrapper.
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withMetrics records every request's duration and outcome to
// observability.Metrics.RecordHTTPRequest; a no-op wrapper if metrics are
// disabled.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	})
}

// Start builds the mux and begins serving. It returns once the listener is
// bound; request handling runs in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	mux := http.NewServeMux()
	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/stop_worker", s.handleStopWorker)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionHistory)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withMetrics(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	s.httpListener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error(ctx, "http server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info(ctx, "gateway listening", "addr", addr)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server, honoring
// config.ServerConfig.ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	peerCount := 0
	if s.reg != nil {
		peers, _ := s.reg.Peers(r.Context())
		peerCount = len(peers)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"node_id":    s.nodeID,
		"uptime_s":   time.Since(s.startTime).Seconds(),
		"peer_count": peerCount,
		"busy":       s.busy.Snapshot().Locked,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
