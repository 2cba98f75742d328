// Package registry implements the swarm's shared service-discovery table:
// a single nodes(port, url, status, last_seen) relation, self-registered
// on startup, self-deregistered on graceful stop, and lazily pruned by
// peers on connection failure. Eventually consistent by last-write-wins;
// this is not a consensus system.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/swarmd/internal/observability"
)

// PeerRecord is one row of the nodes table.
type PeerRecord struct {
	Port     int       `json:"port"`
	URL      string    `json:"url"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

const StatusActive = "active"

// Store is the persistence interface backing the Registry, implemented by
// SQLiteStore (internal/registry/sqlite.go).
type Store interface {
	Register(ctx context.Context, rec PeerRecord) error
	Deregister(ctx context.Context, port int) error
	List(ctx context.Context) ([]PeerRecord, error)
	Close() error
}

// Registry wraps a Store with structured audit logging. It keeps a copy of
// the last listing (written by RegisterSelf and Peers) that nothing reads:
// Peers queries the store on every call.
type Registry struct {
	store    Store
	selfPort int
	selfURL  string
	logger   *slog.Logger

	mu    sync.RWMutex
	cache []PeerRecord

	metrics *observability.Metrics
}

// New constructs a Registry bound to the given store and this node's own
// identity (port/url), used for self-exclusion in dispatcher reads.
func New(store Store, selfPort int, selfURL string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, selfPort: selfPort, selfURL: selfURL, logger: logger.With("component", "registry")}
}

// WithMetrics attaches the node's Prometheus collector set, used to keep
// the registry peer-count gauge (observability.Metrics.SetPeerCount)
// current on every cache refresh. Optional.
func (r *Registry) WithMetrics(metrics *observability.Metrics) *Registry {
	r.metrics = metrics
	return r
}

func (r *Registry) reportPeerCount(all []PeerRecord) {
	if r.metrics == nil {
		return
	}
	count := 0
	for _, p := range all {
		if p.Port != r.selfPort {
			count++
		}
	}
	r.metrics.SetPeerCount(count)
}

func (r *Registry) logAudit(op string, rec PeerRecord, err error) {
	args := []any{"op", op, "port", rec.Port, "url", rec.URL}
	if err != nil {
		r.logger.Warn("registry operation failed", append(args, "error", err)...)
		return
	}
	r.logger.Info("registry operation", args...)
}

// RegisterSelf is idempotent: repeated startups on the same port produce
// one row (INSERT OR REPLACE on the primary key `port`).
func (r *Registry) RegisterSelf(ctx context.Context) error {
	rec := PeerRecord{Port: r.selfPort, URL: r.selfURL, Status: StatusActive, LastSeen: time.Now()}
	err := r.store.Register(ctx, rec)
	r.logAudit("register_self", rec, err)
	if err == nil {
		r.refreshLocked(ctx)
	}
	return err
}

// DeregisterSelf removes this node's own row, called from the graceful
// shutdown path.
func (r *Registry) DeregisterSelf(ctx context.Context) error {
	err := r.store.Deregister(ctx, r.selfPort)
	r.logAudit("deregister_self", PeerRecord{Port: r.selfPort, URL: r.selfURL}, err)
	return err
}

// Prune removes a peer observed to be unreachable (dispatcher
// self-healing).
func (r *Registry) Prune(ctx context.Context, port int) error {
	err := r.store.Deregister(ctx, port)
	r.logAudit("prune", PeerRecord{Port: port}, err)
	return err
}

// Peers returns every active peer excluding this node's own port.
func (r *Registry) Peers(ctx context.Context) ([]PeerRecord, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PeerRecord, 0, len(all))
	for _, p := range all {
		if p.Port == r.selfPort {
			continue
		}
		out = append(out, p)
	}
	r.mu.Lock()
	r.cache = all
	r.mu.Unlock()
	r.reportPeerCount(all)
	return out, nil
}

func (r *Registry) refreshLocked(ctx context.Context) {
	all, err := r.store.List(ctx)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.cache = all
	r.mu.Unlock()
	r.reportPeerCount(all)
}

// SelfPort returns this node's own port, read by the dispatcher tool and
// exported into the process environment at startup.
func (r *Registry) SelfPort() int { return r.selfPort }
