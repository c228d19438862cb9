// Package service owns the relay's registries and implements the operations
// the transport, HTTP and MCP layers call into.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/config"
	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/events/bus"
	"github.com/kandev/tabrelay/internal/relay/broker"
	"github.com/kandev/tabrelay/internal/relay/lifecycle"
	"github.com/kandev/tabrelay/internal/relay/metrics"
	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/registry"
	"github.com/kandev/tabrelay/internal/relay/snapshot"
)

// ErrShuttingDown completes broker waits that are still pending at shutdown.
var ErrShuttingDown = errors.New("relay shutting down")

// Config holds the durations the service works with.
type Config struct {
	Grace            time.Duration
	ExpiredClientTTL time.Duration
	ExpiredTabTTL    time.Duration
	ExecuteTimeout   time.Duration
	SnapshotFlush    time.Duration
}

// ConfigFrom converts the relay section of the application config.
func ConfigFrom(rc config.RelayConfig) Config {
	return Config{
		Grace:            rc.Grace(),
		ExpiredClientTTL: rc.ExpiredClientTTL(),
		ExpiredTabTTL:    rc.ExpiredTabTTL(),
		ExecuteTimeout:   rc.ExecuteTimeout(),
		SnapshotFlush:    rc.SnapshotFlush(),
	}
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithEventBus publishes lifecycle events on b.
func WithEventBus(b bus.EventBus) Option {
	return func(s *Service) { s.bus = b }
}

// WithStore enables snapshot persistence.
func WithStore(store snapshot.Store) Option {
	return func(s *Service) { s.store = store }
}

// Service is the relay. Every mutation that spans more than one registry
// runs under mu so the client and tab state machines move together; reads go
// straight to the registries.
type Service struct {
	cfg    Config
	logger *logger.Logger
	clock  func() time.Time
	bus    bus.EventBus

	conns    *registry.ConnectionManager
	clients  *registry.ClientRegistry
	tabs     *registry.TabRegistry
	counters *metrics.Counters
	broker   *broker.Broker

	store     snapshot.Store
	scheduler *snapshot.Scheduler

	mu sync.Mutex
}

// New creates a relay with empty registries.
func New(cfg Config, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "relay")),
		clock:    time.Now,
		conns:    registry.NewConnectionManager(),
		clients:  registry.NewClientRegistry(),
		tabs:     registry.NewTabRegistry(),
		counters: metrics.NewCounters(),
		broker:   broker.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store != nil {
		s.scheduler = snapshot.NewScheduler(s.store, cfg.SnapshotFlush, log)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock()
}

func (s *Service) state() lifecycle.State {
	return lifecycle.State{Conns: s.conns, Clients: s.clients, Tabs: s.tabs, Counters: s.counters}
}

// Status returns the health summary.
func (s *Service) Status() metrics.HealthSummary {
	return s.counters.Summary(metrics.RelayMetrics{
		ClientsOnline: s.clients.CountOnline(),
		TabsActive:    s.tabs.CountActive(),
		WSConnections: s.conns.Count(),
	})
}

// Clients lists every known client.
func (s *Service) Clients() []models.ClientState {
	return s.clients.List()
}

// Client returns one client.
func (s *Service) Client(clientID string) (models.ClientState, bool) {
	return s.clients.Get(clientID)
}

// Tabs lists tabs, filtered by clientID when it is not empty.
func (s *Service) Tabs(clientID string) []models.TabState {
	if clientID != "" {
		return s.tabs.ListByClient(clientID)
	}
	return s.tabs.List()
}

// PendingRequests returns the number of execute_in_tab waits in flight.
func (s *Service) PendingRequests() int {
	return s.broker.Pending()
}

// Tick runs one sweep pass and schedules a snapshot write.
func (s *Service) Tick(now time.Time) {
	s.mu.Lock()
	res := lifecycle.Sweep(s.state(), now, lifecycle.Retention{
		ExpiredClientTTL: s.cfg.ExpiredClientTTL,
		ExpiredTabTTL:    s.cfg.ExpiredTabTTL,
	})
	s.mu.Unlock()

	for _, id := range res.Expired {
		s.logger.Info("client grace period expired", zap.String("client_id", id))
		s.publish(clientExpiredEvent(id))
	}
	if len(res.RemovedClients) > 0 || res.RemovedTabs > 0 {
		s.logger.Debug("garbage collected expired state",
			zap.Int("clients", len(res.RemovedClients)),
			zap.Int("tabs", res.RemovedTabs))
	}
	s.SchedulePersist()
}

// Shutdown fails pending broker waits and writes a final snapshot.
func (s *Service) Shutdown(ctx context.Context) error {
	if n := s.broker.Close(ErrShuttingDown); n > 0 {
		s.logger.Info("rejected pending execute requests", zap.Int("count", n))
	}
	if s.scheduler == nil {
		return nil
	}
	if err := s.scheduler.Flush(ctx, s.Snapshot); err != nil {
		s.logger.Error("final snapshot save failed", zap.Error(err))
		return err
	}
	return nil
}
