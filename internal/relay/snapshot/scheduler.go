package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/appctx"
	"github.com/kandev/tabrelay/internal/common/logger"
)

const saveTimeout = 10 * time.Second

// Supplier builds the document to persist at write time.
type Supplier func() *Snapshot

// Scheduler debounces saves: each Schedule replaces the pending write and
// restarts the quiet period. A write is never deferred past maxWait from the
// first unsaved request, so a steady stream of Schedule calls still persists.
type Scheduler struct {
	store   Store
	delay   time.Duration
	maxWait time.Duration
	logger  *logger.Logger

	mu       sync.Mutex
	timer    *time.Timer
	supplier Supplier
	firstAt  time.Time
	stopCh   chan struct{}
	stopped  bool

	saveMu sync.Mutex
}

// NewScheduler creates a debounced writer over store.
func NewScheduler(store Store, delay time.Duration, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		store:   store,
		delay:   delay,
		maxWait: 5 * delay,
		logger:  log.WithFields(zap.String("component", "snapshot-scheduler")),
		stopCh:  make(chan struct{}),
	}
}

// Schedule requests a save of whatever supplier returns once the debounce
// window passes. It never blocks on I/O.
func (s *Scheduler) Schedule(supplier Supplier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	now := time.Now()
	s.supplier = supplier

	if s.timer == nil {
		s.firstAt = now
	} else {
		s.timer.Stop()
	}

	wait := s.delay
	if deadline := s.firstAt.Add(s.maxWait); now.Add(wait).After(deadline) {
		wait = deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	s.timer = time.AfterFunc(wait, s.fire)
}

// Pending reports whether a save is scheduled.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) fire() {
	supplier := s.take()
	if supplier == nil {
		return
	}
	ctx, cancel := appctx.Detached(context.Background(), s.stopCh, saveTimeout)
	defer cancel()
	if err := s.save(ctx, supplier); err != nil {
		if appctx.Stopped(ctx) {
			s.logger.Debug("snapshot save abandoned for shutdown flush", zap.Error(err))
			return
		}
		s.logger.Warn("snapshot save failed", zap.Error(err))
	}
}

func (s *Scheduler) take() Supplier {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplier := s.supplier
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.supplier = nil
	return supplier
}

func (s *Scheduler) save(ctx context.Context, supplier Supplier) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := supplier()
	if snap == nil {
		return nil
	}
	if err := s.store.Save(ctx, snap); err != nil {
		return err
	}
	s.logger.Debug("snapshot saved",
		zap.Int("clients", len(snap.Clients)),
		zap.Int("tabs", len(snap.Tabs)))
	return nil
}

// Flush writes supplier's document now, dropping any pending write, and
// stops the scheduler. Used at shutdown.
func (s *Scheduler) Flush(ctx context.Context, supplier Supplier) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.supplier = nil
	s.mu.Unlock()

	return s.save(ctx, supplier)
}
