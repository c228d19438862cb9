package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/logger"
)

// TickFunc is one sweep step.
type TickFunc func(now time.Time)

// Sweeper calls a TickFunc once per interval until its context ends.
type Sweeper struct {
	interval time.Duration
	tick     TickFunc
	clock    func() time.Time
	logger   *logger.Logger
}

// NewSweeper creates a sweeper. A nil clock means time.Now.
func NewSweeper(interval time.Duration, tick TickFunc, clock func() time.Time, log *logger.Logger) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logger.Default()
	}
	return &Sweeper{
		interval: interval,
		tick:     tick,
		clock:    clock,
		logger:   log.WithFields(zap.String("component", "sweeper")),
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped")
			return nil
		case <-ticker.C:
			s.safeTick()
		}
	}
}

func (s *Sweeper) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep tick panicked", zap.Any("panic", r))
		}
	}()
	s.tick(s.clock())
}
