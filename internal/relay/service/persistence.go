package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/relay/models"
	"github.com/kandev/tabrelay/internal/relay/snapshot"
)

// Snapshot captures the current registries.
func (s *Service) Snapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Version: snapshot.SchemaVersion,
		SavedAt: models.UnixMs(s.now()),
		Clients: s.clients.ExportSnapshot(),
		Tabs:    s.tabs.ExportSnapshot(),
	}
}

// Restore loads the persisted snapshot into the registries. A missing or
// unreadable snapshot is a cold start, reported as false.
func (s *Service) Restore(ctx context.Context) bool {
	if s.store == nil {
		return false
	}

	snap, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		s.logger.Info("no snapshot found, cold start")
		return false
	case err != nil:
		s.logger.Warn("snapshot unusable, cold start", zap.Error(err))
		return false
	}

	s.mu.Lock()
	now := s.now()
	s.clients.ImportSnapshot(snap.Clients, now)
	s.tabs.ImportSnapshot(snap.Tabs)
	s.mu.Unlock()

	s.logger.Info("restored snapshot",
		zap.Int("clients", len(snap.Clients)),
		zap.Int("tabs", len(snap.Tabs)),
		zap.Int64("saved_at", snap.SavedAt))
	return true
}

// SchedulePersist requests a debounced snapshot write. It never blocks.
func (s *Service) SchedulePersist() {
	if s.scheduler != nil {
		s.scheduler.Schedule(s.Snapshot)
	}
}
