package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/tabrelay/internal/common/config"
	"github.com/kandev/tabrelay/internal/common/logger"
	"github.com/kandev/tabrelay/internal/db"
)

// Provide builds the snapshot store selected by relay.snapshotDriver. The
// returned cleanup closes any database handle.
func Provide(ctx context.Context, cfg config.RelayConfig, log *logger.Logger) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.SnapshotDriver {
	case "", "file":
		log.Info("Snapshot store initialized",
			zap.String("driver", "file"),
			zap.String("path", cfg.SnapshotPath))
		return NewFileStore(cfg.SnapshotPath), noop, nil

	case "sqlite", "postgres":
		dsn := cfg.SnapshotDSN
		if dsn == "" && cfg.SnapshotDriver == "sqlite" {
			dsn = sqlitePathFor(cfg.SnapshotPath)
		}
		conn, err := db.Open(cfg.SnapshotDriver, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open snapshot database: %w", err)
		}
		store, err := NewSQLStore(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		log.Info("Snapshot store initialized", zap.String("driver", cfg.SnapshotDriver))
		return store, conn.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported snapshot driver: %s", cfg.SnapshotDriver)
	}
}

// sqlitePathFor derives a database file next to the JSON snapshot path.
func sqlitePathFor(snapshotPath string) string {
	ext := filepath.Ext(snapshotPath)
	return strings.TrimSuffix(snapshotPath, ext) + ".db"
}
