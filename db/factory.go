package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mezonai/blockclique/config"
)

// NewProvider opens the ledger backend selected in config
func NewProvider(cfg config.LedgerConfig) (IterableProvider, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemLevelDBProvider()
	case "leveldb":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		return NewLevelDBProvider(cfg.Path)
	case "bbolt":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		return NewBoltProvider(filepath.Join(cfg.Path, "ledger.db"))
	case "badger":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		return NewBadgerProvider(cfg.Path)
	case "redis":
		return NewRedisProvider(cfg.RedisAddr, "ledger")
	case "postgres":
		return NewPostgresProvider(cfg.PostgresURL, "ledger_kv")
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}
