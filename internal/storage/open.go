package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	logx "validatord/pkg/logx"
)

// Store is the persistence API used by the validator and the coordinator.
type Store interface {
	// SaveState replaces the snapshot stored under key.
	SaveState(ctx context.Context, key string, data []byte) error
	// LoadState returns the snapshot under key; ok is false if none exists.
	LoadState(ctx context.Context, key string) (data []byte, ok bool, err error)
	AppendEvent(ctx context.Context, e Event) error
	Close() error
}

var reKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

func checkKey(key string) error {
	if !reKey.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "file":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = DefaultPath
		}
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "none":
		log.Warn("state persistence disabled; state will not survive restarts")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
