package storage

import (
	"fmt"
	"strings"

	"crosspost/pkg/logx"
)

// Open returns the store named by cfg.Driver. The empty driver is memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", name))

	switch name {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg", "pgx":
		return openPostgres(cfg, log)
	}
	return nil, fmt.Errorf("storage: unknown driver %q", name)
}
