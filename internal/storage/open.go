package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	"jobsched/pkg/logx"
)

// Open initializes the configured job store. For the sqlite driver it also
// returns the shared DB handle (nil otherwise); the caller owns it and must
// close it after the store.
func Open(cfg Config, log logx.Logger) (JobStore, *DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "none":
		return NewMemoryJobStore(), nil, nil
	case "file":
		st, err := OpenFileJobStore(cfg, log)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	case "sqlite", "sqlite3":
		db, err := OpenDB(cfg.Path, cfg.BusyTimeout, log)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLiteJobStore(db), db, nil
	default:
		return nil, nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
