package app

import (
	"strings"
	"time"

	"eventorder/internal/config"
	"eventorder/internal/storage"
)

// mapStorageConfig returns enabled=false for a missing section or driver
// "none"; the registry then stays memory-only. Validate has already
// rejected unknown drivers.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}
	if driver == "sqlite" || driver == "sqlite3" {
		out.BusyTimeout = config.DurationOr(sc.BusyTimeout, time.Second)
	}
	return out, true
}
