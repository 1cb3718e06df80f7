package storage

import (
	"context"
	"errors"
	"strings"

	logx "eventorder/pkg/logx"
)

// Store is the persistence API used by the overflow registry and the
// trigger surfaces.
type Store interface {
	PutAssignment(ctx context.Context, r AssignmentRecord) error
	DeleteAssignment(ctx context.Context, groupID int64, key int) error
	ListAssignments(ctx context.Context) ([]AssignmentRecord, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
