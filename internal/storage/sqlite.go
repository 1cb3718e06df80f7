package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "eventorder/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutAssignment(ctx context.Context, r AssignmentRecord) error {
	ids, err := json.Marshal(r.StreamIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assignments(group_id, event_key, stream_ids, origin, destination, moved_at, deadline)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(group_id, event_key) DO UPDATE SET
		   stream_ids=excluded.stream_ids,
		   origin=excluded.origin,
		   destination=excluded.destination,
		   moved_at=excluded.moved_at,
		   deadline=excluded.deadline`,
		r.GroupID, r.EventKey, string(ids), r.Origin, r.Destination,
		r.MovedAt.UnixMilli(), r.Deadline.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteAssignment(ctx context.Context, groupID int64, key int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assignments WHERE group_id = ? AND event_key = ?`, groupID, key)
	return err
}

func (s *sqliteStore) ListAssignments(ctx context.Context) ([]AssignmentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, event_key, stream_ids, origin, destination, moved_at, deadline
		 FROM assignments ORDER BY group_id, event_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssignmentRecord
	for rows.Next() {
		var (
			r              AssignmentRecord
			ids            string
			movedAt, until int64
		)
		if err := rows.Scan(&r.GroupID, &r.EventKey, &ids, &r.Origin, &r.Destination, &movedAt, &until); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ids), &r.StreamIDs); err != nil {
			s.log.Warn("skipping assignment with unreadable stream ids",
				logx.Int64("group_id", r.GroupID), logx.Int("event_key", r.EventKey), logx.Err(err))
			continue
		}
		r.MovedAt = time.UnixMilli(movedAt)
		r.Deadline = time.UnixMilli(until)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, channel_id, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Actor, e.Action, e.ChannelID, e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
