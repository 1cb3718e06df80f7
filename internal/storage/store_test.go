package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	logx "eventorder/pkg/logx"
)

func sampleRecord(group int64, key int, moved time.Time) AssignmentRecord {
	return AssignmentRecord{
		GroupID:     group,
		EventKey:    key,
		StreamIDs:   []int64{int64(key) * 10, int64(key)*10 + 1},
		Origin:      group,
		Destination: 130,
		MovedAt:     moved,
		Deadline:    moved.Add(4 * time.Hour),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestStoresRoundTrip(t *testing.T) {
	t.Parallel()
	drivers := []struct {
		name string
		file string
	}{
		{name: "file", file: "state.json"},
		{name: "sqlite", file: "state.db"},
	}
	for _, d := range drivers {
		d := d
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := Config{Driver: d.name, Path: filepath.Join(t.TempDir(), d.file)}
			moved := time.UnixMilli(time.Date(2025, 11, 22, 19, 0, 0, 0, time.UTC).UnixMilli())

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			a := sampleRecord(100, 2, moved)
			b := sampleRecord(100, 3, moved)
			c := sampleRecord(200, 1, moved)
			for _, r := range []AssignmentRecord{a, b, c} {
				if err := st.PutAssignment(ctx, r); err != nil {
					t.Fatalf("PutAssignment: %v", err)
				}
			}
			// Overwrite refreshes the deadline.
			b.MovedAt = moved.Add(time.Hour)
			b.Deadline = b.MovedAt.Add(4 * time.Hour)
			if err := st.PutAssignment(ctx, b); err != nil {
				t.Fatalf("PutAssignment overwrite: %v", err)
			}
			if err := st.DeleteAssignment(ctx, 100, 2); err != nil {
				t.Fatalf("DeleteAssignment: %v", err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{At: moved, Actor: "http", Action: "run", OK: 1}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.ListAssignments(ctx)
			if err != nil {
				t.Fatalf("ListAssignments: %v", err)
			}
			want := []AssignmentRecord{b, c}
			opt := cmp.Comparer(func(x, y time.Time) bool { return x.Equal(y) })
			if diff := cmp.Diff(want, got, opt); diff != "" {
				t.Fatalf("assignments (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileStoreCompactsJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 3

	moved := time.UnixMilli(time.Date(2025, 11, 22, 19, 0, 0, 0, time.UTC).UnixMilli())
	for k := 1; k <= 7; k++ {
		if err := st.PutAssignment(ctx, sampleRecord(100, k, moved)); err != nil {
			t.Fatalf("PutAssignment: %v", err)
		}
	}
	// Simulate a crash: drop the handle without Close.
	fs.mu.Lock()
	_ = fs.journalFile.Close()
	fs.journalFile = nil
	_ = fs.auditFile.Close()
	fs.auditFile = nil
	fs.mu.Unlock()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.ListAssignments(ctx)
	if err != nil {
		t.Fatalf("ListAssignments: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("recovered %d assignments, want 7", len(got))
	}
}
