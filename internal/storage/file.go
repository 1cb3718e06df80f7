package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"

	logx "eventorder/pkg/logx"
)

// fileStore keeps assignments in memory and mirrors them to disk.
//
// Files:
//   - <prefix>.audit.jsonl                  (append-only JSON Lines)
//   - <prefix>.assignments.snapshot.json    (atomic snapshot)
//   - <prefix>.assignments.journal.jsonl    (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	assignments  map[assignmentID]AssignmentRecord

	writes       int
	compactEvery int
}

type assignmentID struct {
	group int64
	key   int
}

type journalRecord struct {
	Op     string           `json:"op"` // put | del
	Record AssignmentRecord `json:"record"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".assignments.snapshot.json"
	journalPath := prefix + ".assignments.journal.jsonl"

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	m := map[assignmentID]AssignmentRecord{}
	if err := loadSnapshot(snapPath, m); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("assignment snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, m); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("assignment journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		assignments:  m,
		compactEvery: 200,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutAssignment(_ context.Context, r AssignmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrDisabled
	}
	r.StreamIDs = append([]int64(nil), r.StreamIDs...)
	s.assignments[assignmentID{r.GroupID, r.EventKey}] = r
	return s.appendLocked(journalRecord{Op: "put", Record: r})
}

func (s *fileStore) DeleteAssignment(_ context.Context, groupID int64, key int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrDisabled
	}
	id := assignmentID{groupID, key}
	if _, ok := s.assignments[id]; !ok {
		return nil
	}
	delete(s.assignments, id)
	return s.appendLocked(journalRecord{Op: "del", Record: AssignmentRecord{GroupID: groupID, EventKey: key}})
}

func (s *fileStore) ListAssignments(_ context.Context) ([]AssignmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedRecords(s.assignments), nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("assignment compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(sortedRecords(s.assignments))
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.snapshotPath, b, 0o600); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func sortedRecords(m map[assignmentID]AssignmentRecord) []AssignmentRecord {
	out := make([]AssignmentRecord, 0, len(m))
	for _, r := range m {
		r.StreamIDs = append([]int64(nil), r.StreamIDs...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].EventKey < out[j].EventKey
	})
	return out
}

func loadSnapshot(path string, out map[assignmentID]AssignmentRecord) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var recs []AssignmentRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[assignmentID{r.GroupID, r.EventKey}] = r
	}
	return nil
}

func replayJournal(path string, out map[assignmentID]AssignmentRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		id := assignmentID{rec.Record.GroupID, rec.Record.EventKey}
		switch rec.Op {
		case "put":
			out[id] = rec.Record
		case "del":
			delete(out, id)
		}
	}
	return sc.Err()
}
