package lineup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"eventorder/internal/ordering"
	"eventorder/internal/overflow"
	logx "eventorder/pkg/logx"
)

// memManager is an in-memory channel manager. Writes are recorded as
// "reorder <channel id>".
type memManager struct {
	mu       sync.Mutex
	names    map[int64]string
	channels map[int64][]int64
	calls    []string
	failOn   string
	opts     []ordering.UpdateOptions
}

func newMemManager() *memManager {
	return &memManager{names: map[int64]string{}, channels: map[int64][]int64{}}
}

func (m *memManager) put(ch int64, id int64, name string) {
	m.names[id] = name
	m.channels[ch] = append(m.channels[ch], id)
}

func (m *memManager) ids(ch int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.channels[ch]...)
}

func (m *memManager) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *memManager) writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *memManager) ListStreams(_ context.Context, ch int64) ([]ordering.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "list" {
		return nil, errors.New("connection refused")
	}
	out := make([]ordering.Stream, 0, len(m.channels[ch]))
	for _, id := range m.channels[ch] {
		out = append(out, ordering.Stream{ID: id, Name: m.names[id]})
	}
	return out, nil
}

func (m *memManager) ReorderChannel(_ context.Context, ch int64, ids []int64, opts ordering.UpdateOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := fmt.Sprintf("reorder %d", ch)
	m.calls = append(m.calls, call)
	m.opts = append(m.opts, opts)
	if m.failOn == call {
		return errors.New("boom")
	}
	m.channels[ch] = append([]int64(nil), ids...)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var noon = time.Date(2025, 11, 22, 12, 0, 0, 0, time.UTC)

func newRunner(m *memManager, reg *overflow.Registry, c *clock) *Runner {
	return NewRunner(m, reg, logx.Nop()).WithClock(c.now)
}

func TestRunScenarioMoveAndReturn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemManager()
	m.put(100, 1, "NBA 01 start:2025-11-22 19:00:00")
	m.put(100, 2, "NBA 02 start:2025-11-22 19:00:00")
	m.put(100, 3, "NBA 02 backup start:2025-11-22 19:00:00")

	reg := overflow.New(nil, logx.Nop())
	c := &clock{t: noon}
	r := newRunner(m, reg, c)
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}, ReturnAfter: 4 * time.Hour}}

	res, err := r.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ConflictsFound != 1 || res.EventsMoved != 1 || !res.Committed {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]int64{1}, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{2, 3}, m.ids(130)); diff != "" {
		t.Fatalf("overflow (-want +got):\n%s", diff)
	}
	for _, o := range m.opts {
		if !o.AllowDeadStreams {
			t.Fatal("update issued without dead-stream bypass")
		}
	}

	tracked := reg.Tracked(100)
	if len(tracked) != 1 || tracked[0].Key != 2 || !tracked[0].Deadline.Equal(noon.Add(4*time.Hour)) {
		t.Fatalf("tracked = %+v", tracked)
	}

	// Unchanged input: same order, no further calls.
	calls := m.callCount()
	res, err = r.Run(ctx, job)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.EventsMoved != 0 || res.EventsReturned != 0 || res.Committed {
		t.Fatalf("second pass result = %+v", res)
	}
	if m.callCount() != calls {
		t.Fatalf("second pass issued %d updates", m.callCount()-calls)
	}

	// After the deadline the Event comes back; at 16:00 key 1 still runs
	// [19:00, 23:00) so key 2 is re-moved and its deadline refreshed.
	c.t = noon.Add(4 * time.Hour)
	res, err = r.Run(ctx, job)
	if err != nil {
		t.Fatalf("recall Run: %v", err)
	}
	if res.EventsReturned != 0 || res.EventsMoved != 0 || res.ConflictsFound != 1 {
		t.Fatalf("recall pass result = %+v", res)
	}
	tracked = reg.Tracked(100)
	if len(tracked) != 1 || !tracked[0].Deadline.Equal(c.t.Add(4*time.Hour)) {
		t.Fatalf("deadline not refreshed: %+v", tracked)
	}
}

func TestRunScenarioAfterEventDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemManager()
	m.put(100, 1, "NBA 01 start:2025-11-22 19:00:00")
	m.put(100, 2, "NBA 02 start:2025-11-22 19:00:00")

	reg := overflow.New(nil, logx.Nop())
	c := &clock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	r := newRunner(m, reg, c)
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}, ReturnAfter: 4 * time.Hour}}

	res, err := r.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ConflictsFound != 1 || res.EventsMoved != 1 {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]int64{2}, m.ids(130)); diff != "" {
		t.Fatalf("overflow (-want +got):\n%s", diff)
	}

	// Past the deadline the Event returns, still conflicts and is re-moved
	// in the same pass without touching the channels.
	writes := m.callCount()
	c.t = c.t.Add(4 * time.Hour)
	res, err = r.Run(ctx, job)
	if err != nil {
		t.Fatalf("recall Run: %v", err)
	}
	if res.EventsMoved != 0 || res.EventsReturned != 0 || m.callCount() != writes {
		t.Fatalf("recall pass result = %+v, writes %d", res, m.callCount()-writes)
	}
	tracked := reg.Tracked(100)
	if len(tracked) != 1 || !tracked[0].Deadline.Equal(c.t.Add(4*time.Hour)) {
		t.Fatalf("tracked = %+v", tracked)
	}
}

func TestRunReturnsEventOnceConflictIsGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemManager()
	m.put(100, 1, "NBA 01 start:2025-11-22 19:00:00")
	m.put(100, 2, "NBA 02 start:2025-11-22 19:00:00")

	reg := overflow.New(nil, logx.Nop())
	c := &clock{t: noon}
	r := newRunner(m, reg, c)
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}, ReturnAfter: 4 * time.Hour}}
	if _, err := r.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Key 1 disappears upstream.
	m.mu.Lock()
	m.channels[100] = nil
	m.mu.Unlock()

	c.t = noon.Add(4 * time.Hour)
	res, err := r.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EventsReturned != 1 || res.EventsMoved != 0 {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]int64{2}, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}
	if got := m.ids(130); len(got) != 0 {
		t.Fatalf("overflow still holds %v", got)
	}
	if got := reg.Tracked(100); len(got) != 0 {
		t.Fatalf("assignment not retired: %+v", got)
	}
}

func TestRunOrdersMainChannel(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	m.put(100, 1, "PPV 1 start:2025-11-22 08:00:00")
	m.put(100, 2, "no schedule")
	m.put(100, 3, "PPV 3 start:2025-11-22 18:00:00")
	m.put(100, 4, "PPV 4 start:2025-11-22 13:00:00")

	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	res, err := r.Run(context.Background(), Job{Channel: ordering.ChannelConfig{ChannelID: 100}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []int64{4, 3, 1, 2}
	if diff := cmp.Diff(want, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}
	if res.EventsReordered != 4 || res.ConflictsFound != 0 || res.EventsMoved != 0 {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff(want, res.Order); diff != "" {
		t.Fatalf("Order (-want +got):\n%s", diff)
	}
}

func TestRunLeavesForeignOverflowStreams(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	m.put(100, 1, "PPV 1 start:2025-11-22 19:00:00")
	m.put(100, 2, "PPV 2 start:2025-11-22 20:00:00")
	m.put(130, 50, "PPV 9 start:2025-11-22 19:00:00")
	m.put(130, 51, "other group stream")

	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}, ReturnAfter: 4 * time.Hour}}
	if _, err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]int64{50, 51, 2}, m.ids(130)); diff != "" {
		t.Fatalf("overflow (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1}, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}
}

func TestRunReunitesSplitPair(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	m.put(100, 1, "PPV 1 start:2025-11-22 19:00:00")
	m.put(100, 2, "PPV 1 backup start:2025-11-22 19:00:00")
	m.put(130, 3, "PPV 1 alt start:2025-11-22 19:00:00")

	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}}}
	if _, err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}
	if got := m.ids(130); len(got) != 0 {
		t.Fatalf("overflow = %v", got)
	}
}

func TestRunConservesStreams(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	names := []string{
		"UFC 1 start:2025-11-22 19:00:00",
		"UFC 1 b start:2025-11-22 19:00:00",
		"UFC 2 start:2025-11-22 19:30:00",
		"UFC 3 start:2025-11-22 20:00:00",
		"UFC 3 b start:2025-11-22 20:00:00",
		"UFC 4 start:2025-11-22 23:30:00",
		"random",
	}
	for i, n := range names {
		m.put(100, int64(i+1), n)
	}
	m.put(131, 99, "foreign")

	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130, 131}, ReturnAfter: 4 * time.Hour}}
	res, err := r.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EventsMoved != 2 {
		t.Fatalf("EventsMoved = %d, want 2", res.EventsMoved)
	}

	seen := map[int64]int64{}
	for _, ch := range []int64{100, 130, 131} {
		for _, id := range m.ids(ch) {
			if prev, dup := seen[id]; dup {
				t.Fatalf("stream %d on %d and %d", id, prev, ch)
			}
			seen[id] = ch
		}
	}
	if len(seen) != len(names)+1 {
		t.Fatalf("streams after pass = %d, want %d", len(seen), len(names)+1)
	}
	if seen[1] != seen[2] || seen[4] != seen[5] {
		t.Fatalf("pair split: %v", seen)
	}
	if seen[3] != 130 || seen[4] != 131 || seen[6] != 100 {
		t.Fatalf("placement = %v", seen)
	}
}

func TestRunCollapsesDuplicateStreams(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	m.put(100, 1, "PPV 1 start:2025-11-22 19:00:00")
	m.put(130, 1, "PPV 1 start:2025-11-22 19:00:00")

	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}}}
	if _, err := r.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]int64{1}, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}
	if got := m.ids(130); len(got) != 0 {
		t.Fatalf("duplicate left on overflow: %v", got)
	}
}

func TestRunEmptyChannel(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	res, err := r.Run(context.Background(), Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != SkipEmpty || res.Committed {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunPatternError(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	m.put(100, 1, "x")
	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	_, err := r.Run(context.Background(), Job{Channel: ordering.ChannelConfig{ChannelID: 100, Pattern: "(?P<order>"}})
	var pe *ordering.PatternError
	if !errors.As(err, &pe) || pe.ChannelID != 100 {
		t.Fatalf("err = %v, want PatternError for channel 100", err)
	}
	if m.callCount() != 0 {
		t.Fatal("channel touched despite pattern error")
	}
}

func TestRunUpstreamFailureRecordsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemManager()
	m.put(100, 1, "NBA 01 start:2025-11-22 19:00:00")
	m.put(100, 2, "NBA 02 start:2025-11-22 19:00:00")
	m.failOn = "reorder 100"

	reg := overflow.New(nil, logx.Nop())
	r := newRunner(m, reg, &clock{t: noon})
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}, ReturnAfter: 4 * time.Hour}}
	res, err := r.Run(ctx, job)
	if !errors.Is(err, ordering.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if !res.Committed {
		t.Fatal("overflow write should have been reported as committed")
	}
	if got := reg.Tracked(100); len(got) != 0 {
		t.Fatalf("assignment recorded after failed commit: %+v", got)
	}
	// The destination was written first, so the moving Event is not lost.
	if diff := cmp.Diff([]int64{2}, m.ids(130)); diff != "" {
		t.Fatalf("overflow (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 2}, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}

	m.failOn = "list"
	if _, err := r.Run(ctx, job); ordering.ErrorKind(err) != "upstream" {
		t.Fatalf("list failure kind = %q (%v)", ordering.ErrorKind(err), err)
	}
}

func TestRunDryRun(t *testing.T) {
	t.Parallel()
	m := newMemManager()
	m.put(100, 1, "NBA 01 start:2025-11-22 19:00:00")
	m.put(100, 2, "NBA 02 start:2025-11-22 19:00:00")
	reg := overflow.New(nil, logx.Nop())
	r := newRunner(m, reg, &clock{t: noon})
	res, err := r.Run(context.Background(), Job{
		Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}},
		DryRun:  true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EventsMoved != 1 || res.Committed || m.callCount() != 0 || reg.Len() != 0 {
		t.Fatalf("dry run mutated state: %+v calls=%d", res, m.callCount())
	}
}

func TestArrivals(t *testing.T) {
	t.Parallel()
	cur := []ordering.Stream{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 2}}
	if diff := cmp.Diff([]int64{4}, arrivals(cur, []int64{3, 1, 4})); diff != "" {
		t.Fatalf("arrivals (-want +got):\n%s", diff)
	}
	if got := arrivals(cur, []int64{2, 1}); len(got) != 0 {
		t.Fatalf("arrivals = %v, want none", got)
	}
}

func TestCommitWritesEachChannelOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Scenario A: the destination is written before the source.
	m := newMemManager()
	m.put(100, 1, "NBA 01 start:2025-11-22 19:00:00")
	m.put(100, 2, "NBA 02 start:2025-11-22 19:00:00")
	r := newRunner(m, overflow.New(nil, logx.Nop()), &clock{t: noon})
	job := Job{Channel: ordering.ChannelConfig{ChannelID: 100, OverflowChannelIDs: []int64{130}, ReturnAfter: 4 * time.Hour}}
	if _, err := r.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"reorder 130", "reorder 100"}, m.writes()); diff != "" {
		t.Fatalf("writes (-want +got):\n%s", diff)
	}

	// A recall and a new move in one pass still touch each channel once.
	m = newMemManager()
	m.put(100, 1, "PPV 1 start:2025-11-22 19:00:00")
	m.put(100, 4, "PPV 4 start:2025-11-22 20:00:00")
	m.put(130, 2, "PPV 2 start:2025-11-22 09:00:00")
	reg := overflow.New(nil, logx.Nop())
	reg.Record(ctx, overflow.NewAssignment(100, 2, []int64{2}, 130, noon.Add(-5*time.Hour), 4*time.Hour))
	r = newRunner(m, reg, &clock{t: noon})
	res, err := r.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.EventsReturned != 1 || res.EventsMoved != 1 {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff([]string{"reorder 100", "reorder 130"}, m.writes()); diff != "" {
		t.Fatalf("writes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 2}, m.ids(100)); diff != "" {
		t.Fatalf("main (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{4}, m.ids(130)); diff != "" {
		t.Fatalf("overflow (-want +got):\n%s", diff)
	}
	tracked := reg.Tracked(100)
	if len(tracked) != 1 || tracked[0].Key != 4 {
		t.Fatalf("tracked = %+v", tracked)
	}
}
