package overflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"eventorder/internal/ordering"
	"eventorder/internal/storage"
	logx "eventorder/pkg/logx"
)

// Assignment records one Event parked on an overflow channel.
type Assignment struct {
	Group       int64             `json:"group_id"`
	Key         ordering.EventKey `json:"event_key"`
	StreamIDs   []int64           `json:"stream_ids"`
	Origin      int64             `json:"origin_channel_id"`
	Destination int64             `json:"destination_channel_id"`
	MovedAt     time.Time         `json:"moved_at"`
	Deadline    time.Time         `json:"return_deadline"`
}

// NewAssignment stamps the deadline from the move time.
func NewAssignment(group int64, key ordering.EventKey, ids []int64, dest int64, movedAt time.Time, returnAfter time.Duration) Assignment {
	return Assignment{
		Group:       group,
		Key:         key,
		StreamIDs:   append([]int64(nil), ids...),
		Origin:      group,
		Destination: dest,
		MovedAt:     movedAt,
		Deadline:    movedAt.Add(returnAfter),
	}
}

// Due reports whether the assignment should return at now.
func (a Assignment) Due(now time.Time) bool { return !now.Before(a.Deadline) }

// Sweep returns the assignments due at now, earliest deadline first.
func Sweep(assignments []Assignment, now time.Time) []Assignment {
	var due []Assignment
	for _, a := range assignments {
		if a.Due(now) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].Deadline.Equal(due[j].Deadline) {
			return due[i].Deadline.Before(due[j].Deadline)
		}
		return due[i].Key < due[j].Key
	})
	return due
}

// Registry holds the live assignments, partitioned per channel group.
// Writes go through to the store when one is configured; a store failure
// is logged and the in-memory state stays authoritative.
type Registry struct {
	store storage.Store
	log   logx.Logger

	mu    sync.RWMutex
	parts map[int64]*partition

	onChange func(total int)
}

type partition struct {
	mu      sync.Mutex
	entries map[ordering.EventKey]Assignment
}

// New creates an empty registry. store may be nil.
func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store: store,
		log:   log.With(logx.String("comp", "overflow")),
		parts: map[int64]*partition{},
	}
}

// OnChange registers a callback fed with the total assignment count.
func (r *Registry) OnChange(fn func(total int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Load replaces the in-memory state with the stored assignments.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.ListAssignments(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.parts = map[int64]*partition{}
	for _, rec := range recs {
		a := fromRecord(rec)
		r.partitionLocked(a.Group).entries[a.Key] = a
	}
	r.mu.Unlock()
	r.log.Info("assignments loaded", logx.Int("count", len(recs)))
	r.changed()
	return nil
}

func (r *Registry) partition(group int64) *partition {
	r.mu.RLock()
	p := r.parts[group]
	r.mu.RUnlock()
	if p != nil {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partitionLocked(group)
}

func (r *Registry) partitionLocked(group int64) *partition {
	p := r.parts[group]
	if p == nil {
		p = &partition{entries: map[ordering.EventKey]Assignment{}}
		r.parts[group] = p
	}
	return p
}

// Tracked lists a group's assignments ordered by key.
func (r *Registry) Tracked(group int64) []Assignment {
	p := r.partition(group)
	p.mu.Lock()
	out := make([]Assignment, 0, len(p.entries))
	for _, a := range p.entries {
		out = append(out, a)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Due lists a group's assignments whose deadline has passed.
func (r *Registry) Due(group int64, now time.Time) []Assignment {
	return Sweep(r.Tracked(group), now)
}

// Record creates or overwrites the assignment for (Group, Key).
func (r *Registry) Record(ctx context.Context, a Assignment) {
	p := r.partition(a.Group)
	p.mu.Lock()
	p.entries[a.Key] = a
	p.mu.Unlock()

	if r.store != nil {
		if err := r.store.PutAssignment(ctx, toRecord(a)); err != nil {
			r.log.Warn("persist assignment failed",
				logx.Int64("channel_id", a.Group), logx.Int("event_key", int(a.Key)), logx.Err(err))
		}
	}
	r.changed()
}

// Retire drops the assignment for (group, key), if any.
func (r *Registry) Retire(ctx context.Context, group int64, key ordering.EventKey) {
	p := r.partition(group)
	p.mu.Lock()
	_, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()
	if !ok {
		return
	}

	if r.store != nil {
		if err := r.store.DeleteAssignment(ctx, group, int(key)); err != nil {
			r.log.Warn("delete assignment failed",
				logx.Int64("channel_id", group), logx.Int("event_key", int(key)), logx.Err(err))
		}
	}
	r.changed()
}

// All lists every assignment ordered by (group, key).
func (r *Registry) All() []Assignment {
	r.mu.RLock()
	groups := make([]int64, 0, len(r.parts))
	for g := range r.parts {
		groups = append(groups, g)
	}
	r.mu.RUnlock()
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	var out []Assignment
	for _, g := range groups {
		out = append(out, r.Tracked(g)...)
	}
	return out
}

// Len counts every assignment.
func (r *Registry) Len() int {
	r.mu.RLock()
	parts := make([]*partition, 0, len(r.parts))
	for _, p := range r.parts {
		parts = append(parts, p)
	}
	r.mu.RUnlock()
	n := 0
	for _, p := range parts {
		p.mu.Lock()
		n += len(p.entries)
		p.mu.Unlock()
	}
	return n
}

func (r *Registry) changed() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(r.Len())
	}
}

func toRecord(a Assignment) storage.AssignmentRecord {
	return storage.AssignmentRecord{
		GroupID:     a.Group,
		EventKey:    int(a.Key),
		StreamIDs:   append([]int64(nil), a.StreamIDs...),
		Origin:      a.Origin,
		Destination: a.Destination,
		MovedAt:     a.MovedAt,
		Deadline:    a.Deadline,
	}
}

func fromRecord(r storage.AssignmentRecord) Assignment {
	return Assignment{
		Group:       r.GroupID,
		Key:         ordering.EventKey(r.EventKey),
		StreamIDs:   append([]int64(nil), r.StreamIDs...),
		Origin:      r.Origin,
		Destination: r.Destination,
		MovedAt:     r.MovedAt,
		Deadline:    r.Deadline,
	}
}
