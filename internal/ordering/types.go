package ordering

import (
	"sort"
	"time"
)

// LiveWindow is how long after its start an event still counts as current.
const LiveWindow = 2 * time.Hour

// DefaultReturnAfter is the conflict interval length and the default time a
// moved event stays on an overflow channel.
const DefaultReturnAfter = 6 * time.Hour

// EventKey is the number identifying an event within a channel group.
type EventKey int

// UnorderedKey is assigned to streams without a recognizable event number.
const UnorderedKey EventKey = 999

// Stream is one broadcast stream as reported by the channel manager.
type Stream struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ChannelID int64  `json:"channel_id,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Extraction is what the extractor learned from a stream name.
type Extraction struct {
	Start   time.Time `json:"start,omitempty"`
	HasTime bool      `json:"has_time"`
	Key     EventKey  `json:"key"`
	// Source names the format that produced the time, empty when none did.
	Source string `json:"source,omitempty"`
}

// UpdateOptions are passed through to every channel update.
type UpdateOptions struct {
	AllowDeadStreams bool
}

// ChannelConfig is the per-channel part of a Snapshot. Pattern is already in
// canonical form.
type ChannelConfig struct {
	ChannelID          int64
	Pattern            string
	OverflowChannelIDs []int64
	ReturnAfter        time.Duration
}

// OverflowEnabled reports whether conflict detection applies to the channel.
func (c ChannelConfig) OverflowEnabled() bool { return len(c.Overflow()) > 0 }

// Overflow returns the overflow ids in configured order, without duplicates
// and without the main channel.
func (c ChannelConfig) Overflow() []int64 {
	out := make([]int64, 0, len(c.OverflowChannelIDs))
	seen := map[int64]bool{c.ChannelID: true}
	for _, id := range c.OverflowChannelIDs {
		if id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Group returns the main channel followed by its overflow channels.
func (c ChannelConfig) Group() []int64 {
	return append([]int64{c.ChannelID}, c.Overflow()...)
}

// ReturnAfterOrDefault never returns a non-positive duration.
func (c ChannelConfig) ReturnAfterOrDefault() time.Duration {
	if c.ReturnAfter <= 0 {
		return DefaultReturnAfter
	}
	return c.ReturnAfter
}

// Snapshot is the immutable configuration view a cycle runs against.
type Snapshot struct {
	Enabled     bool
	Tick        string
	Frequency   time.Duration
	CallTimeout time.Duration
	Channels    map[int64]ChannelConfig
}

// ChannelIDs returns the configured main channels in ascending order.
func (s Snapshot) ChannelIDs() []int64 {
	ids := make([]int64, 0, len(s.Channels))
	for id := range s.Channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Channel looks up one main channel.
func (s Snapshot) Channel(id int64) (ChannelConfig, bool) {
	c, ok := s.Channels[id]
	return c, ok
}
