package ordering

import (
	"sort"
	"time"
)

// Event groups every stream variant sharing one EventKey within a channel
// group. It is rebuilt from observed membership on every pass.
type Event struct {
	Key     EventKey
	Start   time.Time
	HasTime bool
	Members []Entry
	// Channel is the channel currently holding most members.
	Channel int64
}

// StreamIDs returns the member ids in member order.
func (e Event) StreamIDs() []int64 {
	ids := make([]int64, len(e.Members))
	for i, m := range e.Members {
		ids[i] = m.ID
	}
	return ids
}

// OnChannel reports whether every member already sits on ch.
func (e Event) OnChannel(ch int64) bool {
	for _, m := range e.Members {
		if m.ChannelID != ch {
			return false
		}
	}
	return true
}

// Move is a resolver decision to relocate a whole Event.
type Move struct {
	Event       Event
	Destination int64
}

// Resolution is the resolver output. Stay and Move together hold every
// input Event exactly once.
type Resolution struct {
	Stay []Event
	Move []Move
}

// Overlaps is the half-open interval test: touching intervals do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// BuildEvents groups entries by EventKey. group lists the channels in
// priority order and breaks ties when choosing an Event's current channel.
// Entries are expected to carry their current ChannelID.
func BuildEvents(entries []Entry, group []int64) []Event {
	rank := make(map[int64]int, len(group))
	for i, ch := range group {
		if _, ok := rank[ch]; !ok {
			rank[ch] = i
		}
	}

	byKey := map[EventKey]*Event{}
	var order []EventKey
	for _, e := range entries {
		ev, ok := byKey[e.Key]
		if !ok {
			ev = &Event{Key: e.Key}
			byKey[e.Key] = ev
			order = append(order, e.Key)
		}
		ev.Members = append(ev.Members, e)
		if e.HasTime && (!ev.HasTime || e.Start.Before(ev.Start)) {
			ev.Start, ev.HasTime = e.Start, true
		}
	}

	out := make([]Event, 0, len(order))
	for _, k := range order {
		ev := byKey[k]
		ev.Channel = homeChannel(ev.Members, rank)
		out = append(out, *ev)
	}
	return out
}

func homeChannel(members []Entry, rank map[int64]int) int64 {
	counts := map[int64]int{}
	for _, m := range members {
		counts[m.ChannelID]++
	}
	best, bestN := int64(0), -1
	for ch, n := range counts {
		switch {
		case n > bestN:
			best, bestN = ch, n
		case n == bestN && lessRank(ch, best, rank):
			best = ch
		}
	}
	return best
}

func lessRank(a, b int64, rank map[int64]int) bool {
	ra, aok := rank[a]
	rb, bok := rank[b]
	switch {
	case aok && bok:
		return ra < rb
	case aok != bok:
		return aok
	default:
		return a < b
	}
}

// Resolve decides which Events keep the main channel and which move.
//
// Timed Events are scheduled greedily by (start, key) on their interval
// [start, start+returnAfter); an Event overlapping one already kept moves to
// overflow[k mod len(overflow)], k being the number of moves decided so far.
// Untimed Events stay where they are, as do Events already held by an
// overflow channel: those wait for recall. With no overflow channels every
// Event stays.
func Resolve(events []Event, overflow []int64, returnAfter time.Duration) (Resolution, error) {
	if returnAfter <= 0 {
		returnAfter = DefaultReturnAfter
	}
	var res Resolution
	if len(overflow) == 0 {
		res.Stay = append(res.Stay, events...)
		return res, checkResolution(events, res)
	}

	parked := make(map[int64]bool, len(overflow))
	for _, ch := range overflow {
		parked[ch] = true
	}
	candidates := make([]Event, 0, len(events))
	var exempt []Event
	for _, ev := range events {
		if !ev.HasTime || parked[ev.Channel] {
			exempt = append(exempt, ev)
			continue
		}
		candidates = append(candidates, ev)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.Key < b.Key
	})

	type interval struct{ start, end time.Time }
	var kept []interval
	for _, ev := range candidates {
		end := ev.Start.Add(returnAfter)
		conflict := false
		for _, k := range kept {
			if Overlaps(k.start, k.end, ev.Start, end) {
				conflict = true
				break
			}
		}
		if !conflict {
			kept = append(kept, interval{ev.Start, end})
			res.Stay = append(res.Stay, ev)
			continue
		}
		dest := overflow[len(res.Move)%len(overflow)]
		res.Move = append(res.Move, Move{Event: ev, Destination: dest})
	}
	res.Stay = append(res.Stay, exempt...)
	return res, checkResolution(events, res)
}

// checkResolution verifies that stay and move together carry exactly the
// input membership.
func checkResolution(events []Event, res Resolution) error {
	var before, after []int64
	for _, ev := range events {
		before = append(before, ev.StreamIDs()...)
	}
	for _, ev := range res.Stay {
		after = append(after, ev.StreamIDs()...)
	}
	for _, mv := range res.Move {
		after = append(after, mv.Event.StreamIDs()...)
	}
	if err := CheckConservation(before, after); err != nil {
		if ce, ok := err.(*ConsistencyError); ok {
			ce.Detail = "resolution membership differs from input"
		}
		return err
	}
	return nil
}
