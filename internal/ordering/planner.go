package ordering

import (
	"sort"
	"time"
)

// Entry is a stream annotated with its extraction and its position in the
// list it was read from.
type Entry struct {
	Stream
	Extraction
	Index int
}

// Annotate extracts every stream name once.
func Annotate(streams []Stream, x *Extractor, now time.Time) []Entry {
	if x == nil {
		x = DefaultExtractor()
	}
	out := make([]Entry, len(streams))
	for i, s := range streams {
		out[i] = Entry{Stream: s, Extraction: x.Extract(s.Name, now), Index: i}
	}
	return out
}

// IsActive reports whether a start time is upcoming or within LiveWindow.
func IsActive(ex Extraction, now time.Time) bool {
	return ex.HasTime && now.Sub(ex.Start) < LiveWindow
}

// Plan is the outcome of ordering one channel.
type Plan struct {
	Order []int64
	// Active, Past and Unparsed count entries per class; Unparsed entries
	// are also counted as Past.
	Active   int
	Past     int
	Unparsed int
}

// PlanOrder computes the target order of a single channel. The result is a
// permutation of the input ids and depends only on the entries and now.
//
// Active entries come first, ascending by (start, key). The remainder
// follows: timed entries descending by (start, key), then entries without a
// time descending by key. Remaining ties keep their input order.
func PlanOrder(entries []Entry, now time.Time) Plan {
	active := make([]Entry, 0, len(entries))
	past := make([]Entry, 0, len(entries))
	var p Plan
	for _, e := range entries {
		if IsActive(e.Extraction, now) {
			active = append(active, e)
			continue
		}
		past = append(past, e)
		if !e.HasTime {
			p.Unparsed++
		}
	}

	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Index < b.Index
	})
	sort.Slice(past, func(i, j int) bool {
		a, b := past[i], past[j]
		if a.HasTime != b.HasTime {
			return a.HasTime
		}
		if a.HasTime && !a.Start.Equal(b.Start) {
			return a.Start.After(b.Start)
		}
		if a.Key != b.Key {
			return a.Key > b.Key
		}
		return a.Index < b.Index
	})

	p.Active, p.Past = len(active), len(past)
	p.Order = make([]int64, 0, len(entries))
	for _, e := range active {
		p.Order = append(p.Order, e.ID)
	}
	for _, e := range past {
		p.Order = append(p.Order, e.ID)
	}
	return p
}

// PlanStreams extracts and orders in one step.
func PlanStreams(streams []Stream, x *Extractor, now time.Time) Plan {
	return PlanOrder(Annotate(streams, x, now), now)
}

// MovedKeys counts the distinct event keys whose stream changed position
// between two orderings of the same ids.
func MovedKeys(entries []Entry, before, after []int64) int {
	keyOf := make(map[int64]EventKey, len(entries))
	for _, e := range entries {
		keyOf[e.ID] = e.Key
	}
	moved := map[EventKey]bool{}
	for i, id := range after {
		if i >= len(before) || before[i] != id {
			moved[keyOf[id]] = true
		}
	}
	return len(moved)
}
