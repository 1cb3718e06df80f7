package lineup

import (
	"time"

	"eventorder/internal/ordering"
	"eventorder/internal/overflow"
)

type position struct {
	channel int64
	index   int
}

// workspace is the mutable placement of one pass. Only streams owned by the
// group are ever relocated; foreign streams on shared overflow channels keep
// their place.
type workspace struct {
	main  int64
	group map[int64]bool
	fetch []int64
	obs   observation

	entries   []ordering.Entry // first occurrence of every stream, fetch order
	byID      map[int64]int
	firstAt   map[int64]position
	owned     []int
	ownedID   map[int64]bool
	byKey     map[ordering.EventKey][]int
	placement map[int64]int64
	unique    []int64
}

func newWorkspace(main int64, group, fetch []int64, obs observation, tracked []overflow.Assignment, x *ordering.Extractor, now time.Time) *workspace {
	w := &workspace{
		main:      main,
		group:     map[int64]bool{},
		fetch:     fetch,
		obs:       obs,
		byID:      map[int64]int{},
		firstAt:   map[int64]position{},
		ownedID:   map[int64]bool{},
		byKey:     map[ordering.EventKey][]int{},
		placement: map[int64]int64{},
	}
	for _, ch := range group {
		w.group[ch] = true
	}

	for _, ch := range fetch {
		for pos, s := range obs.lists[ch] {
			if _, dup := w.firstAt[s.ID]; dup {
				continue
			}
			w.firstAt[s.ID] = position{ch, pos}
			w.byID[s.ID] = len(w.entries)
			w.entries = append(w.entries, ordering.Entry{
				Stream:     s,
				Extraction: x.Extract(s.Name, now),
				Index:      len(w.entries),
			})
			w.unique = append(w.unique, s.ID)
		}
	}

	mainKeys := map[ordering.EventKey]bool{}
	for _, e := range w.entries {
		if e.ChannelID == main && e.Key != ordering.UnorderedKey {
			mainKeys[e.Key] = true
		}
	}
	trackedKeys := map[ordering.EventKey]bool{}
	for _, a := range tracked {
		trackedKeys[a.Key] = true
	}
	for i, e := range w.entries {
		if e.ChannelID != main && !mainKeys[e.Key] && !trackedKeys[e.Key] {
			continue
		}
		w.owned = append(w.owned, i)
		w.ownedID[e.ID] = true
		w.byKey[e.Key] = append(w.byKey[e.Key], i)
		w.placement[e.ID] = e.ChannelID
	}
	return w
}

// place relocates every owned member of key.
func (w *workspace) place(key ordering.EventKey, ch int64) {
	for _, i := range w.byKey[key] {
		w.placement[w.entries[i].ID] = ch
	}
}

func (w *workspace) hasKey(key ordering.EventKey) bool { return len(w.byKey[key]) > 0 }

// allOn reports whether every owned member of key is placed on ch.
func (w *workspace) allOn(key ordering.EventKey, ch int64) bool {
	for _, i := range w.byKey[key] {
		if w.placement[w.entries[i].ID] != ch {
			return false
		}
	}
	return true
}

// workingEntries are the owned entries at their current placement, limited
// to the configured group.
func (w *workspace) workingEntries() []ordering.Entry {
	out := make([]ordering.Entry, 0, len(w.owned))
	for _, i := range w.owned {
		e := w.entries[i]
		e.ChannelID = w.placement[e.ID]
		if !w.group[e.ChannelID] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// finalLists derives every channel's target list. Kept streams retain
// their observed position, arrivals are appended in fetch order and the
// main channel is then fully ordered. preOrder is the main list before
// ordering.
func (w *workspace) finalLists(now time.Time) (map[int64][]int64, ordering.Plan, []int64) {
	final := make(map[int64][]int64, len(w.fetch))
	for _, ch := range w.fetch {
		for pos, s := range w.obs.lists[ch] {
			if w.firstAt[s.ID] != (position{ch, pos}) {
				continue
			}
			if w.ownedID[s.ID] && w.placement[s.ID] != ch {
				continue
			}
			final[ch] = append(final[ch], s.ID)
		}
	}
	for _, i := range w.owned {
		e := w.entries[i]
		if dest := w.placement[e.ID]; dest != e.ChannelID {
			final[dest] = append(final[dest], e.ID)
		}
	}

	preOrder := final[w.main]
	plan := ordering.PlanOrder(w.mainEntries(preOrder), now)
	final[w.main] = plan.Order
	return final, plan, preOrder
}

// mainEntries returns the entries for ids, indexed by their position in ids.
func (w *workspace) mainEntries(ids []int64) []ordering.Entry {
	out := make([]ordering.Entry, 0, len(ids))
	for pos, id := range ids {
		e := w.entries[w.byID[id]]
		e.ChannelID = w.main
		e.Index = pos
		out = append(out, e)
	}
	return out
}

// moveReports lists every owned Event whose channel changed, in first-seen
// order. Events arriving on the main channel through recall are flagged as
// returned.
func (w *workspace) moveReports(due []overflow.Assignment) []MoveReport {
	dueKeys := map[ordering.EventKey]bool{}
	for _, a := range due {
		dueKeys[a.Key] = true
	}
	var out []MoveReport
	seen := map[ordering.EventKey]bool{}
	for _, i := range w.owned {
		key := w.entries[i].Key
		if seen[key] {
			continue
		}
		seen[key] = true

		members := w.byKey[key]
		changed := false
		for _, j := range members {
			e := w.entries[j]
			if w.placement[e.ID] != e.ChannelID {
				changed = true
				break
			}
		}
		if !changed {
			continue
		}
		to := w.placement[w.entries[members[0]].ID]
		out = append(out, MoveReport{
			Key:      key,
			From:     observedHome(w, members),
			To:       to,
			Streams:  len(members),
			Returned: dueKeys[key] && to == w.main,
		})
	}
	return out
}

func observedHome(w *workspace, members []int) int64 {
	counts := map[int64]int{}
	best, bestN := int64(0), 0
	for _, j := range members {
		ch := w.entries[j].ChannelID
		counts[ch]++
		if counts[ch] > bestN {
			best, bestN = ch, counts[ch]
		}
	}
	return best
}

// arrivals are the ids of final not currently on the channel.
func arrivals(current []ordering.Stream, final []int64) []int64 {
	have := make(map[int64]bool, len(current))
	for _, s := range current {
		have[s.ID] = true
	}
	var out []int64
	for _, id := range final {
		if !have[id] {
			out = append(out, id)
		}
	}
	return out
}

func streamIDs(ss []ordering.Stream) []int64 {
	out := make([]int64, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}

func flatten(fetch []int64, final map[int64][]int64) []int64 {
	var out []int64
	for _, ch := range fetch {
		out = append(out, final[ch]...)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
