package lineup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventorder/internal/ordering"
	"eventorder/internal/overflow"
	logx "eventorder/pkg/logx"
)

// ChannelManager is the external system that owns channel membership.
// ReorderChannel replaces a channel's whole stream list, so one call per
// channel carries both membership and order.
type ChannelManager interface {
	ListStreams(ctx context.Context, channelID int64) ([]ordering.Stream, error)
	ReorderChannel(ctx context.Context, channelID int64, ids []int64, opts ordering.UpdateOptions) error
}

// Assignments is the slice of the overflow registry a pass needs.
type Assignments interface {
	Tracked(group int64) []overflow.Assignment
	Record(ctx context.Context, a overflow.Assignment)
	Retire(ctx context.Context, group int64, key ordering.EventKey)
}

// Job is one pass over one channel group.
type Job struct {
	Channel     ordering.ChannelConfig
	CallTimeout time.Duration
	RunID       string
	// DryRun computes the plan without touching the channel manager or the
	// registry.
	DryRun bool
}

// MoveReport describes one Event that changed channel.
type MoveReport struct {
	Key      ordering.EventKey `json:"event_key"`
	From     int64             `json:"from_channel_id"`
	To       int64             `json:"to_channel_id"`
	Streams  int               `json:"streams"`
	Returned bool              `json:"returned,omitempty"`
}

// Result summarizes a pass.
type Result struct {
	ChannelID       int64        `json:"channel_id"`
	RunID           string       `json:"run_id,omitempty"`
	Streams         int          `json:"streams"`
	EventsReordered int          `json:"events_reordered"`
	ConflictsFound  int          `json:"conflicts_found"`
	EventsMoved     int          `json:"events_moved"`
	EventsReturned  int          `json:"events_returned"`
	Committed       bool         `json:"committed"`
	Skipped         string       `json:"skipped,omitempty"`
	Order           []int64      `json:"order,omitempty"`
	Moves           []MoveReport `json:"moves,omitempty"`
}

// SkipEmpty marks a group without streams.
const SkipEmpty = "empty"

// Runner executes passes. It holds no per-pass state and is safe for
// concurrent use on different channel groups.
type Runner struct {
	mgr ChannelManager
	reg Assignments
	log logx.Logger
	now func() time.Time
}

func NewRunner(mgr ChannelManager, reg Assignments, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		mgr: mgr,
		reg: reg,
		log: log.With(logx.String("comp", "lineup")),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Run executes one pass: fetch, recall due events, resolve conflicts, order
// the main channel, verify conservation, then commit.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	cc := job.Channel
	main := cc.ChannelID
	res := Result{ChannelID: main, RunID: job.RunID}
	log := r.log.With(logx.Int64("channel_id", main), logx.String("run_id", job.RunID))
	now := r.now()

	x, err := ordering.NewExtractor(cc.Pattern)
	if err != nil {
		var pe *ordering.PatternError
		if errors.As(err, &pe) {
			pe.ChannelID = main
		}
		return res, err
	}

	overflowIDs := cc.Overflow()
	tracked := r.reg.Tracked(main)
	fetch := fetchOrder(cc, tracked)

	obs, err := r.observe(ctx, job, fetch)
	if err != nil {
		return res, err
	}
	res.Streams = len(obs.lists[main])

	w := newWorkspace(main, cc.Group(), fetch, obs, tracked, x, now)
	if len(w.owned) == 0 {
		res.Skipped = SkipEmpty
		log.Debug("group has no streams")
		return res, nil
	}

	// Recall first so a returning Event competes for the main channel.
	due := overflow.Sweep(tracked, now)
	for _, a := range due {
		w.place(a.Key, a.Origin)
	}

	var pending []overflow.Assignment
	if len(overflowIDs) > 0 {
		events := ordering.BuildEvents(w.workingEntries(), cc.Group())
		resolution, err := ordering.Resolve(events, overflowIDs, cc.ReturnAfterOrDefault())
		if err != nil {
			var ce *ordering.ConsistencyError
			if errors.As(err, &ce) {
				ce.ChannelID = main
			}
			log.Error("resolution membership mismatch", logx.Err(err))
			return res, err
		}
		for _, ev := range resolution.Stay {
			w.place(ev.Key, ev.Channel)
		}
		res.ConflictsFound = len(resolution.Move)
		for _, mv := range resolution.Move {
			already := w.allOn(mv.Event.Key, mv.Destination)
			w.place(mv.Event.Key, mv.Destination)
			if already {
				continue
			}
			pending = append(pending, overflow.NewAssignment(main, mv.Event.Key, mv.Event.StreamIDs(), mv.Destination, now, cc.ReturnAfterOrDefault()))
		}
	}

	final, plan, preOrder := w.finalLists(now)
	if err := ordering.CheckConservation(w.unique, flatten(fetch, final)); err != nil {
		var ce *ordering.ConsistencyError
		if errors.As(err, &ce) {
			ce.ChannelID = main
			ce.Detail = "final placement"
		}
		log.Error("stream conservation violated; nothing committed",
			logx.Int("before", len(w.unique)), logx.Err(err))
		return res, err
	}

	res.Order = final[main]
	res.EventsReordered = ordering.MovedKeys(w.mainEntries(final[main]), preOrder, final[main])
	res.Moves = w.moveReports(due)
	for _, m := range res.Moves {
		if m.Returned {
			res.EventsReturned++
		} else {
			res.EventsMoved++
		}
	}

	log.Debug("pass planned",
		logx.Int("active", plan.Active), logx.Int("past", plan.Past), logx.Int("unparsed", plan.Unparsed),
		logx.Int("conflicts", res.ConflictsFound), logx.Int("moves", res.EventsMoved), logx.Int("returns", res.EventsReturned))

	if job.DryRun {
		return res, nil
	}

	committed, err := r.commit(ctx, job, fetch, obs, final)
	res.Committed = committed
	if err != nil {
		return res, err
	}

	// The registry only learns about moves that actually landed.
	moving := map[ordering.EventKey]bool{}
	for _, a := range pending {
		moving[a.Key] = true
		r.reg.Record(ctx, a)
	}
	for _, a := range due {
		if moving[a.Key] {
			continue
		}
		if w.allOn(a.Key, a.Origin) || !w.hasKey(a.Key) {
			r.reg.Retire(ctx, main, a.Key)
		}
	}
	return res, nil
}

// fetchOrder is the group plus any channel still holding a tracked Event,
// so recall works after an overflow channel is dropped from the config.
func fetchOrder(cc ordering.ChannelConfig, tracked []overflow.Assignment) []int64 {
	out := cc.Group()
	seen := map[int64]bool{}
	for _, ch := range out {
		seen[ch] = true
	}
	for _, a := range tracked {
		if a.Destination > 0 && !seen[a.Destination] {
			seen[a.Destination] = true
			out = append(out, a.Destination)
		}
	}
	return out
}

type observation struct {
	lists map[int64][]ordering.Stream
}

func (r *Runner) observe(ctx context.Context, job Job, fetch []int64) (observation, error) {
	obs := observation{lists: make(map[int64][]ordering.Stream, len(fetch))}
	for _, ch := range fetch {
		var ss []ordering.Stream
		err := r.call(ctx, job.CallTimeout, func(ctx context.Context) error {
			var err error
			ss, err = r.mgr.ListStreams(ctx, ch)
			return err
		})
		if err != nil {
			return obs, upstreamErr(err, "list streams of channel %d", ch)
		}
		for i := range ss {
			ss[i].ChannelID = ch
		}
		obs.lists[ch] = ss
	}
	return obs, nil
}

func (r *Runner) call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// upstreamErr marks err as an upstream failure unless the channel manager
// already did.
func upstreamErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, ordering.ErrUpstreamUnavailable) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", ordering.ErrUpstreamUnavailable, msg, err)
}

// commit writes each changed channel once with its final list. Channels
// gaining streams go first so a moving stream always sits on at least one
// channel.
func (r *Runner) commit(ctx context.Context, job Job, fetch []int64, obs observation, final map[int64][]int64) (bool, error) {
	opts := ordering.UpdateOptions{AllowDeadStreams: true}
	var gaining, rest []int64
	for _, ch := range fetch {
		if equalIDs(streamIDs(obs.lists[ch]), final[ch]) {
			continue
		}
		if len(arrivals(obs.lists[ch], final[ch])) > 0 {
			gaining = append(gaining, ch)
		} else {
			rest = append(rest, ch)
		}
	}

	committed := false
	for _, ch := range append(gaining, rest...) {
		if err := r.call(ctx, job.CallTimeout, func(ctx context.Context) error {
			return r.mgr.ReorderChannel(ctx, ch, final[ch], opts)
		}); err != nil {
			return committed, upstreamErr(err, "write channel %d", ch)
		}
		committed = true
	}
	return committed, nil
}
