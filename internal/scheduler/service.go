package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"eventorder/internal/eventbus"
	"eventorder/internal/lineup"
	"eventorder/internal/metrics"
	"eventorder/internal/ordering"
	logx "eventorder/pkg/logx"
)

// ErrUnknownChannel is returned by Trigger for an id that is not configured.
var ErrUnknownChannel = errors.New("channel is not configured for ordering")

// Runner executes one pass over one channel group.
type Runner interface {
	Run(ctx context.Context, job lineup.Job) (lineup.Result, error)
}

const (
	TriggerTick   = "tick"
	TriggerManual = "manual"
)

// ChannelOutcome is the per-channel answer of a pass.
type ChannelOutcome struct {
	ChannelID int64         `json:"channel_id"`
	RunID     string        `json:"run_id"`
	Trigger   string        `json:"trigger"`
	DryRun    bool          `json:"dry_run,omitempty"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Started   time.Time     `json:"started"`
	Took      time.Duration `json:"took"`
	Result    lineup.Result `json:"result"`
}

// ChannelStatus is a point-in-time view of one configured channel.
type ChannelStatus struct {
	ChannelID        int64           `json:"channel_id"`
	InFlight         bool            `json:"in_flight"`
	LastRun          time.Time       `json:"last_run,omitempty"`
	NextDue          time.Time       `json:"next_due,omitempty"`
	BreakerOpenUntil time.Time       `json:"breaker_open_until,omitempty"`
	Last             *ChannelOutcome `json:"last,omitempty"`
}

type Config struct {
	Breaker BreakerConfig
}

type channelState struct {
	// slot is held for the whole pass; capacity 1.
	slot chan struct{}

	mu      sync.Mutex
	lastRun time.Time
	last    *ChannelOutcome
}

func (c *channelState) tryAcquire() bool {
	select {
	case c.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *channelState) acquire() { c.slot <- struct{}{} }

func (c *channelState) release() { <-c.slot }

type Service struct {
	runner  Runner
	source  func() ordering.Snapshot
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	breaker *breaker

	manual singleflight.Group

	mu       sync.Mutex
	c        *cron.Cron
	spec     string
	cancel   context.CancelFunc
	channels map[int64]*channelState
}

// New creates the scheduler. source is read at the start of every tick and
// every trigger, so configuration reloads apply to the next pass.
func New(cfg Config, runner Runner, source func() ordering.Snapshot, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		runner:   runner,
		source:   source,
		bus:      bus,
		log:      log.With(logx.String("comp", "scheduler")),
		now:      func() time.Time { return time.Now().UTC() },
		breaker:  newBreaker(cfg.Breaker),
		channels: map[int64]*channelState{},
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) state(id int64) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.channels[id]
	if st == nil {
		st = &channelState{slot: make(chan struct{}, 1)}
		s.channels[id] = st
	}
	return st
}

// Start begins ticking. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	spec, err := ParseTick(s.source().Tick)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(tickParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, func() { s.RunDue(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("tick %q: %w", spec, err)
	}
	c.Start()
	s.c, s.spec, s.cancel = c, spec, cancel
	s.log.Info("scheduler started", logx.String("tick", spec))
	return nil
}

// Reconfigure restarts the cron when the tick setting changed.
func (s *Service) Reconfigure(ctx context.Context) error {
	spec, err := ParseTick(s.source().Tick)
	if err != nil {
		return err
	}
	s.mu.Lock()
	running, same := s.c != nil, s.spec == spec
	s.mu.Unlock()
	if !running || same {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

// Stop stops ticking and waits for a running tick to finish or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.spec = nil, nil, ""
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// RunDue runs every due channel once, in ascending id order. It does nothing
// while ordering is disabled.
func (s *Service) RunDue(ctx context.Context) []ChannelOutcome {
	snap := s.source()
	if !snap.Enabled {
		return nil
	}
	var out []ChannelOutcome
	for _, id := range snap.ChannelIDs() {
		if ctx.Err() != nil {
			break
		}
		now := s.now()
		st := s.state(id)
		st.mu.Lock()
		due := st.lastRun.IsZero() || !now.Before(st.lastRun.Add(snap.Frequency))
		st.mu.Unlock()
		if !due {
			continue
		}
		if open, until := s.breaker.open(now, id); open {
			s.log.Debug("channel suspended after repeated failures",
				logx.Int64("channel_id", id), logx.Time("until", until))
			continue
		}
		if !st.tryAcquire() {
			metrics.ObserveCoalesced(id)
			s.log.Debug("pass already in flight; tick coalesced", logx.Int64("channel_id", id))
			continue
		}
		oc := s.runChannel(ctx, snap, id, TriggerTick, false)
		st.release()
		out = append(out, oc)
	}
	return out
}

// TriggerOptions tunes a manual run.
type TriggerOptions struct {
	DryRun bool
}

// Trigger runs one channel, or every configured channel when channelID is 0,
// regardless of the enabled flag, frequency and breaker. Runs are not
// cancelled by ctx once started. Concurrent triggers for the same channel
// share one pass; a scheduled pass in flight is waited for.
func (s *Service) Trigger(ctx context.Context, channelID int64, opts TriggerOptions) ([]ChannelOutcome, error) {
	snap := s.source()
	ids := snap.ChannelIDs()
	if channelID != 0 {
		if _, ok := snap.Channel(channelID); !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
		}
		ids = []int64{channelID}
	}
	ctx = context.WithoutCancel(ctx)

	out := make([]ChannelOutcome, 0, len(ids))
	for _, id := range ids {
		key := strconv.FormatInt(id, 10)
		if opts.DryRun {
			key += "/dry"
		}
		v, _, _ := s.manual.Do(key, func() (any, error) {
			st := s.state(id)
			st.acquire()
			defer st.release()
			return s.runChannel(ctx, snap, id, TriggerManual, opts.DryRun), nil
		})
		out = append(out, v.(ChannelOutcome))
	}
	return out, nil
}

// runChannel is the per-channel fault boundary: errors and panics end up in
// the outcome and never escape.
func (s *Service) runChannel(ctx context.Context, snap ordering.Snapshot, id int64, trigger string, dry bool) ChannelOutcome {
	cc, _ := snap.Channel(id)
	started := s.now()
	oc := ChannelOutcome{
		ChannelID: id,
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		DryRun:    dry,
		Started:   started,
	}
	log := s.log.With(
		logx.Int64("channel_id", id),
		logx.String("run_id", oc.RunID),
		logx.String("trigger", trigger),
	)
	st := s.state(id)
	if !dry {
		st.mu.Lock()
		st.lastRun = started
		st.mu.Unlock()
	}

	clock := time.Now()
	res, err := s.safeRun(ctx, lineup.Job{
		Channel:     cc,
		CallTimeout: snap.CallTimeout,
		RunID:       oc.RunID,
		DryRun:      dry,
	}, log)
	oc.Took = time.Since(clock)
	oc.Result = res

	outcome := "ok"
	switch {
	case err != nil:
		oc.Error = err.Error()
		oc.ErrorKind = ordering.ErrorKind(err)
		outcome = oc.ErrorKind
		log.Warn("ordering pass failed",
			logx.String("kind", oc.ErrorKind), logx.Err(err), logx.Duration("took", oc.Took))
	case res.Skipped != "":
		oc.OK = true
		outcome = "skipped"
		log.Debug("ordering pass skipped", logx.String("reason", res.Skipped))
	default:
		oc.OK = true
		log.Info("ordering pass done",
			logx.Int("streams", res.Streams),
			logx.Int("reordered", res.EventsReordered),
			logx.Int("conflicts", res.ConflictsFound),
			logx.Int("moved", res.EventsMoved),
			logx.Int("returned", res.EventsReturned),
			logx.Bool("committed", res.Committed),
			logx.Bool("dry_run", dry),
			logx.Duration("took", oc.Took),
		)
	}
	if dry {
		return oc
	}

	open := s.breaker.record(started, id, err != nil)
	metrics.SetBreakerOpen(id, open)
	if open {
		log.Warn("scheduled runs suspended after repeated failures")
	}
	metrics.ObserveCycle(metrics.Cycle{
		ChannelID: id,
		Trigger:   trigger,
		Outcome:   outcome,
		Took:      oc.Took,
		Conflicts: res.ConflictsFound,
		Moved:     res.EventsMoved,
		Returned:  res.EventsReturned,
	})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeOrderingCycle, Time: started, Data: oc})
	}
	last := oc
	st.mu.Lock()
	st.last = &last
	st.mu.Unlock()
	return oc
}

func (s *Service) safeRun(ctx context.Context, job lineup.Job, log logx.Logger) (res lineup.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in ordering pass: %v", r)
			log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.runner.Run(ctx, job)
}

// Status reports every configured channel in ascending id order.
func (s *Service) Status() []ChannelStatus {
	snap := s.source()
	now := s.now()
	out := make([]ChannelStatus, 0, len(snap.Channels))
	for _, id := range snap.ChannelIDs() {
		st := s.state(id)
		cs := ChannelStatus{ChannelID: id, InFlight: len(st.slot) > 0}
		st.mu.Lock()
		cs.LastRun = st.lastRun
		if st.last != nil {
			last := *st.last
			cs.Last = &last
		}
		st.mu.Unlock()
		if cs.LastRun.IsZero() {
			cs.NextDue = now
		} else {
			cs.NextDue = cs.LastRun.Add(snap.Frequency)
		}
		if open, until := s.breaker.open(now, id); open {
			cs.BreakerOpenUntil = until
		}
		out = append(out, cs)
	}
	return out
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	if len(kv) > 0 {
		l.log.Debug("cron: "+msg, logx.Any("kv", kv))
		return
	}
	l.log.Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
