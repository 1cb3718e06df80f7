package scheduler

import (
	"sync"
	"time"
)

// BreakerConfig suspends scheduled runs of a channel after repeated
// failures. Trip < 0 disables it.
type BreakerConfig struct {
	Trip       int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Trip == 0 {
		c.Trip = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// breaker is a consecutive-failure circuit per channel:
//   - success closes it and clears the count;
//   - once failures reach Trip it opens for BaseDelay, doubling per further
//     failure up to MaxDelay;
//   - a channel that has not failed for ResetAfter starts over.
type breaker struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[int64]*breakerState
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults(), m: map[int64]*breakerState{}}
}

func (b *breaker) stateLocked(now time.Time, id int64) *breakerState {
	st := b.m[id]
	if st == nil {
		st = &breakerState{}
		b.m[id] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		*st = breakerState{}
	}
	return st
}

// open reports whether scheduled runs of id are suspended and until when.
func (b *breaker) open(now time.Time, id int64) (bool, time.Time) {
	if b.cfg.Trip < 0 {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(now, id)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record feeds a pass result. It returns whether the breaker is open after.
func (b *breaker) record(now time.Time, id int64, failed bool) bool {
	if b.cfg.Trip < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(now, id)
	if !failed {
		*st = breakerState{}
		return false
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.Trip {
		return false
	}
	d := b.cfg.BaseDelay
	for i := 0; i < st.fails-b.cfg.Trip && d < b.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	st.openUntil = now.Add(d)
	return true
}
