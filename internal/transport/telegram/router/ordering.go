package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"eventorder/internal/eventbus"
	"eventorder/internal/ordering"
	"eventorder/internal/overflow"
	"eventorder/internal/scheduler"
	kit "eventorder/internal/transport"
	logx "eventorder/pkg/logx"
)

// Orderer is the scheduler surface the chat commands drive.
type Orderer interface {
	Trigger(ctx context.Context, channelID int64, opts scheduler.TriggerOptions) ([]scheduler.ChannelOutcome, error)
	Status() []scheduler.ChannelStatus
}

// OrderingCommands returns the owner-only ordering commands.
func OrderingCommands(o Orderer, assignments func() []overflow.Assignment) []Command {
	return []Command{
		{
			Name:        "order_run",
			Aliases:     []string{"or"},
			Description: "run an ordering pass now",
			Usage:       "/order_run [channel_id] [dry]",
			Access:      AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				var id int64
				dry := false
				for _, a := range req.Args {
					if strings.EqualFold(a, "dry") || a == "--dry-run" {
						dry = true
						continue
					}
					n, err := strconv.ParseInt(a, 10, 64)
					if err != nil || n <= 0 {
						return req.Reply(ctx, "usage: <code>/order_run [channel_id] [dry]</code>")
					}
					id = n
				}
				outs, err := o.Trigger(ctx, id, scheduler.TriggerOptions{DryRun: dry})
				if errors.Is(err, scheduler.ErrUnknownChannel) {
					return req.Reply(ctx, fmt.Sprintf("channel %d is not configured", id))
				}
				if err != nil {
					return err
				}
				return req.Reply(ctx, FormatOutcomes(outs))
			},
		},
		{
			Name:        "order_status",
			Aliases:     []string{"os"},
			Description: "show per-channel status and parked events",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				text := formatStatus(o.Status(), time.Now())
				if assignments != nil {
					text += "\n\n" + formatAssignments(assignments())
				}
				return req.Reply(ctx, text)
			},
		},
		{
			Name:        "order_overflow",
			Description: "list events parked on overflow channels",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				var as []overflow.Assignment
				if assignments != nil {
					as = assignments()
				}
				return req.Reply(ctx, formatAssignments(as))
			},
		},
	}
}

// FormatOutcomes renders run outcomes as Telegram HTML.
func FormatOutcomes(outs []scheduler.ChannelOutcome) string {
	if len(outs) == 0 {
		return "no channels configured"
	}
	var b strings.Builder
	for _, oc := range outs {
		mark := "✅"
		if !oc.OK {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s <b>channel %d</b>", mark, oc.ChannelID)
		if oc.DryRun {
			b.WriteString(" (dry run)")
		}
		b.WriteByte('\n')
		if !oc.OK {
			fmt.Fprintf(&b, "  %s: %s\n", html.EscapeString(oc.ErrorKind), html.EscapeString(oc.Error))
			continue
		}
		r := oc.Result
		if r.Skipped != "" {
			fmt.Fprintf(&b, "  skipped: %s\n", html.EscapeString(r.Skipped))
			continue
		}
		fmt.Fprintf(&b, "  streams %d, events %d, conflicts %d, moved %d, returned %d\n",
			r.Streams, r.EventsReordered, r.ConflictsFound, r.EventsMoved, r.EventsReturned)
		for _, mv := range r.Moves {
			b.WriteString("  " + formatMove(mv.Key, mv.From, mv.To, mv.Streams, mv.Returned) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatMove(key ordering.EventKey, from, to int64, streams int, returned bool) string {
	verb := "moved"
	if returned {
		verb = "returned"
	}
	return fmt.Sprintf("event %d %s %d → %d (%d streams)", key, verb, from, to, streams)
}

func formatStatus(st []scheduler.ChannelStatus, now time.Time) string {
	if len(st) == 0 {
		return "no channels configured"
	}
	var b strings.Builder
	for _, s := range st {
		fmt.Fprintf(&b, "<b>channel %d</b>", s.ChannelID)
		if s.InFlight {
			b.WriteString(" (running)")
		}
		b.WriteByte('\n')
		if !s.LastRun.IsZero() {
			fmt.Fprintf(&b, "  last run %s ago\n", now.Sub(s.LastRun).Truncate(time.Second))
		}
		if !s.NextDue.IsZero() {
			fmt.Fprintf(&b, "  next due %s\n", s.NextDue.UTC().Format(time.RFC3339))
		}
		if s.BreakerOpenUntil.After(now) {
			fmt.Fprintf(&b, "  suspended until %s\n", s.BreakerOpenUntil.UTC().Format(time.RFC3339))
		}
		if s.Last != nil && !s.Last.OK {
			fmt.Fprintf(&b, "  last error (%s): %s\n", html.EscapeString(s.Last.ErrorKind), html.EscapeString(s.Last.Error))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAssignments(as []overflow.Assignment) string {
	if len(as) == 0 {
		return "no events parked on overflow channels"
	}
	var b strings.Builder
	for _, a := range as {
		fmt.Fprintf(&b, "event %d of %d on %d, %d streams, returns %s\n",
			a.Key, a.Group, a.Destination, len(a.StreamIDs), a.Deadline.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Announcer posts overflow moves and returns from committed passes to a chat.
type Announcer struct {
	bus     eventbus.Bus
	adapter kit.Adapter
	target  kit.ChatTarget
	log     logx.Logger
}

func NewAnnouncer(bus eventbus.Bus, adapter kit.Adapter, target kit.ChatTarget, log logx.Logger) *Announcer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Announcer{bus: bus, adapter: adapter, target: target, log: log.With(logx.String("comp", "telegram.announce"))}
}

// Run forwards announcements until ctx ends.
func (a *Announcer) Run(ctx context.Context) error {
	ch, unsubscribe := a.bus.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text := announcement(e)
			if text == "" {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := a.adapter.SendText(sctx, a.target, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
			if err != nil {
				a.log.Warn("announcement failed", logx.Err(err))
			}
		}
	}
}

// announcement renders an ordering cycle event. It is empty unless the pass
// committed at least one move or return.
func announcement(e eventbus.Event) string {
	if e.Type != eventbus.TypeOrderingCycle {
		return ""
	}
	oc, ok := e.Data.(scheduler.ChannelOutcome)
	if !ok || !oc.OK || oc.DryRun || !oc.Result.Committed || len(oc.Result.Moves) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>channel %d</b> overflow\n", oc.ChannelID)
	for _, mv := range oc.Result.Moves {
		b.WriteString(formatMove(mv.Key, mv.From, mv.To, mv.Streams, mv.Returned) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
