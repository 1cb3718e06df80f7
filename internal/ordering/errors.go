package ordering

import (
	"errors"
	"fmt"
)

var (
	// ErrPatternCompile marks a custom pattern that is not a valid expression.
	ErrPatternCompile = errors.New("pattern does not compile")
	// ErrConsistency marks a plan that would lose or duplicate a stream.
	ErrConsistency = errors.New("stream conservation violated")
	// ErrUpstreamUnavailable marks any failed call to the channel manager.
	ErrUpstreamUnavailable = errors.New("channel manager unavailable")
)

// PatternError reports a channel whose pattern failed to compile.
type PatternError struct {
	ChannelID int64
	Pattern   string
	Err       error
}

func (e *PatternError) Error() string {
	if e.ChannelID != 0 {
		return fmt.Sprintf("channel %d: %v: %q: %v", e.ChannelID, ErrPatternCompile, e.Pattern, e.Err)
	}
	return fmt.Sprintf("%v: %q: %v", ErrPatternCompile, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

func (e *PatternError) Is(target error) bool { return target == ErrPatternCompile }

// ConsistencyError reports a resolution or final placement that does not
// account for every stream exactly once.
type ConsistencyError struct {
	ChannelID int64
	Missing   []int64
	Extra     []int64
	Detail    string
}

func (e *ConsistencyError) Error() string {
	msg := ErrConsistency.Error()
	if e.ChannelID != 0 {
		msg = fmt.Sprintf("channel %d: %s", e.ChannelID, msg)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(" missing=%v", e.Missing)
	}
	if len(e.Extra) > 0 {
		msg += fmt.Sprintf(" extra=%v", e.Extra)
	}
	return msg
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// ErrorKind buckets a cycle error for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPatternCompile):
		return "pattern"
	case errors.Is(err, ErrConsistency):
		return "consistency"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream"
	default:
		return "internal"
	}
}

// CheckConservation verifies that after holds exactly the ids of before,
// each once. Order is ignored; before must not repeat an id.
func CheckConservation(before, after []int64) error {
	want := make(map[int64]int, len(before))
	for _, id := range before {
		want[id]++
	}
	got := make(map[int64]int, len(after))
	var extra []int64
	for _, id := range after {
		got[id]++
		if got[id] > 1 || want[id] == 0 {
			extra = append(extra, id)
		}
	}
	var missing []int64
	for _, id := range before {
		if got[id] == 0 {
			missing = append(missing, id)
			got[id] = -1
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	return &ConsistencyError{Missing: missing, Extra: extra}
}
