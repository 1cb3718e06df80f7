package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// tickParser accepts 5- and 6-field cron specs and descriptors.
var tickParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseTick normalizes a tick setting into a cron spec.
//
// Supported forms:
//   - Cron: "* * * * *", "@every 60s", "@hourly"
//   - Interval duration: "60s", "2m"
//   - Interval HH:MM: "00:01"
//
// An optional "cron:" or "every:" prefix forces the interpretation.
func ParseTick(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("tick required")
	}

	var spec string
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		spec = strings.TrimSpace(s[len("cron:"):])
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return "", err
		}
		spec = "@every " + d.String()
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		spec = s
	default:
		d, err := parseInterval(s)
		if err != nil {
			return "", fmt.Errorf("invalid tick %q (use cron like '* * * * *', HH:MM like '00:01', or duration like '60s')", raw)
		}
		spec = "@every " + d.String()
	}
	if _, err := tickParser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid tick %q: %w", raw, err)
	}
	return spec, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid hours in %q", v)
		}
		mm, err := strconv.Atoi(m[2])
		if err != nil || mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
