package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"eventorder/internal/ordering"
)

// PatternProblems lists channels whose custom pattern does not compile.
// They do not fail validation: such a channel reports a pattern error on
// every pass while the other channels keep running.
func PatternProblems(cfg *Config) []error {
	if cfg == nil {
		return nil
	}
	var errs []error
	for _, id := range sortedIDs(cfg.Ordering.Channels) {
		if p := NormalizePattern(cfg.Ordering.Channels[id].Pattern); p != "" {
			if _, err := ordering.CompilePattern(p); err != nil {
				errs = append(errs, fmt.Errorf("ordering.channels.%d: %w", id, err))
			}
		}
	}
	return errs
}

// Validate checks a parsed config before it is committed. Every problem is
// reported, not only the first one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if len(cfg.Ordering.Channels) > 0 || cfg.Ordering.Enabled {
		base := strings.TrimSpace(cfg.Dispatcharr.BaseURL)
		if base == "" {
			errs = append(errs, errors.New("dispatcharr.base_url is required"))
		} else if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("dispatcharr.base_url: invalid url %q", base))
		}
		d := cfg.Dispatcharr
		if strings.TrimSpace(d.Token) == "" && (strings.TrimSpace(d.Username) == "") != (d.Password == "") {
			errs = append(errs, errors.New("dispatcharr: username and password must be set together"))
		}
	}
	if cfg.Dispatcharr.RatePerSec < 0 || cfg.Dispatcharr.Burst < 0 {
		errs = append(errs, errors.New("dispatcharr: rate_per_sec and burst must be >= 0"))
	}

	for _, id := range sortedIDs(cfg.Ordering.Channels) {
		ch := cfg.Ordering.Channels[id]
		if id <= 0 {
			errs = append(errs, fmt.Errorf("ordering.channels: invalid channel id %d", id))
			continue
		}
		for _, o := range ch.OverflowChannelIDs {
			if o <= 0 {
				errs = append(errs, fmt.Errorf("ordering.channels.%d: invalid overflow channel id %d", id, o))
			}
			if o == id {
				errs = append(errs, fmt.Errorf("ordering.channels.%d: channel lists itself as overflow", id))
			}
		}
		if ch.ReturnAfterHours < 0 {
			errs = append(errs, fmt.Errorf("ordering.channels.%d: return_after_hours must be >= 0", id))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Ops.Enabled {
		addr := cfg.Ops.Addr
		if strings.TrimSpace(addr) == "" {
			addr = DefaultOpsAddr
		}
		if !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			errs = append(errs, fmt.Errorf("ops: non-loopback addr %q requires token (or allow_insecure)", addr))
		}
		for path, raw := range map[string]string{
			"ops.read_timeout":  cfg.Ops.ReadTimeout,
			"ops.write_timeout": cfg.Ops.WriteTimeout,
			"ops.idle_timeout":  cfg.Ops.IdleTimeout,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if t := cfg.Telegram; t != nil && strings.TrimSpace(t.Token) != "" {
		if _, err := ParseDurationField("telegram.poll_timeout", t.PollTimeout); err != nil {
			errs = append(errs, err)
		}
		if strings.TrimSpace(t.GroupLog) != "" {
			if _, ok := t.LogChatID(); !ok {
				errs = append(errs, fmt.Errorf("telegram.group_log: invalid chat id %q", t.GroupLog))
			}
		}
	}

	return errors.Join(errs...)
}

// DefaultOpsAddr is used when ops.addr is empty.
const DefaultOpsAddr = "127.0.0.1:8089"

// IsLoopbackAddr reports whether a listen address only accepts local
// connections. An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
