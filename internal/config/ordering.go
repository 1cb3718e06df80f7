package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"eventorder/internal/ordering"
)

const (
	DefaultTick             = "@every 60s"
	DefaultFrequency        = 5 * time.Minute
	DefaultCallTimeout      = 15 * time.Second
	DefaultReturnAfterHours = 6
)

// FlexDuration accepts a Go duration string ("5m") or a bare number of
// seconds (300), which older configs used.
type FlexDuration time.Duration

func (d FlexDuration) Duration() time.Duration { return time.Duration(d) }

func (d FlexDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *FlexDuration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseDurationField("duration", s)
		if err != nil {
			return err
		}
		*d = FlexDuration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration: want string or seconds, got %s", string(b))
	}
	if secs < 0 {
		return fmt.Errorf("duration: must be >= 0")
	}
	*d = FlexDuration(time.Duration(secs * float64(time.Second)))
	return nil
}

// IDList is a list of channel ids written as numbers or numeric strings.
type IDList []int64

func (l *IDList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("channel id list: %w", err)
	}
	out := make(IDList, 0, len(raw))
	for _, r := range raw {
		id, err := parseID(r)
		if err != nil {
			return err
		}
		out = append(out, id)
	}
	*l = out
	return nil
}

func parseID(r json.RawMessage) (int64, error) {
	r = bytes.TrimSpace(r)
	var s string
	if len(r) > 0 && r[0] == '"' {
		if err := json.Unmarshal(r, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(r)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid channel id %s", string(r))
	}
	return id, nil
}

// ChannelConfig is one main channel's entry in ordering.channels.
type ChannelConfig struct {
	Pattern            string `json:"pattern,omitempty"`
	OverflowChannelIDs IDList `json:"overflow_channel_ids,omitempty"`
	// ReturnAfterHours defaults to 6 when omitted or zero.
	ReturnAfterHours float64 `json:"return_after_hours,omitempty"`
}

// UnmarshalJSON rejects unknown keys and folds the legacy single
// overflow_channel_id into the list.
func (c *ChannelConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Pattern            string          `json:"pattern"`
		OverflowChannelIDs IDList          `json:"overflow_channel_ids"`
		OverflowChannelID  json.RawMessage `json:"overflow_channel_id"`
		ReturnAfterHours   float64         `json:"return_after_hours"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	ids := t.OverflowChannelIDs
	legacy := bytes.TrimSpace(t.OverflowChannelID)
	if len(ids) == 0 && len(legacy) > 0 && !bytes.Equal(legacy, []byte("null")) {
		id, err := parseID(legacy)
		if err != nil {
			return err
		}
		if id > 0 {
			ids = IDList{id}
		}
	}
	*c = ChannelConfig{Pattern: t.Pattern, OverflowChannelIDs: ids, ReturnAfterHours: t.ReturnAfterHours}
	return nil
}

// ChannelsConfig maps main channel ids to their settings. The legacy list
// form [12, 13] yields entries with default settings.
type ChannelsConfig map[int64]ChannelConfig

func (m *ChannelsConfig) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	out := ChannelsConfig{}
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
	case b[0] == '[':
		var ids IDList
		if err := json.Unmarshal(b, &ids); err != nil {
			return err
		}
		for _, id := range ids {
			out[id] = ChannelConfig{}
		}
	default:
		var raw map[string]ChannelConfig
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		for k, v := range raw {
			id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
			if err != nil {
				return fmt.Errorf("ordering.channels: invalid channel id key %q", k)
			}
			out[id] = v
		}
	}
	*m = out
	return nil
}

// MarshalJSON writes the object form with sorted keys.
func (m ChannelsConfig) MarshalJSON() ([]byte, error) {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.FormatInt(id, 10)))
		buf.WriteByte(':')
		v, err := json.Marshal(channelJSON(m[id]))
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// channelJSON drops the custom unmarshaler so Marshal uses plain tags.
type channelJSON ChannelConfig

var jsNamedGroup = regexp.MustCompile(`\(\?<([A-Za-z_][A-Za-z0-9_]*)>`)

// NormalizePattern rewrites (?<name>...) captures to (?P<name>...) and makes
// the pattern case-insensitive. Blank stays blank.
func NormalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = jsNamedGroup.ReplaceAllString(p, "(?P<$1>")
	if !strings.HasPrefix(p, "(?i)") {
		p = "(?i)" + p
	}
	return p
}

// Snapshot builds the immutable view an ordering cycle runs against.
func (c *Config) Snapshot() ordering.Snapshot {
	o := c.Ordering
	snap := ordering.Snapshot{
		Enabled:     o.Enabled,
		Tick:        strings.TrimSpace(o.Tick),
		Frequency:   o.Frequency.Duration(),
		CallTimeout: o.CallTimeout.Duration(),
		Channels:    make(map[int64]ordering.ChannelConfig, len(o.Channels)),
	}
	if snap.Tick == "" {
		snap.Tick = DefaultTick
	}
	if snap.Frequency <= 0 {
		snap.Frequency = DefaultFrequency
	}
	if snap.CallTimeout <= 0 {
		snap.CallTimeout = DefaultCallTimeout
	}
	for id, ch := range o.Channels {
		hours := ch.ReturnAfterHours
		if hours <= 0 {
			hours = DefaultReturnAfterHours
		}
		snap.Channels[id] = ordering.ChannelConfig{
			ChannelID:          id,
			Pattern:            NormalizePattern(ch.Pattern),
			OverflowChannelIDs: append([]int64(nil), ch.OverflowChannelIDs...),
			ReturnAfter:        time.Duration(hours * float64(time.Hour)),
		}
	}
	return snap
}
