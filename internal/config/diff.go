package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "eventorder/pkg/logx"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging. Secrets (tokens, passwords) are
// only reported as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	oT, nT := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if strings.TrimSpace(oT.PollTimeout) != strings.TrimSpace(nT.PollTimeout) ||
		!reflect.DeepEqual(oT.OwnerUserIDs, nT.OwnerUserIDs) ||
		strings.TrimSpace(oT.GroupLog) != strings.TrimSpace(nT.GroupLog) ||
		oT.Announce != nT.Announce ||
		oT.Token != nT.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Int("telegram.owner_count", len(nT.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nT.GroupLog) != ""),
			logx.Bool("telegram.announce", nT.Announce),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Dispatcharr (never log token/password)
	oD, nD := oldCfg.Dispatcharr, newCfg.Dispatcharr
	if oD != nD {
		changed = append(changed, "dispatcharr")
		attrs = append(attrs,
			logx.String("dispatcharr.base_url", strings.TrimSpace(nD.BaseURL)),
			logx.Bool("dispatcharr.token_set", strings.TrimSpace(nD.Token) != ""),
			logx.Bool("dispatcharr.login_set", strings.TrimSpace(nD.Username) != ""),
			logx.Duration("dispatcharr.timeout", nD.Timeout.Duration()),
		)
	}

	oO, nO := oldCfg.Ordering, newCfg.Ordering
	if oO.Enabled != nO.Enabled ||
		strings.TrimSpace(oO.Tick) != strings.TrimSpace(nO.Tick) ||
		oO.Frequency != nO.Frequency ||
		oO.CallTimeout != nO.CallTimeout ||
		!reflect.DeepEqual(oO.Channels, nO.Channels) {
		changed = append(changed, "ordering")
		snap := newCfg.Snapshot()
		attrs = append(attrs,
			logx.Bool("ordering.enabled", snap.Enabled),
			logx.String("ordering.tick", snap.Tick),
			logx.Duration("ordering.frequency", snap.Frequency),
			logx.Int("ordering.channel_count", len(snap.Channels)),
			logx.Int64s("ordering.channels_changed", diffChannels(oO.Channels, nO.Channels)),
		)
	}

	// Storage (persistence). Nil means disabled.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

// diffChannels lists main channel ids that were added, removed or changed.
func diffChannels(oldM, newM ChannelsConfig) []int64 {
	set := map[int64]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		o, okO := oldM[id]
		n, okN := newM[id]
		if okO != okN || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedIDs(m ChannelsConfig) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
