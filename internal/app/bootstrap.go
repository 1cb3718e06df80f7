package app

import (
	"strings"
	"time"

	"eventorder/internal/channels"
	"eventorder/internal/config"
	telegram "eventorder/internal/transport/telegram/adapter"
	logx "eventorder/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	out := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	// Without a chat the sink has nowhere to go.
	if chatID, ok := cfg.Telegram.LogChatID(); ok && telegramEnabled(cfg) {
		out.Telegram.ChatID = chatID
	} else {
		out.Telegram.Enabled = false
	}
	return out
}

func mapChannelsConfig(cfg *config.Config) channels.Config {
	d := cfg.Dispatcharr
	return channels.Config{
		BaseURL:    strings.TrimSpace(d.BaseURL),
		Token:      strings.TrimSpace(d.Token),
		Username:   d.Username,
		Password:   d.Password,
		Timeout:    d.Timeout.Duration(),
		RatePerSec: d.RatePerSec,
		Burst:      d.Burst,
		UserAgent:  "eventorder",
	}
}

func telegramEnabled(cfg *config.Config) bool {
	return cfg.Telegram != nil && strings.TrimSpace(cfg.Telegram.Token) != ""
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
	}
}
