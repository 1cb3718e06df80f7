package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"eventorder/internal/channels"
	"eventorder/internal/ordering"
	logx "eventorder/pkg/logx"
)

// clientSwitch is the ChannelManager handed to the runner. The Dispatcharr
// client behind it is rebuilt when its config section changes, so a pass
// always sees one consistent client.
type clientSwitch struct {
	cur atomic.Pointer[channels.Client]
}

func (s *clientSwitch) rebuild(cfg channels.Config, log logx.Logger) error {
	if cfg.BaseURL == "" {
		s.cur.Store(nil)
		return nil
	}
	c, err := channels.New(cfg, log)
	if err != nil {
		return err
	}
	s.cur.Store(c)
	return nil
}

func (s *clientSwitch) client() (*channels.Client, error) {
	c := s.cur.Load()
	if c == nil {
		return nil, fmt.Errorf("%w: dispatcharr.base_url is not set", channels.ErrUpstreamUnavailable)
	}
	return c, nil
}

func (s *clientSwitch) ListStreams(ctx context.Context, channelID int64) ([]ordering.Stream, error) {
	c, err := s.client()
	if err != nil {
		return nil, err
	}
	return c.ListStreams(ctx, channelID)
}

func (s *clientSwitch) ReorderChannel(ctx context.Context, channelID int64, ids []int64, opts ordering.UpdateOptions) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.ReorderChannel(ctx, channelID, ids, opts)
}
