package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"eventorder/internal/app"
	logx "eventorder/pkg/logx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ordering daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		a, err := app.New(ctx, app.Options{ConfigPath: configPath})
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}
		log := a.Logger()
		// Not running under systemd is fine; SdNotify then reports false.
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warn("sd_notify ready failed", logx.Err(err))
		}

		reason := app.StopAppStop
		select {
		case sig := <-sigCh:
			reason = app.StopSIGTERM
			if sig == os.Interrupt {
				reason = app.StopSIGINT
			}
		case <-a.Done():
			if a.Err() != nil {
				reason = app.StopFatalError
			}
		}

		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
		return a.Err()
	},
}
