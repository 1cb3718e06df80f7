package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"eventorder/internal/app"
)

var (
	runChannel int64
	runDry     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ordering pass and print the results",
	Long: `Runs one pass over a single channel group (--channel) or over every
configured group, even when scheduled ordering is disabled. With --dry-run
the plan is computed and printed but nothing is written to Dispatcharr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, app.Options{ConfigPath: configPath, OneShot: true})
		if err != nil {
			return err
		}
		defer a.Close()

		outs, err := a.Trigger(ctx, runChannel, runDry)
		if err != nil {
			return err
		}
		if err := printJSON(outs); err != nil {
			return err
		}
		failed := 0
		for _, o := range outs {
			if !o.OK {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d channel(s) failed", failed, len(outs))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Int64Var(&runChannel, "channel", 0, "channel group id (default: all configured)")
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "plan only, do not update Dispatcharr")
}
