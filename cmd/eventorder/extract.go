package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"eventorder/internal/config"
	"eventorder/internal/ordering"
)

var extractPattern string

type extractOutput struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern,omitempty"`
	ordering.Extraction
}

var extractCmd = &cobra.Command{
	Use:   "extract [--pattern P] <stream name>...",
	Short: "Show the start time and event key read from stream names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		pattern := config.NormalizePattern(extractPattern)
		x, err := ordering.NewExtractor(pattern)
		if err != nil {
			return fmt.Errorf("--pattern: %w", err)
		}
		now := time.Now().UTC()
		out := make([]extractOutput, 0, len(args))
		for _, name := range args {
			out = append(out, extractOutput{Name: name, Pattern: pattern, Extraction: x.Extract(name, now)})
		}
		return printJSON(out)
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractPattern, "pattern", "p", "", "custom pattern with named groups (default: built-in formats)")
}
