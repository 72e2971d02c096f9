package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var topicsWait time.Duration

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List topics advertised on the configured source",
	Long: `Topics connects to the configured source and prints every advertised
topic, one per line.

MQTT advertisements are retained messages that arrive shortly after
subscribing; --wait controls how long to collect them.`,
	Args: cobra.NoArgs,
	RunE: runTopics,
}

func init() {
	topicsCmd.Flags().DurationVar(&topicsWait, "wait", time.Second, "time to collect MQTT advertisements")
	rootCmd.AddCommand(topicsCmd)
}

func runTopics(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), topicsWait+10*time.Second)
	defer cancel()

	src, err := buildSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer src.close()

	if cfg.Source.Type == "mqtt" {
		select {
		case <-time.After(topicsWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	topics, err := src.Topics(ctx)
	if err != nil {
		return err
	}
	for _, t := range topics {
		fmt.Fprintln(cmd.OutOrStdout(), t)
	}
	return nil
}
