package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newCounterCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Count and read counters (scalers, timers, monitors)",
	}
	cmd.AddCommand(
		newCounterCountCmd(cfg),
		newCounterValueCmd(cfg),
		newCounterStopCmd(cfg),
		newCounterEnableCmd(cfg),
	)
	return cmd
}

func newCounterCountCmd(cfg *rootConfig) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "count <name> <duration>",
		Short: "Count for duration (e.g. 1s, 500ms) and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("counter count: invalid duration %q: %w", args[1], err)
			}
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			value, err := h.Counter(args[0]).Count(d, wait, cfg.timeout)
			if err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "value": value})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "block until counting finishes")
	return cmd
}

func newCounterValueCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "value <name>",
		Short: "Print a counter's last value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			value, err := h.Counter(args[0]).GetValue(cfg.timeout)
			if err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "value": value})
		},
	}
}

func newCounterStopCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop the shared counting group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			if err := h.Counter(args[0]).Stop(); err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "stopped": true})
		},
	}
}

func newCounterEnableCmd(cfg *rootConfig) *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable or disable a counter (--disable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			c := h.Counter(args[0])
			if !cmd.Flags().Changed("disable") {
				enabled, err := c.IsEnabled(cfg.timeout)
				if err != nil {
					return err
				}
				return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "enabled": enabled})
			}
			if err := c.SetEnabled(!disable, cfg.timeout); err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "enabled": !disable})
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "disable the counter instead of enabling it")
	return cmd
}
