package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/speclab/specgo/internal/message"
)

func newMotorCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "motor",
		Short: "Read and move motors",
	}
	cmd.AddCommand(
		newMotorGetCmd(cfg),
		newMotorMoveCmd(cfg),
		newMotorMoveRelCmd(cfg),
		newMotorStopCmd(cfg),
		newMotorLimitsCmd(cfg),
		newMotorParamCmd(cfg),
	)
	return cmd
}

func newMotorGetCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a motor's current position and state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			m := h.Motor(args[0])
			pos, err := m.GetPosition(cfg.timeout)
			if err != nil {
				return err
			}
			state, err := m.GetState(cfg.timeout)
			if err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{
				"name":     args[0],
				"position": pos,
				"state":    state.String(),
			})
		},
	}
}

func newMotorMoveCmd(cfg *rootConfig) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "move <name> <position>",
		Short: "Move a motor to an absolute position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("motor move: invalid position %q: %w", args[1], err)
			}
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			if err := h.Motor(args[0]).Move(pos, wait, cfg.timeout); err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "moving_to": pos})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "block until the move completes")
	return cmd
}

func newMotorMoveRelCmd(cfg *rootConfig) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "move-rel <name> <delta>",
		Short: "Move a motor relative to its current position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("motor move-rel: invalid delta %q: %w", args[1], err)
			}
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			if err := h.Motor(args[0]).MoveRelative(delta, wait, cfg.timeout); err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "moved_by": delta})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "block until the move completes")
	return cmd
}

func newMotorStopCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Abort the current move",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			if err := h.Motor(args[0]).Stop(); err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "stopped": true})
		},
	}
}

func newMotorLimitsCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "limits <name>",
		Short: "Print a motor's (low, high) travel limits in user units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			low, high, err := h.Motor(args[0]).GetLimits(cfg.timeout)
			if err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "low": low, "high": high})
		},
	}
}

func newMotorParamCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "param <name> <param> [value]",
		Short: "Get or set an arbitrary motor parameter channel",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			m := h.Motor(args[0])
			if len(args) == 2 {
				v, err := m.GetParameter(args[1], cfg.timeout)
				if err != nil {
					return err
				}
				return writeValue(os.Stdout, cfg, v)
			}
			if err := m.SetParameter(args[1], message.Coerce(args[2]), true); err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], args[1]: message.Coerce(args[2])})
		},
	}
	return cmd
}
