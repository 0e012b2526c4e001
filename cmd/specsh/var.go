package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/speclab/specgo/internal/message"
)

func newVarCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "var <name> [value]",
		Short: "Get or set a Spec variable",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := openHandle(cfg)
			if err != nil {
				return err
			}
			defer h.Close()
			v := h.Variable(args[0])
			if len(args) == 1 {
				value, err := v.Get(cfg.timeout)
				if err != nil {
					return err
				}
				return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "value": value})
			}
			if err := v.Set(message.Coerce(args[1]), true); err != nil {
				return err
			}
			return writeValue(os.Stdout, cfg, map[string]any{"name": args[0], "value": message.Coerce(args[1])})
		},
	}
	return cmd
}
