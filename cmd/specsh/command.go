package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/speclab/specgo/internal/message"
)

func newCommandCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "command <name> [args...]",
		Aliases: []string{"call"},
		Short:   "Invoke a named macro and print its reply",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cfg, args[0], args[1:], os.Stdout)
		},
	}
}

func runCommand(cfg *rootConfig, name string, args []string, w io.Writer) error {
	h, err := openHandle(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	reply, err := h.Command(name).Call(cfg.timeout, argValues(args)...)
	if err != nil {
		return err
	}
	return writeValue(w, cfg, message.ToAny(reply))
}
