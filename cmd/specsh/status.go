package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server name, version, and connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cfg, os.Stdout)
		},
	}
}

type statusInfo struct {
	Host    string `json:"host"`
	Addr    string `json:"addr"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

func runStatus(_ context.Context, cfg *rootConfig, w io.Writer) error {
	h, err := openHandle(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	name, err := h.Name(cfg.timeout)
	if err != nil {
		return err
	}
	ver, err := h.Version(cfg.timeout)
	if err != nil {
		return err
	}
	return writeValue(w, cfg, statusInfo{
		Host:    cfg.host,
		Addr:    cfg.addr(),
		Name:    name,
		Version: ver,
		Status:  "ok",
	})
}
