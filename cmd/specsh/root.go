package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/speclab/specgo/internal/connection"
)

// exit codes
const (
	exitOK         = 0
	exitConnection = 1
	exitCommand    = 2
	exitINT        = 130
)

// rootConfig holds the connection and output settings shared by every
// subcommand. There is no user/password/TLS surface here: the protocol
// this client speaks has no authentication concept.
type rootConfig struct {
	host    string
	port    int
	timeout time.Duration
	format  string
	quiet   bool
	verbose bool
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}
	return buildRootCmd(cfg)
}

func buildRootCmd(cfg *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "specsh",
		Short:         "Command-line client for a Spec instrument-control server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if p := cmd.Parent(); p != nil && p.Name() == "completion" {
				return nil
			}
			return cfg.resolveEnvVars(cmd.Flags().Changed)
		},
	}
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.AddCommand(
		newCommandCmd(cfg),
		newMotorCmd(cfg),
		newCounterCmd(cfg),
		newVarCmd(cfg),
		newStatusCmd(cfg),
		newConsoleCmd(cfg),
	)

	f := cmd.PersistentFlags()
	f.StringVarP(&cfg.host, "host", "H", "localhost", "Spec server host")
	f.IntVarP(&cfg.port, "port", "P", 0, "Spec server port (0 dials the bare host on the default port 6789)")
	f.DurationVarP(&cfg.timeout, "timeout", "t", 30*time.Second, "operation timeout")
	f.StringVarP(&cfg.format, "format", "f", "", "output format: json, jsonl, raw, table (default: json on TTY, jsonl when piped)")
	f.BoolVar(&cfg.quiet, "quiet", false, "suppress non-data output to stderr")
	f.BoolVar(&cfg.verbose, "verbose", false, "show connection info on stderr")

	return cmd
}

// addr returns the dial address passed to connection.Acquire: "host:port"
// when a port was given, or the bare host otherwise, which
// internal/connection dials on its default port 6789 without a port scan.
func (c *rootConfig) addr() string {
	if c.port == 0 {
		return c.host
	}
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

// exitCode maps an error to the appropriate process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var pe *connection.ProtocolError
	if errors.As(err, &pe) {
		return exitCommand
	}
	return exitConnection
}

// resolveEnvVars applies env var values for flags not explicitly set via CLI.
func (c *rootConfig) resolveEnvVars(changed func(string) bool) error {
	applyEnvStr(&c.host, changed("host"), "SPECSH_HOST")
	if !changed("port") {
		if v := os.Getenv("SPECSH_PORT"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("SPECSH_PORT %q: not a valid port number", v)
			}
			c.port = n
		}
	}
	if !changed("timeout") {
		if v := os.Getenv("SPECSH_TIMEOUT"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("SPECSH_TIMEOUT %q: not a valid duration", v)
			}
			c.timeout = d
		}
	}
	return nil
}

// applyEnvStr sets *dst to the env var value when the flag was not explicitly set.
func applyEnvStr(dst *string, flagChanged bool, key string) {
	if flagChanged {
		return
	}
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
