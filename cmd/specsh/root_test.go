package main

import (
	"bytes"
	"errors"
	"os"
	"os/signal"
	"strings"
	"testing"
	"time"

	"github.com/speclab/specgo/internal/connection"
)

func TestRootHostDefault(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	host, err := cmd.PersistentFlags().GetString("host")
	if err != nil {
		t.Fatal(err)
	}
	if host != "localhost" {
		t.Errorf("got %q, want %q", host, "localhost")
	}
}

func TestRootPortDefault(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	port, err := cmd.PersistentFlags().GetInt("port")
	if err != nil {
		t.Fatal(err)
	}
	if port != 0 {
		t.Errorf("got %d, want 0 (bare host)", port)
	}
}

func TestRootTimeoutDefault(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	timeout, err := cmd.PersistentFlags().GetDuration("timeout")
	if err != nil {
		t.Fatal(err)
	}
	if timeout != 30*time.Second {
		t.Errorf("got %v, want %v", timeout, 30*time.Second)
	}
}

func TestRootFormatDefault(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	format, err := cmd.PersistentFlags().GetString("format")
	if err != nil {
		t.Fatal(err)
	}
	if format != "" {
		t.Errorf("got %q, want empty (auto-detect)", format)
	}
}

func TestRootHostShorthand(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"-H", "myhost"}); err != nil {
		t.Fatal(err)
	}
	got, _ := cmd.PersistentFlags().GetString("host")
	if got != "myhost" {
		t.Errorf("got %q, want %q", got, "myhost")
	}
}

func TestRootPortShorthand(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"-P", "6510"}); err != nil {
		t.Fatal(err)
	}
	got, _ := cmd.PersistentFlags().GetInt("port")
	if got != 6510 {
		t.Errorf("got %d, want %d", got, 6510)
	}
}

func TestRootFormatValues(t *testing.T) {
	t.Parallel()
	for _, v := range []string{"json", "jsonl", "raw", "table"} {
		cmd := newRootCmd()
		if err := cmd.ParseFlags([]string{"--format", v}); err != nil {
			t.Fatalf("format %q: %v", v, err)
		}
		got, _ := cmd.PersistentFlags().GetString("format")
		if got != v {
			t.Errorf("format %q: got %q", v, got)
		}
	}
}

func TestAddrWithPort(t *testing.T) {
	t.Parallel()
	cfg := &rootConfig{host: "spechost", port: 6512}
	if got, want := cfg.addr(), "spechost:6512"; got != want {
		t.Errorf("addr() = %q, want %q", got, want)
	}
}

func TestAddrWithoutPortIsBareHost(t *testing.T) {
	t.Parallel()
	cfg := &rootConfig{host: "spechost"}
	if got, want := cfg.addr(), "spechost"; got != want {
		t.Errorf("addr() = %q, want %q", got, want)
	}
}

func TestEnvVarHost(t *testing.T) {
	t.Setenv("SPECSH_HOST", "envhost")
	cfg := &rootConfig{host: "localhost"}
	if err := cfg.resolveEnvVars(func(string) bool { return false }); err != nil {
		t.Fatal(err)
	}
	if cfg.host != "envhost" {
		t.Errorf("got %q, want %q", cfg.host, "envhost")
	}
}

func TestEnvVarPort(t *testing.T) {
	t.Setenv("SPECSH_PORT", "6513")
	cfg := &rootConfig{}
	if err := cfg.resolveEnvVars(func(string) bool { return false }); err != nil {
		t.Fatal(err)
	}
	if cfg.port != 6513 {
		t.Errorf("got %d, want %d", cfg.port, 6513)
	}
}

func TestEnvVarPortInvalid(t *testing.T) {
	cfg := &rootConfig{port: 1}
	t.Setenv("SPECSH_PORT", "notanumber")
	if err := cfg.resolveEnvVars(func(string) bool { return false }); err == nil {
		t.Error("expected error for invalid SPECSH_PORT, got nil")
	}
	if cfg.port != 1 {
		t.Errorf("port should remain unchanged after error, got %d", cfg.port)
	}
}

func TestEnvVarTimeout(t *testing.T) {
	t.Setenv("SPECSH_TIMEOUT", "5s")
	cfg := &rootConfig{}
	if err := cfg.resolveEnvVars(func(string) bool { return false }); err != nil {
		t.Fatal(err)
	}
	if cfg.timeout != 5*time.Second {
		t.Errorf("got %v, want %v", cfg.timeout, 5*time.Second)
	}
}

func TestEnvVarTimeoutInvalid(t *testing.T) {
	cfg := &rootConfig{timeout: time.Second}
	t.Setenv("SPECSH_TIMEOUT", "notaduration")
	if err := cfg.resolveEnvVars(func(string) bool { return false }); err == nil {
		t.Error("expected error for invalid SPECSH_TIMEOUT, got nil")
	}
}

func TestFlagPrecedenceOverEnvVar(t *testing.T) {
	t.Setenv("SPECSH_HOST", "envhost")
	t.Setenv("SPECSH_PORT", "6514")
	t.Setenv("SPECSH_TIMEOUT", "1s")

	cfg := &rootConfig{host: "flaghost", port: 6515, timeout: 20 * time.Second}
	if err := cfg.resolveEnvVars(func(string) bool { return true }); err != nil {
		t.Fatal(err)
	}
	if cfg.host != "flaghost" {
		t.Errorf("host: got %q, want %q", cfg.host, "flaghost")
	}
	if cfg.port != 6515 {
		t.Errorf("port: got %d, want %d", cfg.port, 6515)
	}
	if cfg.timeout != 20*time.Second {
		t.Errorf("timeout: got %v, want %v", cfg.timeout, 20*time.Second)
	}
}

func TestQuietFlagDefault(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	v, err := cmd.PersistentFlags().GetBool("quiet")
	if err != nil {
		t.Fatal(err)
	}
	if v {
		t.Error("quiet flag: expected false by default")
	}
}

func TestVerboseFlagDefault(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	v, err := cmd.PersistentFlags().GetBool("verbose")
	if err != nil {
		t.Fatal(err)
	}
	if v {
		t.Error("verbose flag: expected false by default")
	}
}

func TestExitCodeSuccess(t *testing.T) {
	t.Parallel()
	if code := exitCode(nil); code != exitOK {
		t.Errorf("exitCode(nil): got %d, want %d", code, exitOK)
	}
}

func TestExitCodeConnection(t *testing.T) {
	t.Parallel()
	err := errors.New("dial tcp: connection refused")
	if code := exitCode(err); code != exitConnection {
		t.Errorf("exitCode(conn error): got %d, want %d", code, exitConnection)
	}
}

func TestExitCodeCommand(t *testing.T) {
	t.Parallel()
	err := &connection.ProtocolError{Message: "no such motor"}
	if code := exitCode(err); code != exitCommand {
		t.Errorf("exitCode(protocol error): got %d, want %d", code, exitCommand)
	}
}

func TestSIGINTExitConstant(t *testing.T) {
	t.Parallel()
	if exitINT != 130 {
		t.Errorf("exitINT: got %d, want 130", exitINT)
	}
}

func TestSignalCancelsContext(t *testing.T) {
	ctx, stop := signal.NotifyContext(t.Context(), os.Interrupt)
	defer stop()

	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("context not cancelled after SIGINT")
	}
}

func TestVersionFlag(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "specsh") {
		t.Errorf("version output does not contain 'specsh': %q", out)
	}
}
