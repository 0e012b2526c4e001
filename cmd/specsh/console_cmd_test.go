package main

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/speclab/specgo/spec"
)

func TestConsoleCmdRegisteredWithReplAlias(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	for _, sub := range root.Commands() {
		if sub.Name() == "console" {
			for _, a := range sub.Aliases {
				if a == "repl" {
					return
				}
			}
			t.Error("console subcommand missing 'repl' alias")
			return
		}
	}
	t.Error("console subcommand not registered on root command")
}

func TestConsoleCmdRejectsArgs(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	root.SetArgs([]string{"console", "extra-arg"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err == nil {
		t.Error("expected error when passing args to console command, got nil")
	}
}

func TestConsoleCmdStartsConsole(t *testing.T) {
	started := false
	oldStart := consoleStart
	consoleStart = func(_ context.Context, _ *rootConfig, _, _ io.Writer) error {
		started = true
		return nil
	}
	defer func() { consoleStart = oldStart }()

	root := buildRootCmd(&rootConfig{})
	root.SetArgs([]string{"console"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !started {
		t.Error("console not started via 'console' subcommand")
	}
}

func TestConsoleInheritsGlobalFlags(t *testing.T) {
	t.Parallel()
	root := newRootCmd()
	var consoleCmd *cobra.Command
	for _, sub := range root.Commands() {
		if sub.Name() == "console" {
			consoleCmd = sub
			break
		}
	}
	if consoleCmd == nil {
		t.Fatal("console subcommand not found")
	}
	for _, flag := range []string{"host", "port", "timeout", "format"} {
		if consoleCmd.InheritedFlags().Lookup(flag) == nil {
			t.Errorf("console cmd: --%s flag not inherited from root", flag)
		}
	}
}

func TestConsoleHistoryFileContainsName(t *testing.T) {
	t.Parallel()
	path := consoleHistoryFile()
	if path != "" && !strings.HasSuffix(path, ".specsh_history") {
		t.Errorf("consoleHistoryFile: got %q, want path ending with .specsh_history", path)
	}
}

func TestMnemonicsSkipsEmpty(t *testing.T) {
	t.Parallel()
	got := mnemonics([]spec.Named{{Mnemonic: "th", Name: "Theta"}, {Mnemonic: "", Name: "gap"}, {Mnemonic: "tth", Name: "TwoTheta"}})
	want := []string{"th", "tth"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}
