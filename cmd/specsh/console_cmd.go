package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/speclab/specgo/internal/console"
	"github.com/speclab/specgo/internal/message"
	"github.com/speclab/specgo/spec"
)

// consoleStart is the function used to launch the console; replaced in tests.
var consoleStart = runConsole

// defaultCompletionTimeout bounds the motor/counter enumeration calls the
// tab completer makes; it also has its own 3-second cap (see
// internal/console.Completer), so this mostly matters for the Call itself.
const defaultCompletionTimeout = 3 * time.Second

func newConsoleCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "console",
		Aliases: []string{"repl"},
		Short:   "Start an interactive console",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return consoleStart(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runConsole connects to the Spec server, wires up a readline reader with
// motor/counter tab completion, and runs the console loop.
func runConsole(ctx context.Context, cfg *rootConfig, out, errOut io.Writer) error {
	h, err := openHandle(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	localCfg := *cfg
	completer := &console.Completer{
		FetchMotors:   makeFetchMotors(h),
		FetchCounters: makeFetchCounters(h),
	}

	historyFile := consoleHistoryFile()
	interruptCh := make(chan struct{}, 1)
	notifyInterrupt := func() {
		select {
		case interruptCh <- struct{}{}:
		default:
		}
	}
	reader, err := console.NewReadlineReader("spec> ", historyFile, out, errOut, notifyInterrupt, completer)
	if err != nil {
		return err
	}

	var once sync.Once
	closeReader := func() { once.Do(func() { _ = reader.Close() }) }
	defer closeReader()

	// consoleCtx is independent of ctx so OS SIGINT during command execution
	// cancels only the in-flight command (via interruptCh) without killing
	// the console loop.
	consoleCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigIntCh := make(chan os.Signal, 1)
	signal.Notify(sigIntCh, os.Interrupt)
	defer signal.Stop(sigIntCh)

	sigTermCh := make(chan os.Signal, 1)
	signal.Notify(sigTermCh, syscall.SIGTERM)
	defer signal.Stop(sigTermCh)

	go func() {
		for {
			select {
			case <-sigIntCh:
				notifyInterrupt()
			case <-sigTermCh:
				closeReader()
				return
			case <-consoleCtx.Done():
				return
			}
		}
	}()

	c := console.New(&console.Config{
		Reader:      reader,
		Exec:        makeConsoleExec(h, &localCfg),
		Out:         out,
		ErrOut:      errOut,
		InterruptCh: interruptCh,
		OnFormat: func(format string) {
			localCfg.format = format
		},
	})
	return c.Run(consoleCtx)
}

// makeConsoleExec returns an ExecFunc that sends the line as a command
// expression, cancellable through ctx.
func makeConsoleExec(h *spec.Handle, cfg *rootConfig) console.ExecFunc {
	return func(ctx context.Context, expr string, w io.Writer) error {
		cmdHandle := h.Command(expr).StartContext(ctx, nil, nil)
		select {
		case <-cmdHandle.Done():
		case <-ctx.Done():
			<-cmdHandle.Done()
		}
		v, err := cmdHandle.Get(0)
		if err != nil {
			return err
		}
		return writeValue(w, cfg, message.ToAny(v))
	}
}

func makeFetchMotors(h *spec.Handle) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) {
		named, err := h.Motors(defaultCompletionTimeout)
		if err != nil {
			return nil, err
		}
		return mnemonics(named), nil
	}
}

func makeFetchCounters(h *spec.Handle) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) {
		named, err := h.Counters(defaultCompletionTimeout)
		if err != nil {
			return nil, err
		}
		return mnemonics(named), nil
	}
}

func mnemonics(named []spec.Named) []string {
	out := make([]string, 0, len(named))
	for _, n := range named {
		if n.Mnemonic != "" {
			out = append(out, n.Mnemonic)
		}
	}
	return out
}

// consoleHistoryFile returns the path to the console history file in the user's home dir.
func consoleHistoryFile() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return filepath.Join(u.HomeDir, ".specsh_history")
}
