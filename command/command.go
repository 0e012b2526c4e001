// Package command implements the command facade: a name bound to a
// connection, invoked with a blocking Call or a non-blocking Start, with
// the version-appropriate wire form (textual macro vs. typed function)
// chosen by the connection itself.
//
// Grounded on SpecCommand.py's BaseSpecCommand/SpecCommand/SpecCommandA
// split (call -> executeCommand -> connection.send_msg_*_with_return,
// abort_spec_on_exception), adapted into two explicit call modes instead
// of SpecCommand's __call__/SpecCommandA subclassing split: callers build
// a *Command with New and invoke Call or Start directly, rather than
// reaching it through a dynamic attribute lookup.
package command

import (
	"context"
	"sync"
	"time"

	"github.com/speclab/specgo/internal/message"
	"github.com/speclab/specgo/internal/wait"
)

// ErrTimeout is returned by Handle.Get when its deadline elapses before
// the command completes.
var ErrTimeout = wait.ErrTimeout

// Conn is the slice of Connection behavior a Command needs: version-gated
// macro dispatch and abort. Connection.Macro/MacroNoReply already choose
// between FUNC_WITH_RETURN (v>=3) and the CMD_WITH_RETURN function-style
// literal (v<3), so Command itself stays version-agnostic.
type Conn interface {
	Macro(name string, args []message.Value) (*wait.Future, error)
	MacroNoReply(name string, args []message.Value) error
	Abort(waitDrain bool) error
}

// Command binds a command name to a connection.
type Command struct {
	name string
	conn Conn
}

// New returns a Command bound to name on conn.
func New(conn Conn, name string) *Command {
	return &Command{name: name, conn: conn}
}

// Name returns the bound command name.
func (c *Command) Name() string { return c.name }

// Call invokes the command and blocks until the reply arrives or timeout
// elapses (timeout <= 0 waits indefinitely). On a server-reported error
// the returned error is a *connection.ProtocolError carried through
// unchanged. A blocking call that times out does not itself abort the
// in-flight command — only a cancelled non-blocking Handle does that (see
// Handle.Cancel).
func (c *Command) Call(timeout time.Duration, args ...message.Value) (message.Value, error) {
	return wait.WaitReply(func() (*wait.Future, error) {
		return c.conn.Macro(c.name, args)
	}, timeout)
}

// CallNoReply invokes the command without waiting for a reply.
func (c *Command) CallNoReply(args ...message.Value) error {
	return c.conn.MacroNoReply(c.name, args)
}

// Start invokes the command without blocking and returns a Handle. Once
// the reply arrives, onSuccess is called with the payload, or onError
// with the failure — whichever callback is non-nil and applies. Either
// callback may be nil.
func (c *Command) Start(onSuccess func(message.Value), onError func(error), args ...message.Value) *Handle {
	h := &Handle{conn: c.conn, done: make(chan struct{})}

	fut, err := c.conn.Macro(c.name, args)
	if err != nil {
		h.err = err
		close(h.done)
		if onError != nil {
			onError(err)
		}
		return h
	}
	h.fut = fut

	go func() {
		<-fut.Done()
		h.value, h.err = fut.Result()
		close(h.done)
		if h.err != nil {
			if onError != nil {
				onError(h.err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess(h.value)
		}
	}()
	return h
}

// StartContext is Start with cancellation wired to ctx: if ctx is done
// before the command's reply arrives, the handle is cancelled, which
// issues abort on the connection, since a non-blocking handle abandoned
// by its caller should abort in spec rather than run unobserved.
func (c *Command) StartContext(ctx context.Context, onSuccess func(message.Value), onError func(error), args ...message.Value) *Handle {
	h := c.Start(onSuccess, onError, args...)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Cancel()
			case <-h.done:
			}
		}()
	}
	return h
}

// Handle is a live non-blocking command invocation.
type Handle struct {
	conn       Conn
	fut        *wait.Future
	cancelOnce sync.Once

	done  chan struct{}
	value message.Value
	err   error
}

// Done returns a channel closed once the command completes (successfully
// or not).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Get blocks until the command completes or timeout elapses (timeout <= 0
// waits indefinitely), returning the reply payload or the failure.
func (h *Handle) Get(timeout time.Duration) (message.Value, error) {
	if timeout <= 0 {
		<-h.done
		return h.value, h.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.value, h.err
	case <-timer.C:
		return message.Value{}, ErrTimeout
	}
}

// Cancel abandons the handle: it issues abort on the connection, so a
// cancelled non-blocking command aborts in spec rather than silently
// dropping its reply. Idempotent.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		_ = h.conn.Abort(false)
	})
}
