package wait

import (
	"sync/atomic"
	"time"

	"github.com/speclab/specgo/internal/dispatch"
	"github.com/speclab/specgo/internal/message"
)

// Request issues a request-with-reply operation on a connection (e.g.
// Connection.SendCommandWithReply) and returns the Future it allocated.
type Request func() (*Future, error)

// WaitReply issues req and blocks until its future completes or timeout
// elapses. On a server-reported error, the returned error is a
// *connection-level* ProtocolError carried through the future unchanged —
// this package does not interpret it further.
func WaitReply(req Request, timeout time.Duration) (message.Value, error) {
	f, err := req()
	if err != nil {
		return message.Value{}, err
	}
	return awaitFuture(f, timeout)
}

// ConnectedSignal is implemented by a connection: it returns a channel
// that is closed once the connection's state latches to CONNECTED. A
// connection that reconnects after a disconnect must hand back a fresh
// channel for the new latch.
type ConnectedSignal interface {
	ConnectedSignal() <-chan struct{}
}

// WaitConnection blocks until conn's connected latch is released, or
// ErrTimeout elapses first.
func WaitConnection(conn ConnectedSignal, timeout time.Duration) error {
	ch := conn.ConnectedSignal()
	if timeout <= 0 {
		<-ch
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

// ChannelHandle is the slice of a channel object's behavior WaitChannelUpdate
// needs: a stable dispatch identity, transparent on-demand registration,
// and the ability to read the currently cached value (if any).
type ChannelHandle interface {
	// SignalIdentity is the dispatch sender key this channel emits
	// "valueChanged" under.
	SignalIdentity() string
	// EnsureRegistered registers the channel if it is not already
	// registered and reports whether this call performed the
	// registration (a "late", transparent registration).
	EnsureRegistered() (didRegister bool, err error)
	// Unregister reverses a registration this call performed.
	Unregister()
	// CurrentValue returns the channel's cached value, if any has
	// arrived yet.
	CurrentValue() (value any, ok bool)
}

// WaitChannelUpdate subscribes to ch (registering it transparently if
// needed), then blocks until either the channel's current value already
// equals expected (when hasExpected is true), or the next genuine update
// arrives — one matching expected, if hasExpected, else the very next one.
// If this call performed the registration, the very first delivered update
// is discarded: it is only the cached value the server pushes on
// subscribe, not a real change. The channel is unregistered again before
// returning, successfully or on timeout, if this call registered it.
func WaitChannelUpdate(ch ChannelHandle, expected any, hasExpected bool, timeout time.Duration) (any, error) {
	didRegister, err := ch.EnsureRegistered()
	if err != nil {
		return nil, err
	}

	finish := func(v any, err error) (any, error) {
		if didRegister {
			ch.Unregister()
		}
		return v, err
	}

	if hasExpected {
		if v, ok := ch.CurrentValue(); ok && valuesEqual(v, expected) {
			return finish(v, nil)
		}
	}

	var skipNext atomic.Bool
	skipNext.Store(didRegister)

	updates := make(chan any, 8)
	recv := dispatch.Connect(ch.SignalIdentity(), "valueChanged", func(args []any) {
		if len(args) == 0 {
			return
		}
		if skipNext.CompareAndSwap(true, false) {
			return
		}
		select {
		case updates <- args[0]:
		default:
		}
	}, dispatch.FireEvery)
	defer recv.Disconnect(ch.SignalIdentity(), "valueChanged")

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case v := <-updates:
			if !hasExpected || valuesEqual(v, expected) {
				return finish(v, nil)
			}
		case <-timeoutCh:
			return finish(nil, ErrTimeout)
		}
	}
}

func valuesEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}
