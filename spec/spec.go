// Package spec implements the top-level Spec handle: a connection-backed
// entry point exposing the server's name and version, motor/counter
// enumeration, and typed facade constructors.
//
// Grounded on Spec.py: connectToSpec/getName/getVersion, and
// _getMotorsMneNames/_getCountersMneNames's synthesized enumeration
// macros. Spec.__getattr__ there treats any unknown attribute as a new
// command; rather than carry that unbounded attribute dispatch over,
// this package exposes Command as a bounded factory method instead.
package spec

import (
	"fmt"
	"strconv"
	"time"

	"github.com/speclab/specgo/command"
	"github.com/speclab/specgo/counter"
	"github.com/speclab/specgo/internal/channel"
	"github.com/speclab/specgo/internal/connection"
	"github.com/speclab/specgo/internal/message"
	"github.com/speclab/specgo/internal/registry"
	"github.com/speclab/specgo/internal/wait"
	"github.com/speclab/specgo/motor"
	"github.com/speclab/specgo/variable"
)

const (
	motorEnumerationExpr   = "local md[]; for (i=0; i<MOTORS; i++) { md[i][motor_mne(i)]=motor_name(i) }; return md"
	counterEnumerationExpr = `local ca[]; for (i=0; i<COUNTERS; i++) { ca[i][cnt_mne(i)]=cnt_name(i) }; return ca`
)

// Named pairs a mnemonic with its full name, as returned by Motors/Counters.
type Named struct {
	Mnemonic string
	Name     string
}

// Conn is the slice of Connection behavior a Handle needs: the same
// surface the command/motor/counter/variable facades build on.
type Conn interface {
	Channel(name string, flag channel.RegistrationFlag) *channel.Channel
	command.Conn
}

// Handle is a connected Spec server: the entry point for reading its
// identity, enumerating motors and counters, and building the command,
// motor, counter, and variable facades bound to it.
type Handle struct {
	addr string
	ref  *registry.Handle[connection.Connection]
	conn Conn
}

// Open acquires (creating if necessary) the shared connection for addr
// and blocks until it reaches CONNECTED or timeout elapses, per
// Spec.connectToSpec/SpecWaitObject.waitConnection.
func Open(addr string, timeout time.Duration) (*Handle, error) {
	ref, err := connection.Acquire(addr)
	if err != nil {
		return nil, err
	}
	conn := ref.Value()
	if err := wait.WaitConnection(conn, timeout); err != nil {
		ref.Release()
		return nil, err
	}
	return &Handle{addr: addr, ref: ref, conn: conn}, nil
}

// Close releases this handle's reference to the underlying connection,
// tearing it down once the last reference is gone.
func (h *Handle) Close() {
	if h.ref != nil {
		h.ref.Release()
	}
}

// Name reads the well-known "var/SPEC" channel, per Spec.getName.
func (h *Handle) Name(timeout time.Duration) (string, error) {
	v, err := h.conn.Channel("var/SPEC", channel.DontReg).Read(timeout, true)
	if err != nil {
		return "", err
	}
	return asString(v), nil
}

// Version reads the well-known "var/VERSION" channel, per Spec.getVersion.
func (h *Handle) Version(timeout time.Duration) (string, error) {
	v, err := h.conn.Channel("var/VERSION", channel.DontReg).Read(timeout, true)
	if err != nil {
		return "", err
	}
	return asString(v), nil
}

// Command builds a command facade bound to name on this handle's
// connection. This is the bounded replacement for Spec.__getattr__'s
// unbounded attribute dispatch.
func (h *Handle) Command(name string) *command.Command {
	return command.New(h.conn, name)
}

// Motor builds a motor facade bound to name on this handle's connection.
func (h *Handle) Motor(name string) *motor.Motor {
	return motor.New(h.conn, name)
}

// Counter builds a counter facade bound to name on this handle's
// connection.
func (h *Handle) Counter(name string) *counter.Counter {
	return counter.New(h.conn, name)
}

// Variable builds a variable facade bound to name on this handle's
// connection.
func (h *Handle) Variable(name string) *variable.Variable {
	return variable.New(h.conn, name)
}

// Motors enumerates the server's configured motors by executing a small
// generated macro over the MOTORS/motor_mne/motor_name built-ins, per
// Spec._getMotorsMneNames.
func (h *Handle) Motors(timeout time.Duration) ([]Named, error) {
	return h.enumerate(timeout, motorEnumerationExpr)
}

// Counters enumerates the server's configured counters the same way, over
// COUNTERS/cnt_mne/cnt_name, per Spec._getCountersMneNames.
func (h *Handle) Counters(timeout time.Duration) ([]Named, error) {
	return h.enumerate(timeout, counterEnumerationExpr)
}

func (h *Handle) enumerate(timeout time.Duration, expr string) ([]Named, error) {
	reply, err := command.New(h.conn, expr).Call(timeout)
	if err != nil {
		return nil, err
	}
	byIndex, ok := message.ToAny(reply).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("spec: enumeration reply was not an associative array")
	}

	out := make([]Named, len(byIndex))
	for idxStr, raw := range byIndex {
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= len(out) {
			continue
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for mne, nameVal := range entry {
			out[idx] = Named{Mnemonic: mne, Name: asString(nameVal)}
		}
	}
	return out, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
