// Package variable implements the Variable facade: a thin wrapper around
// a single channel, for watching, reading and writing a scalar Spec
// variable.
//
// Grounded on SpecVariable.py's SpecVariableA/SpecVariable split: get/set
// plumb straight through to the underlying channel's Read/Write, and
// waitUpdate delegates to the connection's wait-channel-update primitive.
// The SpecVariableA/SpecVariable distinction (force_read=false vs. true,
// fire-and-forget write vs. write-with-wait) collapses here into explicit
// boolean parameters rather than two near-duplicate types.
package variable

import (
	"time"

	"github.com/speclab/specgo/internal/channel"
	"github.com/speclab/specgo/internal/wait"
)

// Conn is the slice of Connection behavior a Variable needs.
type Conn interface {
	Channel(name string, flag channel.RegistrationFlag) *channel.Channel
}

// Variable binds a channel for get/set/waitUpdate access.
type Variable struct {
	ch *channel.Channel
}

// New binds name under the "var/" prefix (the common case:
// SpecVariable(varName, conn, prefix=True)).
func New(conn Conn, name string) *Variable {
	return &Variable{ch: conn.Channel("var/"+name, channel.DoReg)}
}

// NewRaw binds channelName directly, with no "var/" prefix — the
// SpecVariable(varName, conn, prefix=False) case, used for channels like
// access-path leaves that already carry their own namespace.
func NewRaw(conn Conn, channelName string) *Variable {
	return &Variable{ch: conn.Channel(channelName, channel.DoReg)}
}

// Get returns the variable's current value, always forcing a fresh read
// from the server, even when a value is already cached (timeout <= 0
// waits indefinitely for the reply).
func (v *Variable) Get(timeout time.Duration) (any, error) {
	return v.ch.Read(timeout, true)
}

// Set writes value. If waitDrain, Set blocks until the write has been
// flushed to the wire.
func (v *Variable) Set(value any, waitDrain bool) error {
	return v.ch.Write(value, waitDrain)
}

// WaitUpdate blocks until the variable's value changes (or, if
// hasExpected, until it equals expected), registering the channel
// transparently if it wasn't already.
func (v *Variable) WaitUpdate(expected any, hasExpected bool, timeout time.Duration) (any, error) {
	return wait.WaitChannelUpdate(v.ch, expected, hasExpected, timeout)
}
