// Package counter implements the Counter facade: counting for a fixed
// time (or monitor count), waiting for completion, stopping, reading the
// accumulated value, and enabling/disabling the counter.
//
// Grounded on SpecCounter.py/SpecCounterA: the scaler/<name>/value and
// shared scaler/.all./count channels, the var/<name> type probe, and the
// counter_par(...) expression used as a one-off command name for
// enable/disable.
package counter

import (
	"fmt"
	"sync"
	"time"

	"github.com/speclab/specgo/command"
	"github.com/speclab/specgo/internal/channel"
	"github.com/speclab/specgo/internal/dispatch"
	"github.com/speclab/specgo/internal/message"
	"github.com/speclab/specgo/internal/wait"
)

// Type is a counter's kind, read off its var/<name> channel.
type Type int

const (
	Scaler Type = iota
	Timer
	Monitor
)

func (t Type) String() string {
	switch t {
	case Timer:
		return "TIMER"
	case Monitor:
		return "MONITOR"
	default:
		return "SCALER"
	}
}

// State is a counter's running state, driven off the shared ALL_COUNT
// channel.
type State int

const (
	NotCounting State = iota
	Counting
)

func (s State) String() string {
	if s == Counting {
		return "COUNTING"
	}
	return "NOT_COUNTING"
}

// allCountName is the channel every counter on a server shares: writing 0
// stops all running counters, and its value going back to 0 signals that
// the last count finished.
const allCountName = "scaler/.all./count"

// defaultTypeTimeout bounds the one-off var/<name> probe New performs to
// learn whether this counter is a timer, a monitor, or a plain scaler.
const defaultTypeTimeout = 5 * time.Second

// Conn is the slice of Connection behavior a Counter needs.
type Conn interface {
	Channel(name string, flag channel.RegistrationFlag) *channel.Channel
	command.Conn
}

// Counter binds a counter name to a connection.
type Counter struct {
	name string
	conn Conn
	typ  Type

	mu    sync.Mutex
	state State

	allCountRecv *dispatch.Receiver
}

// New binds name under the "scaler/<name>/" channel prefix, probing its
// type immediately the way SpecCounterA._connected does.
func New(conn Conn, name string) *Counter {
	c := &Counter{name: name, conn: conn}

	if typ, err := c.GetType(defaultTypeTimeout); err == nil {
		c.typ = typ
	}

	all := c.allCountChannel()
	c.allCountRecv = dispatch.Connect(all.SignalIdentity(), "valueChanged", func(args []any) {
		if len(args) == 0 {
			return
		}
		c.onAllCountChanged(args[0])
	}, dispatch.FireEvery)

	return c
}

func (c *Counter) valueChannel() *channel.Channel {
	return c.conn.Channel(fmt.Sprintf("scaler/%s/value", c.name), channel.DoReg)
}

func (c *Counter) allCountChannel() *channel.Channel {
	return c.conn.Channel(allCountName, channel.DoReg)
}

func (c *Counter) onAllCountChanged(value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if asFloat(value) == 0 {
		c.state = NotCounting
	} else {
		c.state = Counting
	}
}

// Type reports the counter's locally cached type (resolved at New).
func (c *Counter) Type() Type { return c.typ }

// GetType force-reads the var/<name> channel and classifies the result:
// 0 is a timer, 1 is a monitor, anything else a plain scaler.
func (c *Counter) GetType(timeout time.Duration) (Type, error) {
	ch := c.conn.Channel("var/"+c.name, channel.DontReg)
	v, err := ch.Read(timeout, true)
	if err != nil {
		return Scaler, err
	}
	switch asFloat(v) {
	case 0:
		return Timer, nil
	case 1:
		return Monitor, nil
	default:
		return Scaler, nil
	}
}

// Count starts counting for d and, if wait, blocks until it finishes and
// returns the final value. A MONITOR-type counter negates d, matching
// SpecCounterA.count's sign convention for monitor counts.
func (c *Counter) Count(d time.Duration, wait bool, timeout time.Duration) (float64, error) {
	seconds := d.Seconds()
	if c.typ == Monitor {
		seconds = -seconds
	}
	if err := c.allCountChannel().Write(seconds, false); err != nil {
		return 0, err
	}
	if !wait {
		return 0, nil
	}
	if _, err := c.WaitCount(timeout); err != nil {
		return 0, err
	}
	return c.GetValue(timeout)
}

// WaitCount blocks until the shared ALL_COUNT channel reports 0 (counting
// finished), then returns this counter's value.
func (c *Counter) WaitCount(timeout time.Duration) (float64, error) {
	if _, err := wait.WaitChannelUpdate(c.allCountChannel(), 0, true, timeout); err != nil {
		return 0, err
	}
	return c.GetValue(timeout)
}

// Stop writes 0 to the shared ALL_COUNT channel, halting every counter
// currently running on the server.
func (c *Counter) Stop() error {
	return c.allCountChannel().Write(0.0, false)
}

// State returns the locally tracked counting state without touching the
// wire.
func (c *Counter) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetState force-reads ALL_COUNT and updates the tracked state before
// returning it, per SpecCounter.getState (the sync-flavored variant).
func (c *Counter) GetState(timeout time.Duration) (State, error) {
	v, err := c.allCountChannel().Read(timeout, true)
	if err != nil {
		return c.State(), err
	}
	c.onAllCountChanged(v)
	return c.State(), nil
}

// GetValue force-reads this counter's accumulated value.
func (c *Counter) GetValue(timeout time.Duration) (float64, error) {
	v, err := c.valueChannel().Read(timeout, true)
	return asFloat(v), err
}

// SetEnabled enables or disables the counter via a counter_par(...)
// expression built and issued as a one-off command, mirroring
// SpecCounterA.setEnabled's trick of baking the value into the command
// name instead of passing it as an argument.
func (c *Counter) SetEnabled(enabled bool, timeout time.Duration) error {
	disable := 1
	if enabled {
		disable = 0
	}
	expr := fmt.Sprintf(`counter_par(%s, "disable", %d)`, c.name, disable)
	_, err := command.New(c.conn, expr).Call(timeout)
	return err
}

// IsEnabled reports whether the counter is currently enabled.
func (c *Counter) IsEnabled(timeout time.Duration) (bool, error) {
	expr := fmt.Sprintf(`counter_par(%s, "disable")`, c.name)
	v, err := command.New(c.conn, expr).Call(timeout)
	if err != nil {
		return false, err
	}
	return asFloat(message.ToAny(v)) == 0, nil
}
