// Package motor implements the Motor facade: position, limit, sign and
// offset access, relative/absolute moves with an explicit wait,
// move-to-limit, stop, and arbitrary parameter get/set, over the channel
// substrate.
//
// Grounded on SpecMotor.py/SpecMotorA: the motor/<name>/* channel names,
// the low_limit/high_limit + sign/offset -> (min,max) limit computation,
// and the move_done-driven state machine.
package motor

import (
	"fmt"
	"sync"
	"time"

	"github.com/speclab/specgo/command"
	"github.com/speclab/specgo/internal/channel"
	"github.com/speclab/specgo/internal/dispatch"
	"github.com/speclab/specgo/internal/wait"
)

// State mirrors SpecMotorA's motor state constants.
type State int

const (
	NotInitialized State = iota
	Unusable
	Ready
	MoveStarted
	Moving
	OnLimit
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "NOT_INITIALIZED"
	case Unusable:
		return "UNUSABLE"
	case Ready:
		return "READY"
	case MoveStarted:
		return "MOVE_STARTED"
	case Moving:
		return "MOVING"
	case OnLimit:
		return "ON_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// Conn is the slice of Connection behavior a Motor needs.
type Conn interface {
	Channel(name string, flag channel.RegistrationFlag) *channel.Channel
	command.Conn
}

// Motor binds a motor name to a connection.
type Motor struct {
	name string
	conn Conn

	moveToLimit *command.Command

	mu          sync.Mutex
	state       State
	readyCh     chan struct{}
	readyClosed bool

	moveDoneRecv *dispatch.Receiver
}

// New binds name under the "motor/<name>/" channel prefix.
func New(conn Conn, name string) *Motor {
	m := &Motor{
		name:        name,
		conn:        conn,
		moveToLimit: command.New(conn, "_mvc"),
		readyCh:     make(chan struct{}),
	}
	close(m.readyCh)
	m.readyClosed = true

	moveDone := m.ch("move_done")
	m.moveDoneRecv = dispatch.Connect(moveDone.SignalIdentity(), "valueChanged", func(args []any) {
		if len(args) == 0 {
			return
		}
		m.onMoveDone(args[0])
	}, dispatch.FireEvery)

	return m
}

func (m *Motor) ch(suffix string) *channel.Channel {
	return m.conn.Channel(fmt.Sprintf("motor/%s/%s", m.name, suffix), channel.DoReg)
}

func (m *Motor) onMoveDone(value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if truthy(value) {
		m.setStateLocked(Moving)
	} else if m.state == Moving || m.state == MoveStarted || m.state == NotInitialized {
		m.setStateLocked(Ready)
	}
}

// setStateLocked mirrors SpecMotorA.__changeMotorState's ready-latch
// bookkeeping: the latch is held closed in the three "settled" states and
// reopened (a fresh channel) whenever the motor re-enters a busy one.
func (m *Motor) setStateLocked(s State) {
	m.state = s
	settled := s == Unusable || s == Ready || s == OnLimit
	if settled && !m.readyClosed {
		close(m.readyCh)
		m.readyClosed = true
	} else if !settled && m.readyClosed {
		m.readyCh = make(chan struct{})
		m.readyClosed = false
	}
}

// State returns the locally tracked motor state without touching the wire.
func (m *Motor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetState forces a fresh read of move_done and updates the tracked state
// before returning it, per SpecMotor.getState (the sync-flavored variant).
func (m *Motor) GetState(timeout time.Duration) (State, error) {
	v, err := m.ch("move_done").Read(timeout, true)
	if err != nil {
		return m.State(), err
	}
	m.onMoveDone(v)
	return m.State(), nil
}

// GetPosition returns the motor's current absolute position.
func (m *Motor) GetPosition(timeout time.Duration) (float64, error) {
	v, err := m.ch("position").Read(timeout, true)
	return asFloat(v), err
}

// GetDialPosition returns the motor's dial position.
func (m *Motor) GetDialPosition(timeout time.Duration) (float64, error) {
	v, err := m.ch("dial_position").Read(timeout, true)
	return asFloat(v), err
}

// GetSign returns the motor's sign (+1/-1).
func (m *Motor) GetSign(timeout time.Duration) (float64, error) {
	v, err := m.ch("sign").Read(timeout, true)
	return asFloat(v), err
}

// GetOffset returns the motor's offset.
func (m *Motor) GetOffset(timeout time.Duration) (float64, error) {
	v, err := m.ch("offset").Read(timeout, true)
	return asFloat(v), err
}

// SetOffset writes the motor's offset value.
func (m *Motor) SetOffset(offset float64, waitDrain bool) error {
	return m.ch("offset").Write(offset, waitDrain)
}

// GetLimits returns (low, high) in user units: dial limits scaled by sign
// and offset, per SpecMotorA.getLimits.
func (m *Motor) GetLimits(timeout time.Duration) (low, high float64, err error) {
	sign, err := m.GetSign(timeout)
	if err != nil {
		return 0, 0, err
	}
	offset, err := m.GetOffset(timeout)
	if err != nil {
		return 0, 0, err
	}
	lo, err := m.ch("low_limit").Read(timeout, true)
	if err != nil {
		return 0, 0, err
	}
	hi, err := m.ch("high_limit").Read(timeout, true)
	if err != nil {
		return 0, 0, err
	}
	a := asFloat(lo)*sign + offset
	b := asFloat(hi)*sign + offset
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}

// Move starts a move to absolutePosition. If wait, Move blocks until the
// move completes or timeout elapses.
func (m *Motor) Move(absolutePosition float64, wait bool, timeout time.Duration) error {
	m.mu.Lock()
	m.setStateLocked(MoveStarted)
	m.mu.Unlock()

	if err := m.ch("start_one").Write(absolutePosition, false); err != nil {
		return err
	}
	if wait {
		return m.WaitMove(timeout)
	}
	return nil
}

// MoveRelative moves by relativePosition from the motor's current position.
func (m *Motor) MoveRelative(relativePosition float64, wait bool, timeout time.Duration) error {
	pos, err := m.GetPosition(timeout)
	if err != nil {
		return err
	}
	return m.Move(pos+relativePosition, wait, timeout)
}

// WaitMove blocks until the motor settles into a non-moving state.
func (m *Motor) WaitMove(timeout time.Duration) error {
	m.mu.Lock()
	ch := m.readyCh
	m.mu.Unlock()

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
		return wait.ErrTimeout
	}
}

// MoveToLimit issues the "_mvc" macro toward the high limit (limit=true)
// or the low limit (limit=false), gated on the "status/ready" channel
// reading truthy, per SpecMotorA.moveToLimit/isSpecReady.
func (m *Motor) MoveToLimit(limit bool) error {
	ready, err := m.conn.Channel("status/ready", channel.DoReg).Read(time.Second, false)
	if err != nil {
		return err
	}
	if !truthy(ready) {
		return nil
	}
	arg := -1
	if limit {
		arg = 1
	}
	return m.moveToLimit.CallNoReply(intValue(arg))
}

// Stop aborts the current move.
func (m *Motor) Stop() error {
	return m.conn.Abort(true)
}

// GetParameter reads an arbitrary motor/<name>/<param> channel.
func (m *Motor) GetParameter(param string, timeout time.Duration) (any, error) {
	return m.ch(param).Read(timeout, true)
}

// SetParameter writes an arbitrary motor/<name>/<param> channel.
func (m *Motor) SetParameter(param string, value any, waitDrain bool) error {
	return m.ch(param).Write(value, waitDrain)
}
