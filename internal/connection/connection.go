// Package connection implements the connection object: dialing (direct or
// port-scanning), the HELLO/HELLO_REPLY handshake, the frame receive loop,
// the queued send path, and the full request-operation surface of the
// wire protocol. Grounded on SpecConnection.py/makeConnection (dial +
// scan + handshake), generalized from gevent greenlets to goroutines, and
// on the teacher's internal/conn for the pendingReplies/Future dispatch
// shape.
package connection

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/speclab/specgo/internal/channel"
	"github.com/speclab/specgo/internal/dispatch"
	"github.com/speclab/specgo/internal/logging"
	"github.com/speclab/specgo/internal/message"
	"github.com/speclab/specgo/internal/registry"
	"github.com/speclab/specgo/internal/wait"
)

// State is a position in the connection state machine.
type State int32

const (
	Disconnected State = iota
	PortScanning
	WaitingForHello
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case PortScanning:
		return "PORTSCANNING"
	case WaitingForHello:
		return "WAITINGFORHELLO"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

const (
	scanLow     = 6510
	scanHigh    = 6530
	dialTimeout = 200 * time.Millisecond
	scanSleep   = 100 * time.Millisecond
	helloWindow = 2 * time.Second
)

// Error taxonomy visible to callers.
var (
	ErrNotConnected = errors.New("connection: not connected")
	ErrDisconnected = errors.New("connection: disconnected")
	// ErrTimeout aliases wait.ErrTimeout so callers of this package need not
	// import internal/wait just to classify a timeout.
	ErrTimeout = wait.ErrTimeout
)

// ProtocolError is returned when the peer reports an error on a reply, or
// when a v>=3-only operation is attempted against an older peer.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("connection: protocol error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("connection: protocol error: %s", e.Message)
}

// DispatcherError wraps a misuse of the signal layer surfaced through a
// connection operation.
type DispatcherError struct{ Err error }

func (e *DispatcherError) Error() string { return fmt.Sprintf("connection: dispatcher: %v", e.Err) }
func (e *DispatcherError) Unwrap() error { return e.Err }

// Re-exported registration flags, so callers of this package don't need to
// import internal/channel just to pick one.
type RegistrationFlag = channel.RegistrationFlag

const (
	DoReg   = channel.DoReg
	DontReg = channel.DontReg
	WaitReg = channel.WaitReg
)

type outItem struct {
	data []byte
	done chan struct{}
}

// Connection is one logical connection to a server, identified by the
// address string it was constructed with (stable across reconnects).
type Connection struct {
	addr     string
	host     string
	port     int    // fixed numeric port; unused when scanName != ""
	scanName string // non-empty selects port-scan dial policy

	log *zap.Logger

	mu            sync.Mutex
	state         State
	nc            net.Conn
	serverVersion int
	hasVersion    bool
	connectedCh   chan struct{}

	sn             atomic.Uint32
	pendingReplies map[uint32]*wait.Future
	channels       map[string]*channel.Channel
	byServer       map[string][]*channel.Channel

	outCh chan outItem

	released atomic.Bool
	simulate atomic.Bool

	errorReceiver *dispatch.Receiver
	simReceiver   *dispatch.Receiver
}

// New builds a Connection for addr ("host:port" or "host:scanName") and
// starts its dial loop in the background, matching
// _SpecConnectionsManager.getConnection's immediate gevent.spawn of
// makeConnection. Callers normally reach this through Acquire, which also
// dedups by address.
func New(addr string) *Connection {
	host, portOrName := splitAddr(addr)
	c := &Connection{
		addr:           addr,
		host:           host,
		log:            logging.Named("connection"),
		connectedCh:    make(chan struct{}),
		pendingReplies: make(map[uint32]*wait.Future),
		channels:       make(map[string]*channel.Channel),
		byServer:       make(map[string][]*channel.Channel),
	}
	if port, err := strconv.Atoi(portOrName); err == nil {
		c.port = port
	} else {
		c.scanName = portOrName
		c.port = scanLow
	}

	c.registerServiceChannels()
	go c.dialLoop()
	return c
}

func splitAddr(addr string) (host, portOrName string) {
	parts := strings.SplitN(addr, ":", 2)
	if len(parts) == 1 {
		return parts[0], "6789"
	}
	return parts[0], parts[1]
}

// registerServiceChannels reproduces SpecConnection.__init__'s two
// always-on registrations: "error" (FIREEVENT, feeds the error signal and
// ProtocolError reporting) and "status/simulate" (feeds the connection's
// simulation-mode flag).
func (c *Connection) registerServiceChannels() {
	errCh := c.Channel("error", DoReg)
	c.errorReceiver = dispatch.Connect(errCh.SignalIdentity(), "valueChanged", func(args []any) {
		if len(args) == 0 {
			return
		}
		c.log.Error("error event from server", zap.Any("value", args[0]))
		dispatch.Emit(c.Identity(), "error", args[0])
	}, dispatch.FireEvery)

	simCh := c.Channel("status/simulate", DoReg)
	c.simReceiver = dispatch.Connect(simCh.SignalIdentity(), "valueChanged", func(args []any) {
		if len(args) == 0 {
			return
		}
		c.simulate.Store(truthy(args[0]))
	}, dispatch.Coalescing)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != "" && x != "0"
	default:
		return false
	}
}

// Identity is the stable dispatch/channel key for this connection: the
// address it was constructed with, unaffected by reconnects or which port
// a scan eventually settled on.
func (c *Connection) Identity() string { return c.addr }

// IsSimulating reports the connection's current simulation-mode flag, as
// last reported on the "status/simulate" service channel.
func (c *Connection) IsSimulating() bool { return c.simulate.Load() }

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerVersion returns the peer's advertised protocol version, and
// whether a HELLO_REPLY has been received yet.
func (c *Connection) ServerVersion() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion, c.hasVersion
}

// ConnectedSignal implements wait.ConnectedSignal: a channel closed once
// this connection latches to CONNECTED. A fresh channel replaces it on
// every disconnect, so waiters started after a drop see the next connect.
func (c *Connection) ConnectedSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedCh
}

func (c *Connection) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// Channel returns the Channel object for name, creating it (and, if name
// carries an access path, the underlying server-registered channel it
// depends on) on first use. This mirrors
// SpecConnection.registerChannel's recursive registration of
// channel.spec_chan_name when it differs from the requested name.
func (c *Connection) Channel(name string, flag RegistrationFlag) *channel.Channel {
	c.mu.Lock()
	if ch, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return ch
	}
	c.mu.Unlock()

	ch := channel.New(c, name, flag)
	if ch.ServerName != name {
		c.Channel(ch.ServerName, DoReg)
	}

	c.mu.Lock()
	c.channels[name] = ch
	c.byServer[ch.ServerName] = append(c.byServer[ch.ServerName], ch)
	connected := c.state == Connected
	c.mu.Unlock()

	if connected {
		ch.Connected()
	}
	return ch
}

// ReadChannel is the convenience form of Channel(name, DoReg).Read.
func (c *Connection) ReadChannel(name string, timeout time.Duration, force bool) (any, error) {
	return c.Channel(name, DoReg).Read(timeout, force)
}

// WriteChannel is the convenience form of Channel(name, DoReg).Write.
func (c *Connection) WriteChannel(name string, value any, wait bool) error {
	return c.Channel(name, DoReg).Write(value, wait)
}

// SendRegister implements channel.Sender.
func (c *Connection) SendRegister(serverName string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	return c.enqueue(message.Frame{Cmd: message.OpRegister, Name: serverName}, false)
}

// SendUnregister implements channel.Sender.
func (c *Connection) SendUnregister(serverName string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	return c.enqueue(message.Frame{Cmd: message.OpUnregister, Name: serverName}, false)
}

// SendChanRead implements channel.Sender.
func (c *Connection) SendChanRead(serverName string) (*wait.Future, error) {
	return c.sendWithReply(func(sn uint32) message.Frame {
		return message.Frame{Cmd: message.OpChanRead, SN: sn, Name: serverName}
	})
}

// SendChanSend implements channel.Sender.
func (c *Connection) SendChanSend(serverName string, value message.Value, waitDrain bool) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	return c.enqueue(message.Frame{
		Cmd: message.OpChanSend, Name: serverName, Type: value.Kind, Payload: value,
	}, waitDrain)
}

// SendCommandWithReply issues a CMD_WITH_RETURN frame (the v<3 textual
// request-with-reply form).
func (c *Connection) SendCommandWithReply(cmd string) (*wait.Future, error) {
	return c.sendWithReply(func(sn uint32) message.Frame {
		return message.Frame{Cmd: message.OpCmdWithReturn, SN: sn, Type: message.KindString, Payload: message.Str(cmd)}
	})
}

// SendFunctionWithReply issues a FUNC_WITH_RETURN frame (the v>=3 typed
// request-with-reply form). It is a usage error against a v<3 peer.
func (c *Connection) SendFunctionWithReply(name string, args []message.Value) (*wait.Future, error) {
	version, ok := c.ServerVersion()
	if !ok || version < 3 {
		return nil, &ProtocolError{Message: "FUNC_WITH_RETURN requires a server version >= 3 peer"}
	}
	return c.sendWithReply(func(sn uint32) message.Frame {
		return message.Frame{
			Cmd: message.OpFuncWithReturn, SN: sn, Type: message.KindArray, Name: name,
			Payload: message.BuildCommandPayload(version, name, args, false),
		}
	})
}

// SendCommand issues a fire-and-forget CMD frame.
func (c *Connection) SendCommand(cmd string) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	return c.enqueue(message.Frame{Cmd: message.OpCmd, Type: message.KindString, Payload: message.Str(cmd)}, false)
}

// SendFunction issues a fire-and-forget FUNC frame. It is a usage error
// against a v<3 peer.
func (c *Connection) SendFunction(name string, args []message.Value) error {
	version, ok := c.ServerVersion()
	if !ok || version < 3 {
		return &ProtocolError{Message: "FUNC requires a server version >= 3 peer"}
	}
	return c.enqueue(message.Frame{
		Cmd: message.OpFunc, Type: message.KindArray, Name: name,
		Payload: message.BuildCommandPayload(version, name, args, false),
	}, false)
}

// Macro is the command alias SpecConnection.__getattr__ exposes as
// conn.macro: SendFunctionWithReply on a v>=3 peer, SendCommandWithReply
// (rendered as a function-style literal) otherwise.
func (c *Connection) Macro(name string, args []message.Value) (*wait.Future, error) {
	version, ok := c.ServerVersion()
	if ok && version >= 3 {
		return c.SendFunctionWithReply(name, args)
	}
	if !ok {
		version = 0
	}
	return c.SendCommandWithReply(message.BuildCommandPayload(version, name, args, true).Str)
}

// MacroNoReply is conn.macro_noret: the fire-and-forget counterpart of Macro.
func (c *Connection) MacroNoReply(name string, args []message.Value) error {
	version, ok := c.ServerVersion()
	if ok && version >= 3 {
		return c.SendFunction(name, args)
	}
	if !ok {
		version = 0
	}
	return c.SendCommand(message.BuildCommandPayload(version, name, args, true).Str)
}

// Abort is conn.abort: sends ABORT, optionally blocking until it has been
// written to the wire.
func (c *Connection) Abort(waitDrain bool) error {
	if !c.isConnected() {
		return ErrNotConnected
	}
	return c.enqueue(message.Frame{Cmd: message.OpAbort}, waitDrain)
}

// SendHello (re)sends a HELLO frame over an already-queued connection. The
// initial handshake HELLO is written directly to the raw socket by
// tryConnect, before the send queue exists; this method is for any later,
// explicit re-hello.
func (c *Connection) SendHello() error {
	return c.enqueue(message.Frame{Cmd: message.OpHello, Type: message.KindString, Name: c.addr}, false)
}

// Close sends a CLOSE frame to the peer. It does not itself tear down the
// local connection object; that happens when the last registry handle
// releases (see shutdown).
func (c *Connection) Close() error {
	if !c.isConnected() {
		return nil
	}
	return c.enqueue(message.Frame{Cmd: message.OpClose}, true)
}

func (c *Connection) allocateReply() (uint32, *wait.Future) {
	sn := c.sn.Add(1)
	fut := wait.NewFuture()
	c.mu.Lock()
	c.pendingReplies[sn] = fut
	c.mu.Unlock()
	return sn, fut
}

func (c *Connection) sendWithReply(build func(sn uint32) message.Frame) (*wait.Future, error) {
	if !c.isConnected() {
		return nil, ErrNotConnected
	}
	sn, fut := c.allocateReply()
	if err := c.enqueue(build(sn), false); err != nil {
		c.mu.Lock()
		delete(c.pendingReplies, sn)
		c.mu.Unlock()
		return nil, err
	}
	return fut, nil
}

// enqueue places frame's encoded bytes on the outgoing queue. If wait is
// true it blocks until the writer goroutine has handed those bytes to the
// socket, giving ABORT and destructive writes synchronous semantics (§4.2).
func (c *Connection) enqueue(f message.Frame, wait bool) error {
	c.mu.Lock()
	ch := c.outCh
	c.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	item := outItem{data: message.Encode(f)}
	var done chan struct{}
	if wait {
		done = make(chan struct{})
		item.done = done
	}

	select {
	case ch <- item:
	default:
		// Queue is a best-effort buffer; a full queue still must not drop
		// a frame, so fall back to a blocking send.
		ch <- item
	}
	if wait {
		<-done
	}
	return nil
}

// dialLoop runs until a connection succeeds or the connection is
// released. It restarts automatically after every disconnect, mirroring
// SpecConnection.makeConnection's unconditional "while True" retry loop.
func (c *Connection) dialLoop() {
	port := c.port
	if c.scanName != "" {
		c.mu.Lock()
		c.state = PortScanning
		c.mu.Unlock()
	}
	for {
		if c.released.Load() {
			return
		}

		addr := net.JoinHostPort(c.host, strconv.Itoa(port))
		if c.tryConnect(addr) {
			return
		}

		if c.scanName != "" {
			port++
			if port > scanHigh {
				port = scanLow
			}
		}
		time.Sleep(scanSleep)
	}
}

// tryConnect dials addr, performs the HELLO/HELLO_REPLY handshake directly
// on the raw socket (the send queue and receive loop do not exist until
// the handshake succeeds), and commits the connection on a matching
// identity. It reports whether the connection was established.
func (c *Connection) tryConnect(addr string) bool {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}

	c.mu.Lock()
	c.state = WaitingForHello
	c.mu.Unlock()

	hello := message.Encode(message.Frame{Cmd: message.OpHello, Type: message.KindString, Name: c.addr})
	if _, err := nc.Write(hello); err != nil {
		_ = nc.Close()
		return false
	}

	_ = nc.SetReadDeadline(time.Now().Add(helloWindow))
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := nc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				frame, consumed, derr := message.Decode(buf)
				if derr != nil {
					break
				}
				buf = buf[consumed:]
				if frame.Cmd != message.OpHelloReply {
					continue
				}
				if c.scanName != "" && frame.Name != c.scanName {
					_ = nc.Close()
					return false
				}
				version := helloReplyVersion(frame)
				_ = nc.SetReadDeadline(time.Time{})
				c.commit(nc, version, buf)
				return true
			}
		}
		if rerr != nil {
			_ = nc.Close()
			return false
		}
	}
}

func helloReplyVersion(f message.Frame) int {
	switch f.Payload.Kind {
	case message.KindInt32:
		return int(f.Payload.Int)
	case message.KindString:
		v, _ := strconv.Atoi(f.Payload.Str)
		return v
	default:
		return 0
	}
}

// commit finalizes a successful handshake: installs nc as the live
// socket, starts the writer and receive-loop goroutines (seeded with any
// bytes already read past the HELLO_REPLY), and fires the connected
// signal.
func (c *Connection) commit(nc net.Conn, version int, leftover []byte) {
	c.mu.Lock()
	c.nc = nc
	c.serverVersion = version
	c.hasVersion = true
	c.state = Connected
	latch := c.connectedCh
	outCh := make(chan outItem, 64)
	c.outCh = outCh
	chans := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	go c.writeLoop(nc, outCh)
	go c.receiveLoop(nc, leftover)

	for _, ch := range chans {
		ch.Connected()
	}

	close(latch)
	dispatch.Emit(c.Identity(), "connected")
	c.log.Info("connected", zap.String("addr", c.addr), zap.Int("serverVersion", version))
}

func (c *Connection) writeLoop(nc net.Conn, outCh chan outItem) {
	for item := range outCh {
		if len(item.data) > 0 {
			if _, err := nc.Write(item.data); err != nil {
				if item.done != nil {
					close(item.done)
				}
				return
			}
		}
		if item.done != nil {
			close(item.done)
		}
	}
}

// receiveLoop reads frames from nc until EOF or error, dispatching each to
// the appropriate handler. Decoding advances the buffer before dispatch
// runs, so a panic while handling one frame cannot lose the bytes already
// consumed for the next one (§4.2's "exception must not lose the rest of
// the buffer" requirement).
func (c *Connection) receiveLoop(nc net.Conn, seed []byte) {
	buf := append([]byte(nil), seed...)
	tmp := make([]byte, 4096)
	for {
		n, err := nc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				frame, consumed, derr := message.Decode(buf)
				if derr != nil {
					if errors.Is(derr, message.ErrNeedMore) {
						break
					}
					c.log.Error("dropping frame after decode error", zap.Error(derr))
					buf = nil
					break
				}
				buf = buf[consumed:]
				c.dispatchFrame(frame)
			}
		}
		if err != nil {
			c.handleDisconnect()
			return
		}
	}
}

func (c *Connection) dispatchFrame(f message.Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic dispatching frame", zap.Any("recover", r), zap.Stringer("cmd", f.Cmd))
		}
	}()

	switch f.Cmd {
	case message.OpReply:
		c.handleReply(f)
	case message.OpEvent:
		c.handleEvent(f)
	case message.OpHelloReply:
		// Only reachable here for a HELLO_REPLY arriving after the
		// handshake already completed (e.g. a stray duplicate); no
		// client-side reaction is defined for that case.
	default:
		// accepted, no client-side reaction
	}
}

func (c *Connection) handleReply(f message.Frame) {
	if f.SN == 0 {
		return
	}
	c.mu.Lock()
	fut, ok := c.pendingReplies[f.SN]
	if ok {
		delete(c.pendingReplies, f.SN)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("reply for unknown sn", zap.Uint32("sn", f.SN))
		return
	}
	if f.Type == message.KindError {
		fut.Complete(message.Value{}, &ProtocolError{Code: f.Name, Message: f.Payload.Str})
		return
	}
	fut.Complete(f.Payload, nil)
}

func (c *Connection) handleEvent(f message.Frame) {
	c.mu.Lock()
	subs := append([]*channel.Channel(nil), c.byServer[f.Name]...)
	c.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	data := message.ToAny(f.Payload)
	deleted := f.Flags.Has(message.FlagDeleted)
	for _, ch := range subs {
		ch.Update(data, deleted, false)
	}
}

// handleDisconnect implements §4.2's disconnect transition: fail every
// pending reply with Disconnected, collapse every channel to unregistered,
// fire the disconnected signal, and — unless the connection has been
// released — restart the dial loop.
func (c *Connection) handleDisconnect() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	pending := c.pendingReplies
	c.pendingReplies = make(map[uint32]*wait.Future)
	chans := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	if c.nc != nil {
		_ = c.nc.Close()
		c.nc = nil
	}
	if c.outCh != nil {
		close(c.outCh)
		c.outCh = nil
	}
	c.hasVersion = false
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()

	for sn, fut := range pending {
		fut.Complete(message.Value{}, fmt.Errorf("connection: sn=%d: %w", sn, ErrDisconnected))
	}
	for _, ch := range chans {
		ch.Disconnected()
	}
	dispatch.Emit(c.Identity(), "disconnected")
	c.log.Info("disconnected", zap.String("addr", c.addr))

	if !c.released.Load() {
		go c.dialLoop()
	}
}

// shutdown permanently tears the connection down: no further redial is
// attempted. Installed as the registry's close function.
func (c *Connection) shutdown() {
	c.released.Store(true)
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc != nil {
		_ = nc.Close()
	}
}

var connections = registry.New[Connection](func(c *Connection) { c.shutdown() })

// Acquire returns a reference-counted handle to the connection for addr,
// creating and starting it on first use and reusing the live instance on
// every subsequent call, so that concurrent callers sharing an address
// share one dial instead of each opening their own. Release the returned
// handle when done with it.
func Acquire(addr string) (*registry.Handle[Connection], error) {
	return connections.Acquire(addr, func() (*Connection, error) {
		return New(addr), nil
	})
}
