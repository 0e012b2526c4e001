// Command fakeserver is a minimal stand-in instrument server: it speaks
// just enough of the wire protocol (internal/message) to drive the real
// connection/channel/command/motor/counter/variable/spec stack end to end
// in internal/integration, without requiring a real instrument.
//
// It is not a reference implementation of any particular instrument; it
// tracks a small fixed set of motors and counters in memory and simulates
// their movement/counting on a short fixed delay so WaitMove/WaitCount
// have something real to wait on.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/speclab/specgo/internal/message"
)

const (
	motorEnumerationExpr   = "local md[]; for (i=0; i<MOTORS; i++) { md[i][motor_mne(i)]=motor_name(i) }; return md"
	counterEnumerationExpr = `local ca[]; for (i=0; i<COUNTERS; i++) { ca[i][cnt_mne(i)]=cnt_name(i) }; return ca`
)

func main() {
	port := envOr("FAKESERVER_PORT", "6510")
	name := envOr("FAKESERVER_NAME", "fakespec")
	version := int32(3)

	srv := newServer(name, version)

	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatalf("fakeserver: listen: %v", err)
	}
	log.Printf("fakeserver: listening on :%s as %q (version %d)", port, name, version)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("fakeserver: accept: %v", err)
			continue
		}
		go srv.handleConn(conn)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// motorState is one motor's in-memory fields, named after the
// motor/<mne>/<field> channels they back.
type motorState struct {
	position     float64
	dialPosition float64
	sign         float64
	offset       float64
	lowLimit     float64
	highLimit    float64
	moveDone     bool
	params       map[string]any
}

type counterState struct {
	typ      int // 0 timer, 1 monitor, 2 scaler
	value    float64
	disabled bool
}

// server holds every piece of shared, cross-connection state: the channel
// value store CHAN_READ answers from and CHAN_SEND updates, plus the set
// of connections currently registered to each server-visible channel name
// so writes can be fanned out as EVENT frames.
type server struct {
	name    string
	version int32

	mu          sync.Mutex
	store       map[string]any
	motors      map[string]*motorState
	motorOrder  []string
	counters    map[string]*counterState
	counterName map[string]string
	counterOrd  []string
	subscribers map[string]map[*clientConn]bool

	allCountCancel chan struct{}
}

type clientConn struct {
	nc  net.Conn
	mu  sync.Mutex // guards writes to nc
	sn  uint32     // unused server-side, replies echo the client's sn
}

func newServer(name string, version int32) *server {
	s := &server{
		name:        name,
		version:     version,
		store:       map[string]any{},
		motors:      map[string]*motorState{},
		counters:    map[string]*counterState{},
		counterName: map[string]string{},
		subscribers: map[string]map[*clientConn]bool{},
	}

	s.store["var/SPEC"] = "FAKESPEC"
	s.store["var/VERSION"] = "1.0-fake"
	s.store["status/ready"] = 1
	s.store["status/simulate"] = 0
	s.store["scaler/.all./count"] = 0.0

	s.addMotor("th", "Theta", 0, 1, -180, 180)
	s.addMotor("tth", "Two Theta", 0, 1, -180, 360)

	s.addCounter("sec", "Seconds", 0)
	s.addCounter("mon", "Monitor", 1)
	s.addCounter("det", "Detector", 2)

	return s
}

func (s *server) addMotor(mne, name string, pos, sign, lo, hi float64) {
	s.motors[mne] = &motorState{
		position: pos, dialPosition: pos, sign: sign,
		lowLimit: lo, highLimit: hi, params: map[string]any{},
	}
	s.motorOrder = append(s.motorOrder, mne)
	s.store["motor/"+mne+"/name"] = name
	s.syncMotorStore(mne)
}

func (s *server) addCounter(mne, name string, typ int) {
	s.counters[mne] = &counterState{typ: typ}
	s.counterOrd = append(s.counterOrd, mne)
	s.counterName[mne] = name
	s.store["var/"+mne] = typ
	s.store["scaler/"+mne+"/value"] = 0.0
}

// syncMotorStore pushes m's fields into the flat channel store under their
// motor/<mne>/<field> names; called whenever a motor's state changes, with
// the caller already holding s.mu.
func (s *server) syncMotorStore(mne string) {
	m := s.motors[mne]
	s.store["motor/"+mne+"/position"] = m.position
	s.store["motor/"+mne+"/dial_position"] = m.dialPosition
	s.store["motor/"+mne+"/sign"] = m.sign
	s.store["motor/"+mne+"/offset"] = m.offset
	s.store["motor/"+mne+"/low_limit"] = m.lowLimit
	s.store["motor/"+mne+"/high_limit"] = m.highLimit
	s.store["motor/"+mne+"/move_done"] = boolToInt(m.moveDone)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *server) handleConn(nc net.Conn) {
	c := &clientConn{nc: nc}
	defer func() {
		s.dropConn(c)
		_ = nc.Close()
	}()

	if !s.handshake(c) {
		return
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := nc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				frame, consumed, derr := message.Decode(buf)
				if derr != nil {
					break
				}
				buf = buf[consumed:]
				if !s.dispatch(c, frame) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handshake reads the client's raw HELLO frame and writes back HELLO_REPLY
// advertising this server's identity and version, per §4.2's handshake.
func (s *server) handshake(c *clientConn) bool {
	buf := make([]byte, 0, 512)
	tmp := make([]byte, 512)
	for {
		n, err := c.nc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			frame, consumed, derr := message.Decode(buf)
			if derr == nil {
				buf = buf[consumed:]
				if frame.Cmd != message.OpHello {
					return false
				}
				break
			}
		}
		if err != nil {
			return false
		}
	}

	reply := message.Frame{
		Cmd: message.OpHelloReply, Name: s.name,
		Type: message.KindInt32, Payload: message.Int32(s.version),
	}
	return c.write(reply) == nil
}

func (c *clientConn) write(f message.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.nc.Write(message.Encode(f))
	return err
}

func (s *server) dropConn(c *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subscribers {
		delete(subs, c)
	}
}

// dispatch handles one decoded frame and reports whether the connection
// should stay open.
func (s *server) dispatch(c *clientConn, f message.Frame) bool {
	switch f.Cmd {
	case message.OpClose:
		return false
	case message.OpAbort:
		s.handleAbort()
		return true
	case message.OpRegister:
		s.handleRegister(c, f.Name)
		return true
	case message.OpUnregister:
		s.handleUnregister(c, f.Name)
		return true
	case message.OpChanRead:
		s.handleChanRead(c, f)
		return true
	case message.OpChanSend:
		s.handleChanSend(f.Name, f.Payload)
		return true
	case message.OpCmdWithReturn:
		s.handleMacro(c, f.SN, f.Payload.Str)
		return true
	case message.OpFuncWithReturn:
		s.handleMacro(c, f.SN, f.Name)
		return true
	case message.OpCmd:
		s.handleMacroNoReply(f.Payload.Str)
		return true
	case message.OpFunc:
		s.handleMacroNoReply(f.Name)
		return true
	case message.OpHello:
		_ = c.write(message.Frame{Cmd: message.OpHelloReply, Name: s.name, Type: message.KindInt32, Payload: message.Int32(s.version)})
		return true
	default:
		return true
	}
}

func (s *server) handleRegister(c *clientConn, name string) {
	s.mu.Lock()
	subs, ok := s.subscribers[name]
	if !ok {
		subs = map[*clientConn]bool{}
		s.subscribers[name] = subs
	}
	subs[c] = true
	s.mu.Unlock()
}

func (s *server) handleUnregister(c *clientConn, name string) {
	s.mu.Lock()
	if subs, ok := s.subscribers[name]; ok {
		delete(subs, c)
	}
	s.mu.Unlock()
}

func (s *server) handleChanRead(c *clientConn, f message.Frame) {
	s.mu.Lock()
	v, ok := s.store[f.Name]
	s.mu.Unlock()
	if !ok {
		_ = c.write(message.Frame{Cmd: message.OpReply, SN: f.SN, Type: message.KindNull})
		return
	}
	_ = c.write(message.Frame{Cmd: message.OpReply, SN: f.SN, Type: wireValue(v).Kind, Payload: wireValue(v)})
}

func (s *server) handleChanSend(name string, payload message.Value) {
	value := message.ToAny(payload)

	switch {
	case strings.HasPrefix(name, "motor/") && strings.HasSuffix(name, "/start_one"):
		mne := strings.TrimSuffix(strings.TrimPrefix(name, "motor/"), "/start_one")
		s.startMove(mne, asFloat(value))
		return
	case strings.HasPrefix(name, "motor/") && strings.HasSuffix(name, "/offset"):
		mne := strings.TrimSuffix(strings.TrimPrefix(name, "motor/"), "/offset")
		s.mu.Lock()
		if m, ok := s.motors[mne]; ok {
			m.offset = asFloat(value)
			s.syncMotorStore(mne)
		}
		s.mu.Unlock()
		s.publish(name, value, false)
		return
	case strings.HasPrefix(name, "motor/"):
		// generic SetParameter on an arbitrary motor/<mne>/<param> channel
		parts := strings.SplitN(strings.TrimPrefix(name, "motor/"), "/", 2)
		if len(parts) == 2 {
			s.mu.Lock()
			if m, ok := s.motors[parts[0]]; ok {
				m.params[parts[1]] = value
			}
			s.store[name] = value
			s.mu.Unlock()
		}
		s.publish(name, value, false)
		return
	case name == "scaler/.all./count":
		s.startCount(asFloat(value))
		return
	default:
		s.mu.Lock()
		s.store[name] = value
		s.mu.Unlock()
		s.publish(name, value, false)
	}
}

// startMove simulates a move: flips move_done true immediately, then after
// a short fixed settle time lands exactly on target and flips move_done
// back to false, emitting an EVENT at each transition.
func (s *server) startMove(mne string, target float64) {
	s.mu.Lock()
	m, ok := s.motors[mne]
	if !ok {
		s.mu.Unlock()
		return
	}
	m.moveDone = true
	s.syncMotorStore(mne)
	s.mu.Unlock()
	s.publish("motor/"+mne+"/move_done", 1, false)

	go func() {
		time.Sleep(80 * time.Millisecond)
		s.mu.Lock()
		m, ok := s.motors[mne]
		if !ok {
			s.mu.Unlock()
			return
		}
		m.position = target
		m.dialPosition = (target - m.offset) / nonZero(m.sign)
		m.moveDone = false
		s.syncMotorStore(mne)
		s.mu.Unlock()
		s.publish("motor/"+mne+"/position", target, false)
		s.publish("motor/"+mne+"/move_done", 0, false)
	}()
}

func nonZero(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

// startCount simulates counting: publishes the nonzero count duration,
// bumps every counter's accumulated value once, then republishes the
// shared ALL_COUNT channel as 0 to signal completion. A zero duration is
// the Stop convention and completes immediately with no bump.
func (s *server) startCount(seconds float64) {
	s.mu.Lock()
	s.store["scaler/.all./count"] = seconds
	cancel := make(chan struct{})
	s.allCountCancel = cancel
	s.mu.Unlock()
	s.publish("scaler/.all./count", seconds, false)

	if seconds == 0 {
		s.publish("scaler/.all./count", 0.0, false)
		return
	}

	go func() {
		select {
		case <-time.After(80 * time.Millisecond):
		case <-cancel:
			s.mu.Lock()
			s.store["scaler/.all./count"] = 0.0
			s.mu.Unlock()
			s.publish("scaler/.all./count", 0.0, false)
			return
		}
		s.mu.Lock()
		for _, mne := range s.counterOrd {
			cs := s.counters[mne]
			cs.value += 1000
			s.store["scaler/"+mne+"/value"] = cs.value
		}
		s.store["scaler/.all./count"] = 0.0
		s.mu.Unlock()
		for _, mne := range s.counterOrd {
			s.publish("scaler/"+mne+"/value", s.counters[mne].value, false)
		}
		s.publish("scaler/.all./count", 0.0, false)
	}()
}

func (s *server) handleAbort() {
	s.mu.Lock()
	for _, m := range s.motors {
		m.moveDone = false
	}
	cancel := s.allCountCancel
	s.mu.Unlock()
	if cancel != nil {
		close(cancel)
		s.mu.Lock()
		s.allCountCancel = nil
		s.mu.Unlock()
	}
	for mne := range s.motors {
		s.mu.Lock()
		s.syncMotorStore(mne)
		s.mu.Unlock()
		s.publish("motor/"+mne+"/move_done", 0, false)
	}
}

func (s *server) publish(name string, value any, deleted bool) {
	s.mu.Lock()
	subs := make([]*clientConn, 0, len(s.subscribers[name]))
	for c := range s.subscribers[name] {
		subs = append(subs, c)
	}
	s.mu.Unlock()

	flags := message.FlagNone
	if deleted {
		flags = message.FlagDeleted
	}
	wv := wireValue(value)
	for _, c := range subs {
		_ = c.write(message.Frame{Cmd: message.OpEvent, Name: name, Type: wv.Kind, Flags: flags, Payload: wv})
	}
}

var disablePattern = regexp.MustCompile(`^counter_par\((\w+),\s*"disable"(?:,\s*(\d+))?\)$`)

// handleMacro answers a *_WITH_RETURN request. expr is either the FUNC
// name (typed path) or the raw CMD text (legacy path); both carry the same
// surface syntax for the handful of macros this server understands.
func (s *server) handleMacro(c *clientConn, sn uint32, expr string) {
	reply := s.evalMacro(expr)
	_ = c.write(message.Frame{Cmd: message.OpReply, SN: sn, Type: reply.Kind, Payload: reply})
}

func (s *server) handleMacroNoReply(expr string) {
	s.evalMacro(expr)
}

func (s *server) evalMacro(expr string) message.Value {
	switch expr {
	case "_mvc":
		return message.Null
	case motorEnumerationExpr:
		return s.enumerationReply(s.motorOrder, func(mne string) string {
			return fmt.Sprintf("%v", s.store["motor/"+mne+"/name"])
		})
	case counterEnumerationExpr:
		return s.enumerationReply(s.counterOrd, func(mne string) string {
			return s.counterName[mne]
		})
	}

	if m := disablePattern.FindStringSubmatch(expr); m != nil {
		mne := m[1]
		s.mu.Lock()
		defer s.mu.Unlock()
		cs, ok := s.counters[mne]
		if !ok {
			return message.Err("unknown counter " + mne)
		}
		if m[2] != "" {
			cs.disabled = m[2] != "0"
			return message.Null
		}
		return message.Int32(int32(boolToInt(cs.disabled)))
	}

	// Unrecognized macro text: acknowledge with a generic echo rather than
	// erroring, since this server only models a fixed vocabulary of
	// motor/counter macros.
	return message.Str("ok: " + expr)
}

func (s *server) enumerationReply(order []string, nameOf func(string) string) message.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]message.Value, len(order))
	for i, mne := range order {
		m[fmt.Sprintf("%d", i)] = message.AssocOf(map[string]message.Value{
			mne: message.Str(nameOf(mne)),
		})
	}
	return message.AssocOf(m)
}

func wireValue(v any) message.Value {
	switch x := v.(type) {
	case nil:
		return message.Null
	case string:
		return message.Str(x)
	case int:
		return message.Int32(int32(x))
	case int32:
		return message.Int32(x)
	case float64:
		return message.Double(x)
	case bool:
		return message.Int32(int32(boolToInt(x)))
	case map[string]any:
		m := make(map[string]message.Value, len(x))
		for k, val := range x {
			m[k] = wireValue(val)
		}
		return message.AssocOf(m)
	default:
		return message.Str(fmt.Sprintf("%v", x))
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case string:
		var f float64
		_, _ = fmt.Sscanf(x, "%g", &f)
		return f
	default:
		return 0
	}
}
