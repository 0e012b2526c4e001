// Package channel implements the per-subscription channel object: caching
// the most recent value of a server-visible channel (or a leaf within it),
// coalescing incremental updates, and emitting valueChanged through the
// dispatcher. Grounded on SpecChannel.py's update()/read()/write(), kept
// field-for-field (spec_chan_name -> ServerName, access1/access2 ->
// Access1/Access2, registrationFlag, registered, value).
package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/speclab/specgo/internal/dispatch"
	"github.com/speclab/specgo/internal/logging"
	"github.com/speclab/specgo/internal/message"
	"github.com/speclab/specgo/internal/wait"
)

// RegistrationFlag selects when a channel registers with the server.
type RegistrationFlag int

const (
	// DoReg registers immediately if connected, else on the next
	// "connected" transition.
	DoReg RegistrationFlag = iota
	// DontReg never registers; the channel is a transient read-only handle.
	DontReg
	// WaitReg registers only after the next reconnection.
	WaitReg
)

// Sender is the connection-side surface a Channel needs: registering and
// unregistering with the server, reading and writing values.
type Sender interface {
	// Identity is a stable string identifying the connection, used to
	// build this channel's dispatch signal key.
	Identity() string
	SendRegister(serverName string) error
	SendUnregister(serverName string) error
	SendChanRead(serverName string) (*wait.Future, error)
	SendChanSend(serverName string, value message.Value, wait bool) error
}

var log = logging.Named("channel")

// Channel caches one (sub-)key of a server-visible channel.
type Channel struct {
	mu sync.Mutex

	conn Sender
	name string // full name, e.g. "var/T/x/y"

	// ServerName is the leading two path components ("var/T"), the name
	// actually registered with the server. Access1/Access2 are the
	// trailing access-path components selecting a leaf within the
	// server's published structured value, or "" if this channel
	// addresses the whole value.
	ServerName string
	Access1    string
	Access2    string

	Flag           RegistrationFlag
	registered     bool
	isDisconnected bool
	value          any
	hasValue       bool
}

// New builds a Channel for name, bound to conn. New itself never
// registers; the owning connection calls Connected once it is connected,
// and that registers per flag.
func New(conn Sender, name string, flag RegistrationFlag) *Channel {
	serverName, a1, a2 := splitName(name)
	c := &Channel{
		conn:           conn,
		name:           name,
		ServerName:     serverName,
		Access1:        a1,
		Access2:        a2,
		Flag:           flag,
		isDisconnected: false,
	}
	return c
}

// splitName implements SpecChannel's name parsing: a var/NAME/key[/subkey]
// name splits into server name "var/NAME" plus up to two access
// components; every other channel name grammar (motor/, scaler/, status/,
// error) addresses its server name wholesale with no access path.
func splitName(name string) (serverName, access1, access2 string) {
	if strings.HasPrefix(name, "var/") && strings.Contains(name[len("var/"):], "/") {
		parts := strings.Split(name, "/")
		serverName = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			return serverName, parts[2], ""
		}
		return serverName, parts[2], parts[3]
	}
	return name, "", ""
}

// Name returns the channel's full name, including any access path.
func (c *Channel) Name() string { return c.name }

// SignalIdentity is the dispatch sender key this channel's valueChanged
// events are emitted under: the owning connection's identity plus the
// channel's full name, so distinct connections never collide.
func (c *Channel) SignalIdentity() string {
	return c.conn.Identity() + "|" + c.name
}

// Connected runs registration bookkeeping on a "connected" transition, per
// SpecChannel.connected: a WAITREG channel promotes to DOREG once, and a
// DOREG channel registers if it hasn't already.
func (c *Channel) Connected() {
	c.mu.Lock()
	if c.Flag == WaitReg && c.isDisconnected {
		c.Flag = DoReg
	}
	c.isDisconnected = false
	needsRegister := c.Flag == DoReg && !c.registered
	c.mu.Unlock()

	if needsRegister {
		_ = c.Register()
	}
}

// Disconnected resets the channel on a "disconnected" transition.
func (c *Channel) Disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.hasValue = false
	c.isDisconnected = true
	c.registered = false
}

// Register tells the server to start pushing updates for this channel.
// Sub-key channels share their parent's server-visible registration and
// never issue their own REGISTER frame.
func (c *Channel) Register() error {
	c.mu.Lock()
	if c.ServerName != c.name {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.conn.SendRegister(c.ServerName); err != nil {
		return fmt.Errorf("channel: register %s: %w", c.ServerName, err)
	}
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	return nil
}

// Unregister tells the server to stop pushing updates and clears the
// cached value.
func (c *Channel) Unregister() {
	if err := c.conn.SendUnregister(c.ServerName); err != nil {
		log.Sugar().Warnw("unregister failed", "channel", c.ServerName, "error", err)
	}
	c.mu.Lock()
	c.registered = false
	c.value = nil
	c.hasValue = false
	c.mu.Unlock()
}

// Registered reports whether the server has been told to push updates.
func (c *Channel) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// CurrentValue returns the cached value, if any has been received yet.
// Implements wait.ChannelHandle.
func (c *Channel) CurrentValue() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.hasValue
}

// EnsureRegistered registers the channel if it is not already registered,
// and reports whether this call performed the registration. Implements
// wait.ChannelHandle.
func (c *Channel) EnsureRegistered() (bool, error) {
	if c.Registered() {
		return false, nil
	}
	if err := c.Register(); err != nil {
		return false, err
	}
	return true, nil
}

func coerceLeaf(v any) any {
	if s, ok := v.(string); ok {
		return message.Coerce(s)
	}
	return v
}

// Update applies an incoming server-published value, per SpecChannel's
// three update disciplines (leaf-addressed, bulk-mapping-merge, scalar
// replace). A leaf-addressed update emits valueChanged only on a
// stored-value change (or unconditionally when force is true); a bulk
// merge or a wholesale replace always emits.
//
// A channel with no declared access path still receives its value wrapped
// in an ASSOC_ARRAY under the synthetic "" key whenever the server is
// publishing a plain scalar (the wire format always carries channel
// payloads as associative arrays; "" is the server's convention for "no
// further breakdown"). That case is unwrapped here exactly like a leaf
// extraction; a payload carrying real named keys (no lone "" key) is
// instead treated as a genuine structured value and goes through the
// bulk-mapping merge.
func (c *Channel) Update(incoming any, deleted bool, force bool) {
	if c.Access1 != "" {
		c.updateLeaf(incoming, deleted, force)
		return
	}

	if m, ok := incoming.(map[string]any); ok {
		if raw, isScalarWrap := soleEmptyKeyValue(m); isScalarWrap {
			c.applyLeaf(raw, deleted, force)
			return
		}
	}

	c.mu.Lock()
	existingMap, existingIsMap := c.value.(map[string]any)
	incomingMap, incomingIsMap := incoming.(map[string]any)

	if existingIsMap && incomingIsMap && c.hasValue {
		if deleted {
			mergeDeleted(existingMap, incomingMap)
		} else {
			mergeUpdate(existingMap, incomingMap)
		}
		snapshot := copyMap(existingMap)
		c.hasValue = true
		c.mu.Unlock()
		c.emit(snapshot)
		return
	}

	if deleted {
		c.value = nil
		c.hasValue = false
	} else {
		c.value = incoming
		c.hasValue = true
	}
	v := c.value
	c.mu.Unlock()
	c.emit(v)
}

// soleEmptyKeyValue reports whether m is exactly the single-key wrapper
// {"": v} the wire uses to carry an unstructured scalar, returning v.
func soleEmptyKeyValue(m map[string]any) (any, bool) {
	if len(m) != 1 {
		return nil, false
	}
	v, ok := m[""]
	return v, ok
}

func (c *Channel) updateLeaf(incoming any, deleted bool, force bool) {
	m, ok := incoming.(map[string]any)
	if !ok {
		return
	}
	v1, present := m[c.Access1]
	if !present {
		return
	}

	if c.Access2 == "" {
		c.applyLeaf(v1, deleted, force)
		return
	}

	sub, isMap := v1.(map[string]any)
	if !isMap {
		return
	}
	v2, present := sub[c.Access2]
	if !present {
		return
	}
	c.applyLeaf(v2, deleted, force)
}

// applyLeaf stores raw as the channel's (coerced, or shallow-copied if
// itself a mapping) value when it differs from the cached one, or force
// is set, and emits on that change. When deleted is true it instead emits
// a single nil without touching the cached value, per the leaf-deletion
// rule.
func (c *Channel) applyLeaf(raw any, deleted bool, force bool) {
	if deleted {
		c.emit(nil)
		return
	}
	var newVal any
	if sub, isMap := raw.(map[string]any); isMap {
		newVal = copyMap(sub)
	} else {
		newVal = coerceLeaf(raw)
	}

	c.mu.Lock()
	changed := force || !c.hasValue || !valuesEqual(c.value, newVal)
	if changed {
		c.value = newVal
		c.hasValue = true
	}
	c.mu.Unlock()
	if changed {
		c.emit(newVal)
	}
}

func (c *Channel) emit(value any) {
	dispatch.Emit(c.SignalIdentity(), "valueChanged", value, c.name)
}

// mergeDeleted implements the deleted=true branch of the bulk-mapping
// merge: for each incoming key whose value is itself a mapping, delete the
// matching inner keys (collapsing to a synthetic "" leaf if that empties
// the inner mapping down to just that leaf); for scalar incoming keys,
// delete the key outright.
func mergeDeleted(existing, incoming map[string]any) {
	for key, val := range incoming {
		if inner, isMap := val.(map[string]any); isMap {
			existingInner, ok := existing[key].(map[string]any)
			if !ok {
				continue
			}
			for k := range inner {
				delete(existingInner, k)
			}
			if len(existingInner) == 1 {
				if leaf, ok := existingInner[""]; ok {
					existing[key] = leaf
				}
			}
		} else {
			delete(existing, key)
		}
	}
}

// mergeUpdate implements the deleted=false branch: for each incoming key,
// if both the existing and incoming entries are mappings, merge inner
// keys; if the existing entry is a scalar but the incoming one is a
// mapping, promote the existing scalar under a synthetic "" key first and
// then merge; otherwise assign outright.
func mergeUpdate(existing, incoming map[string]any) {
	for k1, v1 := range incoming {
		incomingInner, incomingIsMap := v1.(map[string]any)
		if !incomingIsMap {
			existing[k1] = v1
			continue
		}

		existingInner, isMap := existing[k1].(map[string]any)
		if !isMap {
			if _, present := existing[k1]; present {
				// promote scalar to a mapping under a synthetic "" key
				promoted := map[string]any{"": existing[k1]}
				for k2, v2 := range incomingInner {
					promoted[k2] = v2
				}
				existing[k1] = promoted
			} else {
				existing[k1] = copyMap(incomingInner)
			}
			continue
		}
		for k2, v2 := range incomingInner {
			existingInner[k2] = v2
		}
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func valuesEqual(a, b any) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// Read returns the cached value if the channel is registered and a value
// has already arrived (and force is false); otherwise it issues CHAN_READ
// and blocks for timeout, applying the reply through Update before
// returning.
func (c *Channel) Read(timeout time.Duration, force bool) (any, error) {
	if !force {
		if v, ok := c.CurrentValue(); ok && c.Registered() {
			return v, nil
		}
	}

	reply, err := wait.WaitReply(func() (*wait.Future, error) {
		return c.conn.SendChanRead(c.ServerName)
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("channel: read %s: %w", c.ServerName, err)
	}

	c.Update(message.ToAny(reply), false, false)
	v, _ := c.CurrentValue()
	return v, nil
}

// Write sends value to the server, wrapping it in nested mapping(s) first
// if this channel addresses an access path.
func (c *Channel) Write(value any, waitDrain bool) error {
	payload := value
	if c.Access1 != "" {
		if c.Access2 == "" {
			payload = map[string]any{c.Access1: value}
		} else {
			payload = map[string]any{c.Access1: map[string]any{c.Access2: value}}
		}
	}
	return c.conn.SendChanSend(c.ServerName, toWireValue(payload), waitDrain)
}

// toWireValue converts a plain Go value (as built by Write's access-path
// wrapping) back into a typed Value for the wire.
func toWireValue(v any) message.Value {
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
	case map[string]any:
		m := make(map[string]message.Value, len(x))
		for k, val := range x {
			m[k] = toWireValue(val)
		}
		return message.AssocOf(m)
	case []any:
		arr := make([]message.Value, len(x))
		for i, val := range x {
			arr[i] = toWireValue(val)
		}
		return message.Array(arr...)
	default:
		return message.Str(fmt.Sprintf("%v", x))
	}
}
