// Package message implements the wire codec: framing, payload typing, and
// the version-dependent command payload builders. It is stateless byte-in/
// byte-out, mirroring the teacher's internal/wire package but carrying a
// richer, self-describing frame format instead of RethinkDB's fixed
// token+length header.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies the start of a frame.
const Magic uint32 = 0x53504331 // "SPC1"

// headerSize is the fixed portion of every frame: magic, version, size,
// sn, cmd, type, flags, nameLen — all uint32/int32, little-endian.
const headerSize = 4*8

// ErrNeedMore signals that buf does not yet hold a complete frame. Decode
// returns it alongside a zero Frame and a consumed count of 0; the caller
// must read more bytes and retry with the same (or a longer) buffer.
var ErrNeedMore = errors.New("message: need more data")

// Frame is one parsed unit of the wire protocol.
type Frame struct {
	Cmd     Opcode
	SN      uint32
	Type    Kind
	Flags   Flags
	Name    string
	Payload Value
}

// Encode serializes f. It takes no server version: the frame header
// format does not vary across versions; only the
// command payload shape varies (see BuildCommandPayload), which callers
// apply before constructing the Frame.
func Encode(f Frame) []byte {
	body := encodeValue(f.Payload)
	name := []byte(f.Name)

	buf := make([]byte, 0, headerSize+len(name)+len(body))
	buf = append(buf, u32(Magic)...)
	buf = append(buf, u32(1)...) // header format version, distinct from ServerVersion
	buf = append(buf, u32(uint32(len(body)))...)
	buf = append(buf, u32(f.SN)...)
	buf = append(buf, u32(uint32(f.Cmd))...)
	buf = append(buf, u32(uint32(f.Type))...)
	buf = append(buf, u32(uint32(f.Flags))...)
	buf = append(buf, u32(uint32(len(name)))...)
	buf = append(buf, name...)
	buf = append(buf, body...)
	return buf
}

// Decode attempts to parse a single frame from the front of buf. It returns
// (frame, consumed, nil) on success, or (Frame{}, 0, ErrNeedMore) if buf
// does not yet hold a whole frame. It never reads past a complete frame's
// boundary and never mutates or consumes buf itself — the caller slices.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < headerSize {
		return Frame{}, 0, ErrNeedMore
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Frame{}, 0, fmt.Errorf("message: bad magic %#x", magic)
	}
	// buf[4:8] is the header format version, currently always 1; ignored.
	size := binary.LittleEndian.Uint32(buf[8:12])
	sn := binary.LittleEndian.Uint32(buf[12:16])
	cmd := Opcode(binary.LittleEndian.Uint32(buf[16:20])) //nolint:gosec
	typ := Kind(binary.LittleEndian.Uint32(buf[20:24]))   //nolint:gosec
	flags := Flags(binary.LittleEndian.Uint32(buf[24:28])) //nolint:gosec
	nameLen := binary.LittleEndian.Uint32(buf[28:32])

	total := headerSize + int(nameLen) + int(size)
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMore
	}

	name := string(buf[headerSize : headerSize+int(nameLen)])
	body := buf[headerSize+int(nameLen) : total]

	payload, err := decodeValue(typ, body)
	if err != nil {
		return Frame{}, 0, fmt.Errorf("message: decoding payload for %s: %w", cmd, err)
	}

	return Frame{
		Cmd:     cmd,
		SN:      sn,
		Type:    typ,
		Flags:   flags,
		Name:    name,
		Payload: payload,
	}, total, nil
}

// BuildCommandPayload renders a macro/function invocation as the payload
// shape appropriate to serverVersion: a single concatenated string below
// protocol version 3, a typed [name, args...] array from version 3 on.
//
// asFunction selects, for the v<3 textual form only, between
// "name(arg1,arg2,...)" (asFunction = true) and "name arg1 arg2 ..."
// (asFunction = false); it has no effect on the v>=3 typed form.
func BuildCommandPayload(serverVersion int, name string, args []Value, asFunction bool) Value {
	if serverVersion >= 3 {
		cells := make([]Value, 0, len(args)+1)
		cells = append(cells, Str(name))
		cells = append(cells, args...)
		return Array(cells...)
	}
	return Str(buildLegacyCommandString(name, args, asFunction))
}

func buildLegacyCommandString(name string, args []Value, asFunction bool) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = literalString(a)
	}
	if asFunction {
		s := name + "("
		for i, p := range parts {
			if i > 0 {
				s += ","
			}
			s += p
		}
		return s + ")"
	}
	s := name
	for _, p := range parts {
		s += " " + p
	}
	return s
}

// literalString renders a Value in the round-trippable textual form the
// v<3 peer expects for each argument of a CMD-style command.
func literalString(v Value) string {
	switch v.Kind {
	case KindString, KindError:
		return v.Str
	case KindInt32:
		return fmt.Sprintf("%d", v.Int)
	case KindDouble:
		return fmt.Sprintf("%g", v.Dbl)
	case KindNull:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
