package output

import "encoding/json"

// ValueIterator streams decoded command/channel replies as raw JSON.
// A single command or channel read yields exactly one Value, so most
// callers see one element followed by io.EOF; the interface stays
// iterator-shaped so Table can still expand an array-valued reply into
// several rows (see expandRows).
type ValueIterator interface {
	Next() (json.RawMessage, error)
	Close() error
}
