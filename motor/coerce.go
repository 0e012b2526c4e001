package motor

import "github.com/speclab/specgo/internal/message"

// asFloat best-efforts a numeric reading out of whatever Coerce produced
// (int, float64, or — if coercion failed — a string, which reads as 0).
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// truthy mirrors Python's notion of truthiness for the channel values this
// facade branches on (move_done, status/ready).
func truthy(v any) bool {
	switch n := v.(type) {
	case bool:
		return n
	case int:
		return n != 0
	case float64:
		return n != 0
	case string:
		return n != "" && n != "0"
	default:
		return v != nil
	}
}

// intValue builds a typed INT32 command argument.
func intValue(n int) message.Value {
	return message.Int32(int32(n))
}
