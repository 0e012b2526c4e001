package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/speclab/specgo/internal/message"
	"github.com/speclab/specgo/internal/output"
	"github.com/speclab/specgo/spec"
)

// openHandle acquires a Handle for cfg, logging the dial target when verbose.
func openHandle(cfg *rootConfig) (*spec.Handle, error) {
	addr := cfg.addr()
	if cfg.verbose {
		fmt.Fprintf(os.Stderr, "connecting to %s\n", addr)
	}
	return spec.Open(addr, cfg.timeout)
}

// argValues converts CLI argument strings into command.Call's message.Value
// form, applying the same int-then-float-then-string coercion the channel
// substrate applies at read time.
func argValues(args []string) []message.Value {
	out := make([]message.Value, len(args))
	for i, a := range args {
		out[i] = toValue(message.Coerce(a))
	}
	return out
}

func toValue(v any) message.Value {
	switch n := v.(type) {
	case int:
		return message.Int32(int32(n))
	case float64:
		return message.Double(n)
	case string:
		return message.Str(n)
	default:
		return message.Str(fmt.Sprintf("%v", n))
	}
}

// singleValueIterator adapts one decoded value (or error) into an
// output.ValueIterator that yields it once, then io.EOF.
type singleValueIterator struct {
	raw  json.RawMessage
	err  error
	done bool
}

func newSingleValueIterator(v any) *singleValueIterator {
	raw, err := json.Marshal(v)
	if err != nil {
		return &singleValueIterator{err: err}
	}
	return &singleValueIterator{raw: raw}
}

func (s *singleValueIterator) Next() (json.RawMessage, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	if s.err != nil {
		return nil, s.err
	}
	return s.raw, nil
}

func (s *singleValueIterator) Close() error { return nil }

// writeValue renders v through the configured output format.
func writeValue(w io.Writer, cfg *rootConfig, v any) error {
	return writeIter(w, cfg, newSingleValueIterator(v))
}

func writeIter(w io.Writer, cfg *rootConfig, iter output.ValueIterator) error {
	switch output.DetectFormat(os.Stdout, cfg.format) {
	case "jsonl":
		return output.JSONL(w, iter)
	case "raw":
		return output.Raw(w, iter)
	case "table":
		return output.Table(w, iter)
	default:
		return output.JSON(w, iter)
	}
}
