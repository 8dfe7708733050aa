package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

// ConnectionError reports a stream that failed to open or closed
// unexpectedly. It is recoverable and may trigger a reconnect.
type ConnectionError struct {
	Epoch uint64
	Op    string // "dial" or "read"
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream: %s (epoch %d): %v", e.Op, e.Epoch, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError reports a malformed frame. The frame is dropped.
type ParseError struct {
	Epoch uint64
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stream: malformed frame (epoch %d): %v", e.Epoch, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errNotArray    = errors.New("payload is not a JSON array")
	errNullElement = errors.New("array element is null")
)

// DecodeBatch parses a frame payload: a JSON array of numbers, oldest first.
func DecodeBatch(payload []byte) ([]wave.Sample, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errNotArray
	}
	var raw []*float64
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	out := make([]wave.Sample, len(raw))
	for i, v := range raw {
		if v == nil {
			return nil, fmt.Errorf("index %d: %w", i, errNullElement)
		}
		out[i] = *v
	}
	return out, nil
}
