package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Cloner isolates a value crossing the local bridge's "hop", so concurrent
// callers can never observe each other's in-place mutations even though
// there is no real wire between them: proto.Clone for proto.Message
// values, with a JSON-roundtrip fallback for plain Go values (the local
// bridge is not limited to proto payloads).
type Cloner[T any] interface {
	Clone(v T) (T, error)
}

// DefaultCloner is the Cloner used by LocalBridge unless overridden.
type DefaultCloner[T any] struct{}

func (DefaultCloner[T]) Clone(v T) (T, error) {
	if msg, ok := any(v).(proto.Message); ok {
		cloned, ok := proto.Clone(msg).(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("transport: cloned proto message is not %T", v)
		}
		return cloned, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("transport: clone via json marshal: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("transport: clone via json unmarshal: %w", err)
	}
	return out, nil
}

// NoopCloner passes v through unmodified. Useful for value types (structs
// without pointer/slice/map fields) where aliasing cannot occur.
type NoopCloner[T any] struct{}

func (NoopCloner[T]) Clone(v T) (T, error) { return v, nil }
