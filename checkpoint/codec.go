package checkpoint

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/certainly-param/tracelens/types"
)

// Format identifies how a checkpoint payload was serialized.
type Format string

const (
	// FormatJSON is the primary wire format for structured state.
	FormatJSON Format = "json"

	// FormatGob is the binary fallback for internally-originated state
	// that cannot be represented as JSON. Never produced for
	// network-originated writes.
	FormatGob Format = "gob"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Codec serializes checkpoint state. JSON is always attempted first; the
// gob fallback is only taken when the caller explicitly allows it.
type Codec struct{}

// Encode serializes state. When allowFallback is false and the state is
// not JSON-representable, a VALIDATION_ERROR is returned. When fallback
// is taken the returned format is FormatGob so callers can surface a
// SERIALIZATION_FALLBACK warning.
func (Codec) Encode(state types.State, allowFallback bool) ([]byte, Format, error) {
	data, err := json.Marshal(state)
	if err == nil {
		return data, FormatJSON, nil
	}

	if !allowFallback {
		return nil, "", types.NewError(types.ErrValidation,
			fmt.Sprintf("state is not JSON-representable: %v", err))
	}

	var buf bytes.Buffer
	if gerr := gob.NewEncoder(&buf).Encode(map[string]any(state)); gerr != nil {
		return nil, "", types.NewError(types.ErrSerializationFallback,
			"state could not be serialized").WithCause(gerr)
	}

	return buf.Bytes(), FormatGob, nil
}

// Decode deserializes a checkpoint payload, trying JSON first and falling
// back to gob for legacy binary payloads.
func (Codec) Decode(data []byte) (types.State, Format, error) {
	var state types.State
	if err := json.Unmarshal(data, &state); err == nil {
		return state, FormatJSON, nil
	}

	var m map[string]any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, "", types.NewError(types.ErrInternalError,
			"checkpoint payload is neither JSON nor gob").WithCause(err)
	}

	return types.State(m), FormatGob, nil
}
