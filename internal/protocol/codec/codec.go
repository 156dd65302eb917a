// Package codec is the structured-value encoding shared by the peer
// protocol and the local agent IPC channels.
//
// Values are CBOR (RFC 8949) with Core Deterministic Encoding. Decoding
// into `any` yields the following Go shapes, which every consumer of a
// decoded value must accept:
//
//   - text strings -> string, byte strings -> []byte
//   - unsigned integers -> uint64, negative integers -> int64
//   - floats -> float64, booleans -> bool, null -> nil
//   - arrays -> []any, maps -> map[string]any
//
// Maps with non-string keys are rejected on decode.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  64,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a pre-encoded value that is decoded lazily.
type RawMessage = cbor.RawMessage

// Diagnose renders data in CBOR diagnostic notation for debug logs.
func Diagnose(data []byte) string {
	out, err := cbor.Diagnose(data)
	if err != nil {
		return "<invalid cbor>"
	}
	return out
}

// AsString returns v as a string when it is a text or byte string.
func AsString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

// AsBytes returns v as bytes when it is a byte or text string.
func AsBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		return nil, false
	}
}

// AsList returns v as a slice when it is an array value.
func AsList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case nil:
		return nil, true
	default:
		return nil, false
	}
}

// AsMap returns v as a string-keyed map.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return map[string]any{}, true
	default:
		return nil, false
	}
}
