// Package sizedval approximates the in-memory footprint of
// JSON-representable values and deep-clones them for cache isolation.
package sizedval

import (
	"reflect"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// ErrInvalidPayload is returned by DeepClone when asked to clone a value
// that cannot round-trip through a JSON-like representation (functions
// and channels are the common offenders).
var ErrInvalidPayload = errors.New("sizedval: value is not cloneable")

// ApproximateSize estimates the in-memory size, in bytes, of a
// JSON-representable Go value built from map[string]any, []any, string,
// float64/int, bool and nil — the shapes produced by encoding/json
// Unmarshal into `any`, plus the other Go integer and float types. Map
// and slice types other than map[string]any and []any are not recognized.
//
// Sizing rules: strings count two bytes per UTF-16 code unit; numbers and
// booleans are 8 bytes; nil is 4 bytes; arrays are a 24-byte header plus
// the size of each element; objects are a 24-byte header plus, per key,
// twice the key length plus the value's size. Cycles are broken with a
// visited set keyed by the slice/map's runtime data pointer; a value
// that does not fit a recognized shape counts as 0 rather than erroring,
// since size estimation is always best-effort.
func ApproximateSize(v any) int {
	seen := make(map[uintptr]bool)
	return approx(v, seen)
}

func approx(v any, seen map[uintptr]bool) int {
	switch val := v.(type) {
	case nil:
		return 4
	case bool:
		return 8
	case string:
		return len(utf16.Encode([]rune(val))) * 2
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return 8
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return 0
			}
			seen[ptr] = true
		}
		total := 24
		for _, child := range val {
			total += approx(child, seen)
		}
		return total
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return 0
			}
			seen[ptr] = true
		}
		total := 24
		for k, child := range val {
			total += len(utf16.Encode([]rune(k)))*2 + approx(child, seen)
		}
		return total
	default:
		return 0
	}
}

// DeepClone returns a deep copy of v sharing no array/map/slice identity
// with the input. Functions and channels are not cloneable and return
// ErrInvalidPayload.
func DeepClone(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			cloned, err := DeepClone(child)
			if err != nil {
				return nil, err
			}
			out[i] = cloned
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			cloned, err := DeepClone(child)
			if err != nil {
				return nil, err
			}
			out[k] = cloned
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrInvalidPayload, "unsupported type %T", v)
	}
}
