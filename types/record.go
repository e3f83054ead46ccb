package types

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// Record is a decoded config-like object (YAML or JSON). Getters accept
// the numeric shapes both decoders produce.
type Record map[string]any

func (r Record) Has(k string) bool {
	_, ok := r[k]
	return ok
}

func (r Record) String(k string) (string, bool) {
	v, ok := r[k]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

func (r Record) StringOr(k, def string) string {
	if s, ok := r.String(k); ok {
		return s
	}
	return def
}

func (r Record) Int(k string) (int, bool) {
	v, ok := r[k]
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

func (r Record) IntOr(k string, def int) int {
	if n, ok := r.Int(k); ok {
		return n
	}
	return def
}

func (r Record) Bool(k string) (bool, bool) {
	v, ok := r[k]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	default:
		return false, false
	}
}

func (r Record) BoolOr(k string, def bool) bool {
	if b, ok := r.Bool(k); ok {
		return b
	}
	return def
}

// Ints reads a list of integers. ok is false when the key is present but
// any element is not an integer.
func (r Record) Ints(k string) ([]int, bool) {
	v, ok := r[k]
	if !ok {
		return nil, false
	}
	switch l := v.(type) {
	case []int:
		return append([]int(nil), l...), true
	case []any:
		out := make([]int, 0, len(l))
		for _, e := range l {
			n, ok := AsInt(e)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	default:
		return nil, false
	}
}

func (r Record) Strings(k string) ([]string, bool) {
	v, ok := r[k]
	if !ok {
		return nil, false
	}
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...), true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// List returns a list of nested records.
func (r Record) List(k string) ([]Record, bool) {
	v, ok := r[k]
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	if !ok {
		if rl, ok := v.([]Record); ok {
			return rl, true
		}
		return nil, false
	}
	out := make([]Record, 0, len(l))
	for _, e := range l {
		rec, ok := AsRecord(e)
		if !ok {
			return nil, false
		}
		out = append(out, rec)
	}
	return out, true
}

func (r Record) Record(k string) (Record, bool) {
	v, ok := r[k]
	if !ok {
		return nil, false
	}
	return AsRecord(v)
}

// AsRecord accepts Record and the plain map shapes decoders produce.
func AsRecord(v any) (Record, bool) {
	switch m := v.(type) {
	case Record:
		return m, true
	case map[string]any:
		return Record(m), true
	case map[any]any:
		out := make(Record, len(m))
		for k, e := range m {
			s, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[s] = e
		}
		return out, true
	default:
		return nil, false
	}
}

// AsInt converts any integral numeric value; floats must be whole.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return floatInt(float64(n))
	case float64:
		return floatInt(n)
	case string:
		i, err := strconv.ParseInt(n, 0, 0)
		return int(i), err == nil
	default:
		return 0, false
	}
}

func floatInt(f float64) (int, bool) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return int(f), true
}

// Bytes reads raw bytes given as []byte, a hex string, or a list of
// integers 0..255.
func (r Record) Bytes(k string) ([]byte, bool) {
	v, ok := r[k]
	if !ok {
		return nil, false
	}
	switch b := v.(type) {
	case []byte:
		return append([]byte(nil), b...), true
	case string:
		out, err := hex.DecodeString(strings.ReplaceAll(b, " ", ""))
		return out, err == nil
	case []any, []int:
		ints, ok := r.Ints(k)
		if !ok {
			return nil, false
		}
		out := make([]byte, len(ints))
		for i, n := range ints {
			if n < 0 || n > 0xFF {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	default:
		return nil, false
	}
}
