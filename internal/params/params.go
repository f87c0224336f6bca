// Package params flattens structured clone-run arguments into a string-keyed
// scalar map that the job engine can carry between workflow and activities.
//
// Values are int64 or string. Structured values are namespaced by a prefix:
//
//	lists: prefix+"size" -> N, prefix+"0" .. prefix+"N-1" -> element
//	maps:  prefix+key -> value
//
// No two structured values in one Set may share a prefix.
package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a project, protocol, text, task or participant.
type ID = int64

// SizeSuffix is appended to a list prefix to carry the list length.
const SizeSuffix = "size"

// ErrMalformedParameterSet is returned when a Set cannot be decoded.
var ErrMalformedParameterSet = errors.New("malformed parameter set")

// Set is a flat parameter map. Values are int64 or string.
type Set map[string]any

// UnmarshalJSON keeps integers exact. The default decoder would turn every
// number into a float64 and lose IDs above 2^53.
func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out := make(Set, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				out[k] = i
				continue
			}
			out[k] = n.String()
			continue
		}
		out[k] = v
	}
	*s = out
	return nil
}

// Merge copies every entry of the given sets into a new Set. Later sets win.
func Merge(sets ...Set) Set {
	size := 0
	for _, s := range sets {
		size += len(s)
	}
	out := make(Set, size)
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}

// EncodeMap emits one entry prefix+key -> value per map entry.
func EncodeMap(m map[ID]ID, prefix string) Set {
	out := make(Set, len(m))
	for k, v := range m {
		out[prefix+strconv.FormatInt(k, 10)] = v
	}
	return out
}

// DecodeMap collects every key under prefix back into a map. A missing
// prefix yields an empty map.
func DecodeMap(s Set, prefix string) (map[ID]ID, error) {
	out := make(map[ID]ID)
	for key, raw := range s {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		k, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q under prefix %q is not an id", ErrMalformedParameterSet, key, prefix)
		}
		v, err := toInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: value of %q: %v", ErrMalformedParameterSet, key, err)
		}
		out[k] = v
	}
	return out, nil
}

// EncodeList emits prefix+"size" and one positional entry per element.
func EncodeList(xs []ID, prefix string) Set {
	out := make(Set, len(xs)+1)
	out[prefix+SizeSuffix] = int64(len(xs))
	for i, x := range xs {
		out[prefix+strconv.Itoa(i)] = x
	}
	return out
}

// DecodeList rebuilds a list in index order. The size key and every
// position below it must be present.
func DecodeList(s Set, prefix string) ([]ID, error) {
	raw, ok := s[prefix+SizeSuffix]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedParameterSet, prefix+SizeSuffix)
	}
	size, err := toInt64(raw)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%w: invalid size under %q", ErrMalformedParameterSet, prefix)
	}
	// Every element needs its own key, so a larger size cannot be complete.
	if size > int64(len(s)) {
		return nil, fmt.Errorf("%w: size %d under %q exceeds the set", ErrMalformedParameterSet, size, prefix)
	}
	out := make([]ID, 0, size)
	for i := int64(0); i < size; i++ {
		key := prefix + strconv.FormatInt(i, 10)
		v, ok := s[key]
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedParameterSet, key)
		}
		id, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("%w: value of %q: %v", ErrMalformedParameterSet, key, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// PutBool stores b as "true" or "false".
func (s Set) PutBool(key string, b bool) {
	s[key] = strconv.FormatBool(b)
}

// Int64 returns the integer stored under key.
func (s Set) Int64(key string) (int64, error) {
	raw, ok := s[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformedParameterSet, key)
	}
	v, err := toInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedParameterSet, key, err)
	}
	return v, nil
}

// String returns the string stored under key, or "" when absent.
func (s Set) String(key string) string {
	switch v := s[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns the boolean stored under key. Absent keys are false.
func (s Set) Bool(key string) (bool, error) {
	raw, ok := s[key]
	if !ok {
		return false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %q is not a boolean", ErrMalformedParameterSet, key)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %q has type %T", ErrMalformedParameterSet, key, raw)
	}
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
