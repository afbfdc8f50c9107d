package canon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNotObject is returned by DecodeObject when the input is valid JSON but not an object.
var ErrNotObject = errors.New("canon: not a JSON object")

// ErrKeyCollision is returned when two keys of one object are equal after
// NFC normalization, so their canonical form would repeat a key.
var ErrKeyCollision = errors.New("canon: object keys collide after NFC normalization")

// DecodeObject parses a single JSON object. Numbers are kept exact: integral
// literals that fit int64 become Int, all others become a normalized Number.
// Trailing data after the object is an error.
func DecodeObject(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}

	v, err := fromAny(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// FromAny converts decoded Go JSON values (as produced by encoding/json with
// UseNumber, or by yaml.v3) into a Value.
func FromAny(v any) (Value, error) {
	return fromAny(v)
}

func fromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case float64:
		return ParseNumber(fmt.Sprintf("%v", val))
	case json.Number:
		return numberValue(string(val))
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			e, err := fromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		normalized := make(map[string]string, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if other, ok := normalized[nk]; ok {
				a, b := min(k, other), max(k, other)
				return nil, fmt.Errorf("%w: %q and %q", ErrKeyCollision, a, b)
			}
			normalized[nk] = k
			e, err := fromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func numberValue(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := json.Number(s).Int64(); err == nil {
			return Int(n), nil
		}
	}
	return ParseNumber(s)
}
