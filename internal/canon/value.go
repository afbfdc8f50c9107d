package canon

import (
	"fmt"
	"slices"
	"unicode/utf16"

	"github.com/cockroachdb/apd/v3"
)

// Value is a sealed interface over the JSON value kinds a record may carry.
type Value interface {
	canonValue()
}

// Null is JSON null.
type Null struct{}

func (Null) canonValue() {}

// String is a JSON string.
type String string

func (String) canonValue() {}

// Int is a JSON number that fits in int64 and was written without a fraction or exponent.
type Int int64

func (Int) canonValue() {}

// Number is any other JSON number, held in its reduced plain-decimal form.
// Construct with ParseNumber so the text is always normalized.
type Number string

func (Number) canonValue() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) canonValue() {}

// Array is a JSON array.
type Array []Value

func (Array) canonValue() {}

// Object is a JSON object. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) canonValue() {}

// ParseNumber normalizes a decimal literal: trailing zeros removed, exponent
// folded into plain notation, negative zero made positive.
func ParseNumber(s string) (Number, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("parse number %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return "", fmt.Errorf("parse number %q: not finite", s)
	}
	var reduced apd.Decimal
	reduced.Reduce(d)
	if reduced.IsZero() {
		reduced.Negative = false
	}
	return Number(reduced.Text('f')), nil
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's native string ordering is UTF-8 and differs for supplementary planes.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
