package eas

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/roach88/batchanchor/internal/canon"
)

// Column headers of a schema CSV.
const (
	csvFieldName = "FIELD_NAME"
	csvFieldType = "FIELD_TYPE"
)

// ErrPrecision is returned when a decimal value has more fractional digits
// than its column's scale.
var ErrPrecision = errors.New("eas: value exceeds column scale")

var decimalType = regexp.MustCompile(`^decimal\s*\(\s*(\d+)\s*,\s*(\d+)\s*\)$`)

// Field is one column of a record schema as registered with EAS.
type Field struct {
	Name string
	Type string // "string" or "uint256"
	// Scale is the number of decimal places folded into a uint256 value.
	Scale int
}

// RecordSchema maps a record's columns to EAS schema fields.
type RecordSchema []Field

// SchemaFromCSV reads a FIELD_NAME,FIELD_TYPE table. varchar columns map to
// string and decimal(p,s) columns to uint256 scaled by 10^s.
func SchemaFromCSV(r io.Reader) (RecordSchema, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("schema csv: header: %w", err)
	}
	nameCol, typeCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case csvFieldName:
			nameCol = i
		case csvFieldType:
			typeCol = i
		}
	}
	if nameCol < 0 || typeCol < 0 {
		return nil, fmt.Errorf("schema csv: header needs %s and %s", csvFieldName, csvFieldType)
	}

	var (
		out  RecordSchema
		seen = map[string]bool{}
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("schema csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		name := strings.TrimSpace(row[nameCol])
		if name == "" || strings.ContainsAny(name, " ,") {
			return nil, fmt.Errorf("schema csv line %d: bad field name %q", line, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("schema csv line %d: duplicate field %q", line, name)
		}
		seen[name] = true

		f, err := fieldFor(name, strings.TrimSpace(row[typeCol]))
		if err != nil {
			return nil, fmt.Errorf("schema csv line %d: %w", line, err)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, errors.New("schema csv: no fields")
	}
	return out, nil
}

func fieldFor(name, rawType string) (Field, error) {
	t := strings.ToLower(rawType)
	switch {
	case strings.HasPrefix(t, "varchar"):
		return Field{Name: name, Type: "string"}, nil
	case t == "decimal":
		return Field{Name: name, Type: "uint256"}, nil
	case strings.HasPrefix(t, "decimal"):
		m := decimalType.FindStringSubmatch(t)
		if m == nil {
			return Field{}, fmt.Errorf("field %s: malformed type %q", name, rawType)
		}
		precision, _ := strconv.Atoi(m[1])
		scale, _ := strconv.Atoi(m[2])
		if scale > precision || scale > 77 {
			return Field{}, fmt.Errorf("field %s: scale %d out of range", name, scale)
		}
		return Field{Name: name, Type: "uint256", Scale: scale}, nil
	default:
		return Field{}, fmt.Errorf("field %s: unknown type %q", name, rawType)
	}
}

// Definition renders the schema string registered with EAS.
func (s RecordSchema) Definition() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.Type + " " + f.Name
	}
	return strings.Join(parts, ",")
}

func (s RecordSchema) arguments() (abi.Arguments, error) {
	return schemaArguments(s.Definition())
}

// Encode ABI-encodes the schema's columns of rec. Every column must be
// present. Decimal columns are scaled exactly; a value with more
// fractional digits than the scale is rejected with ErrPrecision.
func (s RecordSchema) Encode(rec canon.Object) ([]byte, error) {
	args, err := s.arguments()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(s))
	for i, f := range s {
		v, ok := rec[f.Name]
		if !ok {
			return nil, fmt.Errorf("field %s: missing", f.Name)
		}
		switch f.Type {
		case "string":
			vals[i], err = stringValue(v)
		default:
			vals[i], err = ScaleDecimal(v, f.Scale)
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return args.Pack(vals...)
}

// Decode unpacks data encoded by Encode into column values: strings stay
// strings, uint256 columns come back as *big.Int.
func (s RecordSchema) Decode(data []byte) (map[string]any, error) {
	args, err := s.arguments()
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := args.UnpackIntoMap(out, data); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

func stringValue(v canon.Value) (string, error) {
	switch val := v.(type) {
	case canon.String:
		return string(val), nil
	case canon.Int:
		return strconv.FormatInt(int64(val), 10), nil
	case canon.Number:
		return string(val), nil
	default:
		return "", fmt.Errorf("want a string, got %T", v)
	}
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ScaleDecimal returns v * 10^scale as an unsigned 256-bit integer. v is a
// JSON number or a numeric string. The scaling is exact.
func ScaleDecimal(v canon.Value, scale int) (*big.Int, error) {
	var text string
	switch val := v.(type) {
	case canon.Int:
		text = strconv.FormatInt(int64(val), 10)
	case canon.Number:
		text = string(val)
	case canon.String:
		text = strings.TrimSpace(string(val))
	default:
		return nil, fmt.Errorf("want a decimal, got %T", v)
	}

	d, _, err := apd.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", text, err)
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("decimal %q is not finite", text)
	}
	if d.Negative && !d.IsZero() {
		return nil, fmt.Errorf("decimal %q is negative", text)
	}

	var scaled apd.Decimal
	scaled.Reduce(d)
	scaled.Negative = false
	scaled.Exponent += int32(scale)
	if scaled.Exponent < 0 {
		return nil, fmt.Errorf("%w: %q has more than %d decimal places", ErrPrecision, text, scale)
	}
	if scaled.Exponent > 78 {
		return nil, fmt.Errorf("decimal %q overflows uint256", text)
	}

	n, ok := new(big.Int).SetString(scaled.Text('f'), 10)
	if !ok {
		return nil, fmt.Errorf("decimal %q is not integral after scaling", text)
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("decimal %q overflows uint256", text)
	}
	return n, nil
}
