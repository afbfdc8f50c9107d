package eas

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/batchanchor/internal/canon"
)

const orderSchemaCSV = "\ufeffFIELD_NAME,FIELD_TYPE,COMMENT\n" +
	"BAR_NO,varchar(32),order number\n" +
	"COUNTRY, varchar(2),\n" +
	"BAR_VOL,\"decimal(18, 4)\",volume\n" +
	"BAR_AMT,decimal(20,2),amount\n"

func TestSchemaFromCSV(t *testing.T) {
	s, err := SchemaFromCSV(strings.NewReader(orderSchemaCSV))
	require.NoError(t, err)

	assert.Equal(t, RecordSchema{
		{Name: "BAR_NO", Type: "string"},
		{Name: "COUNTRY", Type: "string"},
		{Name: "BAR_VOL", Type: "uint256", Scale: 4},
		{Name: "BAR_AMT", Type: "uint256", Scale: 2},
	}, s)
	assert.Equal(t, "string BAR_NO,string COUNTRY,uint256 BAR_VOL,uint256 BAR_AMT", s.Definition())
}

func TestSchemaFromCSVErrors(t *testing.T) {
	tests := []struct {
		name    string
		csv     string
		wantErr string
	}{
		{"empty", "", "header"},
		{"missing type column", "FIELD_NAME\nA\n", "header needs"},
		{"no rows", "FIELD_NAME,FIELD_TYPE\n", "no fields"},
		{"unknown type", "FIELD_NAME,FIELD_TYPE\nA,datetime\n", `unknown type "datetime"`},
		{"malformed decimal", "FIELD_NAME,FIELD_TYPE\nA,decimal(18)\n", "malformed type"},
		{"scale above precision", "FIELD_NAME,FIELD_TYPE\nA,\"decimal(2,4)\"\n", "scale 4 out of range"},
		{"duplicate field", "FIELD_NAME,FIELD_TYPE\nA,varchar\nA,varchar\n", "line 3: duplicate field"},
		{"blank name", "FIELD_NAME,FIELD_TYPE\n,varchar\n", "bad field name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SchemaFromCSV(strings.NewReader(tt.csv))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScaleDecimal(t *testing.T) {
	tests := []struct {
		name  string
		in    canon.Value
		scale int
		want  string
	}{
		{"string", canon.String("100.1234"), 4, "1001234"},
		{"short fraction", canon.String("88888.4"), 4, "888884000"},
		{"number", canon.Number("2.5"), 2, "250"},
		{"int", canon.Int(7), 3, "7000"},
		{"trailing zeros beyond scale", canon.String("1.2300"), 2, "123"},
		{"zero", canon.String("-0.000"), 0, "0"},
		{"exponent", canon.String("1.5e3"), 0, "1500"},
		{"no scale", canon.String("42"), 0, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScaleDecimal(tt.in, tt.scale)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestScaleDecimalIsExact(t *testing.T) {
	// 0.1 + 0.2 style inputs must not pick up binary rounding.
	got, err := ScaleDecimal(canon.String("0.3"), 18)
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("300000000000000000", 10)
	assert.Equal(t, want, got)

	got, err = ScaleDecimal(canon.String("12345678901234567890.12"), 2)
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456789012", got.String())
}

func TestScaleDecimalRejects(t *testing.T) {
	_, err := ScaleDecimal(canon.String("1.23456"), 4)
	require.ErrorIs(t, err, ErrPrecision)

	for _, in := range []canon.Value{
		canon.String("-1"),
		canon.String("abc"),
		canon.String("NaN"),
		canon.String("1e100"),
		canon.Bool(true),
	} {
		_, err := ScaleDecimal(in, 0)
		assert.Error(t, err, "%v", in)
	}
}

func TestRecordSchemaEncodeRoundTrip(t *testing.T) {
	s, err := SchemaFromCSV(strings.NewReader(orderSchemaCSV))
	require.NoError(t, err)

	rec, err := canon.DecodeObject([]byte(`{"RECORD_ID":"r1","BAR_NO":"TX202508080001","COUNTRY":"SG","BAR_VOL":"100.1234","BAR_AMT":88888.43,"BUYER":"Alibaba"}`))
	require.NoError(t, err)

	data, err := s.Encode(rec)
	require.NoError(t, err)
	assert.Zero(t, len(data)%32)

	vals, err := s.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "TX202508080001", vals["BAR_NO"])
	assert.Equal(t, "SG", vals["COUNTRY"])
	assert.Equal(t, big.NewInt(1001234), vals["BAR_VOL"])
	assert.Equal(t, big.NewInt(8888843), vals["BAR_AMT"])
}

func TestRecordSchemaEncodeErrors(t *testing.T) {
	s := RecordSchema{{Name: "BAR_NO", Type: "string"}, {Name: "BAR_AMT", Type: "uint256", Scale: 2}}

	_, err := s.Encode(canon.Object{"BAR_NO": canon.String("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field BAR_AMT: missing")

	_, err = s.Encode(canon.Object{"BAR_NO": canon.String("x"), "BAR_AMT": canon.String("1.005")})
	require.ErrorIs(t, err, ErrPrecision)

	_, err = s.Encode(canon.Object{"BAR_NO": canon.Array{}, "BAR_AMT": canon.Int(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field BAR_NO: want a string")
}
