package money_test

import (
	"encoding/json"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"shelfsync/internal/money"
)

func Test_Parse(t *testing.T) {
	tests := []struct {
		in   string
		want money.Amount
	}{
		{"5.00", 500},
		{"500", 50000},
		{"0.5", 50},
		{"-12.05", -1205},
		{".75", 75},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := money.Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_Parse_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.234", ".", "1.x"} {
		_, err := money.Parse(in)
		assert.ErrorIs(t, err, money.ErrInvalidAmount, in)
	}
}

func Test_Parse_Range(t *testing.T) {
	got, err := money.Parse("92233720368547758.07")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(math.MaxInt64), got)

	got, err = money.Parse("-92233720368547758.07")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(-math.MaxInt64), got)

	for _, in := range []string{"92233720368547758.08", "92233720368547759", "200000000000000000", "-200000000000000000", "9223372036854775807"} {
		_, err := money.Parse(in)
		assert.ErrorIs(t, err, money.ErrInvalidAmount, in)
	}
}

func Test_Parse_RejectsBeyondRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		units := rapid.Uint64Range(math.MaxInt64/100+1, math.MaxInt64).Draw(t, "units")
		in := strconv.FormatUint(units, 10)
		if a, err := money.Parse(in); err == nil {
			t.Fatalf("parse %q: got %v, want an error", in, a)
		}
	})
}

func Test_String_RoundTripsThroughParse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := money.Amount(rapid.Int64Range(-math.MaxInt64, math.MaxInt64).Draw(t, "minor"))

		back, err := money.Parse(a.String())
		if err != nil {
			t.Fatalf("parse %q: %v", a.String(), err)
		}
		if back != a {
			t.Fatalf("got %v, want %v", back, a)
		}
	})
}

func Test_JSON_IsDecimalNumber(t *testing.T) {
	data, err := json.Marshal(struct {
		Fee money.Amount `json:"fee"`
	}{Fee: money.MustParse("500.00")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fee": 500.00}`, string(data))

	var decoded struct {
		Fee money.Amount `json:"fee"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"fee":"12.5"}`), &decoded))
	assert.Equal(t, money.Amount(1250), decoded.Fee)
}

func Test_Scan_Numeric(t *testing.T) {
	var a money.Amount
	require.NoError(t, a.Scan([]byte("15.00")))
	assert.Equal(t, money.Amount(1500), a)

	require.NoError(t, a.Scan([]byte("7.5000")))
	assert.Equal(t, money.Amount(750), a)

	require.NoError(t, a.Scan(nil))
	assert.True(t, a.IsZero())
}
