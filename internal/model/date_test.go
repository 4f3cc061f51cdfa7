package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate_Layouts(t *testing.T) {
	want := NewDate(2025, time.January, 10)

	for _, in := range []string{
		"2025-01-10",
		"2025-1-10",
		"01/10/2025",
		"1/10/2025",
		"01-10-2025",
		"January 10, 2025",
		"Jan 10, 2025",
	} {
		got, err := ParseDate(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestParseDate_ExcelSerial(t *testing.T) {
	// 45658 is 2025-01-01 in Excel's 1900 date system.
	got, err := ParseDate("45658")
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", got.String())
}

func TestParseDate_Invalid(t *testing.T) {
	_, err := ParseDate("not a date")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable date")
}

func TestDate_JSONRoundTrip(t *testing.T) {
	d := NewDate(2024, time.December, 31)

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2024-12-31"`, string(b))

	var back Date
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, d.Equal(back))
}

func TestDate_ZeroMarshalsNull(t *testing.T) {
	b, err := json.Marshal(Date{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestDate_Ordering(t *testing.T) {
	a := NewDate(2025, time.March, 1)
	b := NewDate(2025, time.March, 2)

	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.Equal(t, 1, b.DaysSince(a))
}

func TestDate_Scan(t *testing.T) {
	var d Date
	require.NoError(t, d.Scan(time.Date(2025, time.June, 15, 13, 45, 0, 0, time.UTC)))
	assert.Equal(t, "2025-06-15", d.String())

	require.NoError(t, d.Scan(nil))
	assert.True(t, d.IsZero())

	require.Error(t, d.Scan(42))
}
