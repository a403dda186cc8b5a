package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFreqHz(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"14.078mhz", 14078000},
		{"7078khz", 7078000},
		{"7078000hz", 7078000},
		{"14078000", 14078000}, // bare >= 1000 is Hz
		{"14.078", 14078000},   // bare < 1000 is MHz
		{" 7.078 MHz ", 7078000},
	}
	for _, tc := range cases {
		got, err := parseFreqHz(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "abc", "-5mhz", "mhz"} {
		_, err := parseFreqHz(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseHHMM(t *testing.T) {
	h, m, err := parseHHMM("08:30")
	require.NoError(t, err)
	assert.Equal(t, 8, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"0830", "24:00", "12:60", "a:b", ""} {
		_, _, err := parseHHMM(bad)
		assert.Error(t, err, bad)
	}
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 8, 31, hour, minute, 0, 0, time.Local)
}

func TestInDayWindowSameDay(t *testing.T) {
	in, err := inDayWindow(at(12, 0), "08:00", "20:00")
	require.NoError(t, err)
	assert.True(t, in)

	in, err = inDayWindow(at(7, 59), "08:00", "20:00")
	require.NoError(t, err)
	assert.False(t, in)

	in, err = inDayWindow(at(20, 0), "08:00", "20:00")
	require.NoError(t, err)
	assert.True(t, in) // boundary inclusive
}

func TestInDayWindowCrossingMidnight(t *testing.T) {
	// 20:00 to 06:00: night shift style window
	in, err := inDayWindow(at(23, 0), "20:00", "06:00")
	require.NoError(t, err)
	assert.True(t, in)

	in, err = inDayWindow(at(3, 0), "20:00", "06:00")
	require.NoError(t, err)
	assert.True(t, in)

	in, err = inDayWindow(at(12, 0), "20:00", "06:00")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestGroupTag(t *testing.T) {
	assert.Equal(t, "@QXTNET", groupTag("qxtnet"))
	assert.Equal(t, "@QXTNET", groupTag("@qxtnet"))
	assert.Equal(t, "@NET", groupTag("  net  "))
}
