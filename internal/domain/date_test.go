package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-01")
	require.NoError(t, err)
	require.Equal(t, Date{Year: 2024, Month: time.March, Day: 1}, d)
	require.Equal(t, "2024-03-01", d.String())

	d, err = ParseDate("2024-03-01T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, "2024-03-01", d.String())

	_, err = ParseDate("03/01/2024")
	require.Error(t, err)
}

func TestDateAddDaysCrossesMonthAndYear(t *testing.T) {
	require.Equal(t, "2024-02-29", MustParseDate("2024-03-01").AddDays(-1).String())
	require.Equal(t, "2023-12-31", MustParseDate("2024-01-01").AddDays(-1).String())
	require.Equal(t, "2025-01-01", MustParseDate("2024-12-31").AddDays(1).String())
}

func TestDateOrderingIsChronological(t *testing.T) {
	// Lexical order of unpadded text would put 2024-10-01 before 2024-9-30.
	a := Date{Year: 2024, Month: time.September, Day: 30}
	b := Date{Year: 2024, Month: time.October, Day: 1}
	require.True(t, a.Before(b))
	require.True(t, b.After(a))
	require.False(t, a.After(a))
}

func TestDateOfUsesLocationDay(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	ts := time.Date(2024, 5, 1, 1, 0, 0, 0, loc)
	require.Equal(t, "2024-05-01", DateOf(ts).String())
	require.Equal(t, "2024-04-30", DateOf(ts.UTC()).String())
}
