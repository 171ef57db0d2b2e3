package diligent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEntryIDIsEightHexChars(t *testing.T) {
	id := NewEntryID()
	require.Len(t, id, 8)
	for _, r := range id {
		require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
	}
}

func TestNewEntryIDUnique(t *testing.T) {
	require.NotEqual(t, NewEntryID(), NewEntryID())
}

func TestNewSessionIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	id := NewSessionID(now)
	require.Equal(t, "20260305093000", id[:14])
	require.Equal(t, byte('-'), id[14])
	require.Len(t, id[15:], 6)
}

func TestNowISOFormat(t *testing.T) {
	now := time.Date(2026, 3, 5, 9, 30, 1, 500_000_000, time.UTC)
	require.Equal(t, "2026-03-05T09:30:01.500Z", NowISO(now))
}

func TestNowISOConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	now := time.Date(2026, 3, 5, 4, 30, 0, 0, loc)
	require.Equal(t, "2026-03-05T09:30:00.000Z", NowISO(now))
}
