package diligent

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewEntryID returns a fresh 8 hex character entry id, taken from the
// random portion of a UUIDv7; ids do not sort by creation order.
func NewEntryID() string {
	id := uuid.Must(uuid.NewV7())
	return hex.EncodeToString(id[10:14])
}

// NewSessionID returns a session id of the form YYYYMMDDHHMMSS-<6hex>.
func NewSessionID(now time.Time) string {
	id := uuid.Must(uuid.NewV7())
	return now.UTC().Format("20060102150405") + "-" + hex.EncodeToString(id[10:13])
}

// NowISO returns the current time formatted as ISO8601 with millisecond
// precision, the timestamp format used throughout the session file.
func NowISO(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05.000Z")
}
