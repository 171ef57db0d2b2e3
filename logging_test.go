package diligent

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerOrNopReturnsNopForNil(t *testing.T) {
	require.Same(t, nopLogger, loggerOrNop(nil))
}

func TestLoggerOrNopPassesThroughNonNil(t *testing.T) {
	l := slog.Default()
	require.Same(t, l, loggerOrNop(l))
}

func TestNopLoggerDiscardsWithoutPanicking(t *testing.T) {
	nopLogger.Info("hello", "key", "value")
	nopLogger.Warn("uh oh")
	nopLogger.Error("bad", "err", "boom")
}
