package sync

import (
	"log/slog"
	"testing"
)

// testLogWriter adapts testing.T.Log to io.Writer for slog output, so
// activity logged during a test run shows up attributed to that test with -v.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// testLogger returns an slog.Logger at Debug level that writes to t.Log.
// Shared by every test file in this package that needs a logger.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
