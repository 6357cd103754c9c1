package schedule

import (
	"testing"

	logx "netpulse/pkg/logx"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) logx.Logger {
	return logx.NewWriter(testWriter{t: t}, "debug")
}
