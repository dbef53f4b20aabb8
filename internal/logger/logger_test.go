package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	cases := []struct {
		name     string
		debug    bool
		expDebug bool
	}{
		{name: "info level hides debug", debug: false, expDebug: false},
		{name: "debug level shows debug", debug: true, expDebug: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(c.debug, &buf).Named("worker").Sugar()
			l.Debugw("worker event", "Line", `{"status":"ready"}`)
			l.Infow("worker started", "PID", 42)

			out := buf.String()
			assert.Contains(t, out, "worker started")
			assert.Contains(t, out, "INFO")
			assert.Contains(t, out, "worker")
			if c.expDebug {
				assert.Contains(t, out, "worker event")
				// field values are JSON encoded
				assert.Contains(t, out, `{\"status\":\"ready\"}`)
			} else {
				assert.NotContains(t, out, "worker event")
			}
		})
	}
}

func TestNewMultipleWriters(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	l := New(false, &buf1, &buf2)
	l.Info("multi")

	assert.Contains(t, buf1.String(), "multi")
	assert.Contains(t, buf2.String(), "multi")
}
