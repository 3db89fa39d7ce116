package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLevel(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_LabelAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo)

	log.Debug("hidden %d", 1)
	assert.Empty(t, buf.String())

	log.SetLabel("echo")
	log.Info("listening at %s", "/tmp/sock")
	out := buf.String()
	assert.Contains(t, out, "listening at /tmp/sock")
	assert.Contains(t, out, "subsystem=echo")

	buf.Reset()
	log.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, log.Level())
	log.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	buf.Reset()
	log.Error(errors.New("boom"), "failed")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestDiscard(t *testing.T) {
	log := Discard()
	// Must not panic and must not emit anything.
	log.Error(errors.New("x"), "nothing")
	assert.Equal(t, LevelError, log.Level())
}

func TestPackageLevelHelpers(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelWarn, &buf)

	Info("Registry", "not shown")
	Warn("Registry", "table %s vanished", "x.yaml")

	assert.NotContains(t, buf.String(), "not shown")
	assert.Contains(t, buf.String(), "subsystem=Registry")
	assert.Contains(t, buf.String(), "table x.yaml vanished")
}

func TestNilLoggerDropsRecords(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Debug("debug %d", 1)
		l.Info("info")
		l.Warn("warn")
		l.Error(errors.New("boom"), "error")
	})
	assert.Empty(t, l.Label())
}
