package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn)
	Debug("hidden")
	Info("hidden too")
	Warn("feed block skipped", errors.New("bad line"), "subscription", "work")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] feed block skipped err=bad line subscription=work")
}

func TestKeyValueFormatting(t *testing.T) {
	buf := capture(t, LevelDebug)
	Info("refreshed", "title", "Family dinner", "events", 3, 42, "ignored")
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasSuffix(line, `[INFO] refreshed title="Family dinner" events=3`), line)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel(" debug "))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("chatty"))
}

func TestCronLogger(t *testing.T) {
	buf := capture(t, LevelDebug)
	l := CronLogger()
	l.Info("skip", "entry", 1)
	l.Error(errors.New("bad schedule"), "schedule")
	out := buf.String()
	assert.Contains(t, out, "[DEBUG] cron: skip entry=1")
	assert.Contains(t, out, "[ERROR] cron: schedule err=bad schedule")
}
