package chatws

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLogger returns a debug-level Logger whose entries are kept by the returned hook.
func newTestLogger() (Logger, *test.Hook) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	return NewLogrusLogger(base), hook
}

// logged reports whether an entry at level containing msg was recorded.
func logged(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

func TestLogrusLogger(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	l := NewLogrusLogger(base).WithField("component", "dispatcher")
	l.Warnf("dropping %s", "frame")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "dropping frame", entry.Message)
	assert.Equal(t, "dispatcher", entry.Data["component"])
}

func TestNopLogger(t *testing.T) {
	l := NopLogger().WithField("k", "v")
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Errorf("%s", "y")
	})
}
