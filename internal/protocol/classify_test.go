package protocol_test

import (
	"testing"

	"github.com/megacmd/megacmd/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestClassifyReservedForms(t *testing.T) {
	cases := []struct {
		line   string
		intent protocol.Intent
	}{
		{"exit", protocol.IntentShutdown},
		{"quit", protocol.IntentShutdown},
		{"exit --only-shell", protocol.IntentNormal},
		{"registerstatelistener", protocol.IntentListenerRegister},
		{"sendack", protocol.IntentLivenessAck},
		{"retrycons", protocol.IntentRetryConnection},
		{"loggedin", protocol.IntentLoginStateQuery},
		{"completion ls /", protocol.IntentCompletionQuery},
		{"completionshell get", protocol.IntentCompletionQuery},
		{"ls -l /root", protocol.IntentNormal},
	}

	for _, c := range cases {
		got := protocol.Classify(c.line)
		assert.Equal(t, c.intent, got.Intent, "line %q", c.line)
	}
}

func TestClassifyStripsSentinelAndSetsInteractive(t *testing.T) {
	got := protocol.Classify("Xls -l")
	assert.True(t, got.Interactive)
	assert.Equal(t, "ls -l", got.Line)

	got = protocol.Classify("ls -l")
	assert.False(t, got.Interactive)
	assert.Equal(t, "ls -l", got.Line)
}

// TestInteractiveSentinelTransparency is the §8 property: for any line L not
// starting with the sentinel, classifying L and "X"+L differ only in the
// Interactive flag.
func TestInteractiveSentinelTransparency(t *testing.T) {
	lines := []string{"ls -l /root", "exit", "registerstatelistener", "put -c file.txt /remote"}
	for _, l := range lines {
		plain := protocol.Classify(l)
		interactive := protocol.Classify(string(protocol.Sentinel) + l)

		assert.Equal(t, plain.Intent, interactive.Intent, "line %q", l)
		assert.Equal(t, plain.Line, interactive.Line, "line %q", l)
		assert.False(t, plain.Interactive)
		assert.True(t, interactive.Interactive)
	}
}
