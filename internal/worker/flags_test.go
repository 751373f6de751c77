package worker_test

import (
	"testing"

	"github.com/megacmd/megacmd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgsRecognizesDeclaredFlags(t *testing.T) {
	parsed, err := worker.ParseArgs(worker.Vocabulary["ls"], []string{"-R", "-l", "/remote"})
	require.NoError(t, err)
	assert.True(t, parsed.Flags["R"])
	assert.True(t, parsed.Flags["l"])
	assert.Equal(t, []string{"/remote"}, parsed.Positional)
}

func TestParseArgsRejectsUnknownFlag(t *testing.T) {
	_, err := worker.ParseArgs(worker.Vocabulary["ls"], []string{"--bogus"})
	require.Error(t, err)
	var unk *worker.ErrUnknownFlag
	assert.ErrorAs(t, err, &unk)
}

func TestParseArgsAcceptsEqualsFormForDeclaredOption(t *testing.T) {
	parsed, err := worker.ParseArgs(worker.Vocabulary["put"], []string{"--clientID=42", "/local/file"})
	require.NoError(t, err)
	assert.Equal(t, "42", parsed.Options["clientID"])
	assert.Equal(t, []string{"/local/file"}, parsed.Positional)
}

func TestParseArgsAcceptsSpaceSeparatedOptionValue(t *testing.T) {
	parsed, err := worker.ParseArgs(worker.Vocabulary["transfers"], []string{"--limit", "10"})
	require.NoError(t, err)
	assert.Equal(t, "10", parsed.Options["limit"])
}

func TestParseArgsGlobalFlagsAlwaysRecognized(t *testing.T) {
	parsed, err := worker.ParseArgs(worker.Vocabulary["du"], []string{"-v", "--help"})
	require.NoError(t, err)
	assert.True(t, parsed.Flags["v"])
	assert.True(t, parsed.Flags["help"])
}

func TestParseArgsLastOccurrenceOverridesEarlier(t *testing.T) {
	parsed, err := worker.ParseArgs(worker.Vocabulary["export"], []string{"--expire=1h", "--expire=2h"})
	require.NoError(t, err)
	assert.Equal(t, "2h", parsed.Options["expire"])
}

func TestParseArgsBareDashIsPositional(t *testing.T) {
	parsed, err := worker.ParseArgs(worker.Vocabulary["ls"], []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, []string{"-"}, parsed.Positional)
}
