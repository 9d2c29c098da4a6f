package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBoolAcceptsCaseInsensitiveWords(t *testing.T) {
	for _, s := range []string{"true", "True", "TRUE"} {
		b, err := parseBool(s)
		require.NoError(t, err)
		assert.True(t, b)
	}
	for _, s := range []string{"false", "False", "FALSE"} {
		b, err := parseBool(s)
		require.NoError(t, err)
		assert.False(t, b)
	}
}

func TestParseBoolFallsBackToNumeric(t *testing.T) {
	b, err := parseBool("1")
	require.NoError(t, err)
	assert.True(t, b)

	b, err = parseBool("0")
	require.NoError(t, err)
	assert.False(t, b)

	b, err = parseBool("-2.5")
	require.NoError(t, err)
	assert.True(t, b)
}

func TestParseBoolRejectsGarbage(t *testing.T) {
	_, err := parseBool("maybe")
	assert.Error(t, err)
}

func TestParseArgsDefaults(t *testing.T) {
	cli, err := parseArgs(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cli.transcID)
	assert.True(t, cli.enableInit)
	assert.True(t, cli.enableNotify)
	assert.True(t, cli.enableExec)
	assert.True(t, cli.enablePoll)
}

func TestParseArgsDisableAllThenReenableInit(t *testing.T) {
	cli, err := parseArgs([]string{"--disable-all", "--enable-init=true"})
	require.NoError(t, err)
	assert.True(t, cli.enableInit, "a later --enable-init=true must override an earlier --disable-all")
	assert.False(t, cli.enableNotify)
	assert.False(t, cli.enableExec)
	assert.False(t, cli.enablePoll)
}

func TestParseArgsDisableAllAfterEnableInitWins(t *testing.T) {
	cli, err := parseArgs([]string{"--enable-init=true", "--disable-all"})
	require.NoError(t, err)
	assert.False(t, cli.enableInit, "--disable-all appearing after must still disable init")
}

func TestParseArgsRejectsEmptyTranscID(t *testing.T) {
	_, err := parseArgs([]string{"--transc_id="})
	assert.Error(t, err)
}

func TestParseArgsRejectsUnknownFlag(t *testing.T) {
	_, err := parseArgs([]string{"--not-a-real-flag"})
	assert.Error(t, err)
}

func TestParseArgsHelpAndVersion(t *testing.T) {
	cli, err := parseArgs([]string{"-h"})
	require.NoError(t, err)
	assert.True(t, cli.help)

	cli, err = parseArgs([]string{"-V"})
	require.NoError(t, err)
	assert.True(t, cli.versionReq)
}

func TestRunHelpReturnsZero(t *testing.T) {
	assert.Equal(t, 0, run([]string{"-h"}))
}

func TestRunUsageErrorReturnsTwo(t *testing.T) {
	assert.Equal(t, 2, run([]string{"--transc_id="}))
}

func TestUsageMentionsAllDocumentedFlags(t *testing.T) {
	for _, flag := range []string{"--imds", "--userdata", "--transc_id", "--profile", "--disable-all", "--enable-init", "--max-workers", "--init-timeout"} {
		assert.True(t, strings.Contains(usage, flag), "usage text missing %s", flag)
	}
}
