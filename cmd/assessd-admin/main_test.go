package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsHaveNamesAndHandlers(t *testing.T) {
	for name, cmd := range commands() {
		assert.Equal(t, name, cmd.name, "map key should match command name")
		assert.NotEmpty(t, cmd.description, "command %s should have a description", name)
		assert.NotNil(t, cmd.run, "command %s should have a handler", name)
	}
}

func TestParseCascadeDeleteFlags(t *testing.T) {
	t.Run("requires a target", func(t *testing.T) {
		_, err := parseCascadeDeleteFlags(nil)
		require.Error(t, err)
	})

	t.Run("rejects both targets at once", func(t *testing.T) {
		_, err := parseCascadeDeleteFlags([]string{"--job", "a", "--result", "b"})
		require.Error(t, err)
	})

	t.Run("accepts a job target", func(t *testing.T) {
		opts, err := parseCascadeDeleteFlags([]string{"--job", "a", "--yes"})
		require.NoError(t, err)
		assert.Equal(t, "a", opts.JobID)
		assert.True(t, opts.Yes)
	})
}

func TestParseListDeadLettersFlags(t *testing.T) {
	t.Run("defaults the limit", func(t *testing.T) {
		opts, err := parseListDeadLettersFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, defaultDeadLetterLimit, opts.Limit)
	})

	t.Run("floors non-positive limits", func(t *testing.T) {
		opts, err := parseListDeadLettersFlags([]string{"--limit", "-3"})
		require.NoError(t, err)
		assert.Equal(t, defaultDeadLetterLimit, opts.Limit)
	})
}

func TestParseSyncStatusFlags(t *testing.T) {
	_, err := parseSyncStatusFlags(nil)
	require.Error(t, err)

	opts, err := parseSyncStatusFlags([]string{"--job", "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", opts.JobID)
}
