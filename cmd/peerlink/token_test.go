package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	relay "peerlink/internal/infrastructure/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runToken(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newTokenCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestTokenCommand(t *testing.T) {
	configPath = ""
	t.Setenv("PEERLINK_JWT_SECRET", "cli-secret")

	token, err := runToken(t, "--room", "room-1", "--peer-id", "alice")
	require.NoError(t, err)

	claims, err := relay.NewTokenAuthority("cli-secret", time.Minute).Authorize(token, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestTokenCommand_RejectsBadRoom(t *testing.T) {
	configPath = ""
	_, err := runToken(t, "--room", "not a room!")
	assert.ErrorContains(t, err, "invalid room ID format")
}
