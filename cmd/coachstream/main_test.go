package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/coachstream/internal/mockchat"
)

func TestAskStreamsAnswerToStdout(t *testing.T) {
	nop := zerolog.Nop()
	backend := httptest.NewServer(mockchat.New(mockchat.Options{Logger: &nop}).Handler())
	defer backend.Close()

	t.Setenv("CHAT_BACKEND_URL", backend.URL)
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("STREAM_MODE", "actor")

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"ask", "--env-file", "", "--log-level", "disabled", "--user", "u1", "how", "do", "I", "deload?"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, mockchat.Reply("how do I deload?"), strings.TrimSpace(stdout.String()))
	assert.Contains(t, stderr.String(), "session: stream_")
}

func TestUnknownEnvFileFails(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"sweep", "--env-file", t.TempDir() + "/missing.env"})
	assert.Error(t, cmd.Execute())
}
