package prompt

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsPromptsForMissingValues(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(strings.NewReader("alice\ns3cret\n"), &out)

	user, pass, err := Credentials(p, "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "s3cret", pass)
	assert.Contains(t, out.String(), "用户名")
	assert.Contains(t, out.String(), "密码")
}

func TestCredentialsKeepsGivenValues(t *testing.T) {
	p := NewPrompter(strings.NewReader("pw\n"), &bytes.Buffer{})

	user, pass, err := Credentials(p, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "pw", pass)
}

func TestCredentialsRejectsBlank(t *testing.T) {
	p := NewPrompter(strings.NewReader("\n"), &bytes.Buffer{})
	_, _, err := Credentials(p, "", "x")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPromptStringWithoutTrailingNewline(t *testing.T) {
	p := NewPrompter(strings.NewReader("last"), &bytes.Buffer{})
	got, err := p.PromptString("> ")
	require.NoError(t, err)
	assert.Equal(t, "last", got)

	_, err = p.PromptString("> ")
	assert.Error(t, err)
}

func TestPromptConfirm(t *testing.T) {
	p := NewPrompter(strings.NewReader("Y\nno\n"), &bytes.Buffer{})
	ok, err := p.PromptConfirm("Clear logs?")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.PromptConfirm("Clear logs?")
	require.NoError(t, err)
	assert.False(t, ok)
}
