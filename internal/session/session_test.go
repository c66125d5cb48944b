package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/chmlapi"
)

func TestSessionRoundTrip(t *testing.T) {
	keyring.MockInit()

	s := New(zap.NewNop())
	require.NoError(t, s.Load())
	_, ok := s.Token()
	assert.False(t, ok)

	require.NoError(t, s.Save(chmlapi.User{Username: "alice", UserToken: "tok"}))
	token, ok := s.Token()
	require.True(t, ok)
	assert.Equal(t, "tok", token)

	restored := New(zap.NewNop())
	require.NoError(t, restored.Load())
	user, ok := restored.User()
	require.True(t, ok)
	assert.Equal(t, "alice", user.Username)

	require.NoError(t, restored.Clear())
	_, ok = restored.Token()
	assert.False(t, ok)
	require.NoError(t, restored.Clear(), "clearing twice is fine")

	again := New(zap.NewNop())
	require.NoError(t, again.Load())
	_, ok = again.User()
	assert.False(t, ok)
}

func TestSessionWithoutToken(t *testing.T) {
	keyring.MockInit()
	s := New(zap.NewNop())
	require.NoError(t, s.Save(chmlapi.User{Username: "bob"}))
	_, ok := s.Token()
	assert.False(t, ok)
}

func TestSessionDiscardsCorruptEntry(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(ServiceName, userKey, "{not json"))

	s := New(zap.NewNop())
	require.NoError(t, s.Load())
	_, ok := s.User()
	assert.False(t, ok)

	_, err := keyring.Get(ServiceName, userKey)
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}
