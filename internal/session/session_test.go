package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/namespace"
	"github.com/taskmesh/taskmesh/internal/types"
)

func TestOpenBindsHighestPrecedence(t *testing.T) {
	m := NewManager(zap.NewNop())

	s, err := m.Open([]namespace.Candidate{
		{Source: namespace.SourceEnv, Name: "envns"},
		{Source: namespace.SourceHeader, Name: "headerns"},
	}, types.ClientInfo{Name: "test-client", Version: "1.0"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "headerns", s.Namespace)
	assert.Equal(t, namespace.SourceHeader, s.Source)
	assert.False(t, s.CreatedAt.IsZero())
	assert.False(t, s.Initialized())

	s.MarkInitialized()
	assert.True(t, s.Initialized())
}

func TestOpenDefaultsNamespace(t *testing.T) {
	m := NewManager(zap.NewNop())
	s, err := m.Open(nil, types.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, namespace.Default, s.Namespace)
	assert.Equal(t, namespace.SourceDefault, s.Source)
}

func TestOpenRejectsInvalidName(t *testing.T) {
	m := NewManager(zap.NewNop())
	_, err := m.Open([]namespace.Candidate{
		{Source: namespace.SourcePath, Name: "Bad Name"},
	}, types.ClientInfo{})
	require.Error(t, err)
	assert.True(t, types.Is(err, types.CodeValidation))
	assert.Zero(t, m.Count())
}

func TestGetAndClose(t *testing.T) {
	m := NewManager(zap.NewNop())
	s, err := m.Open(nil, types.ClientInfo{})
	require.NoError(t, err)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, 1, m.Count())

	m.Close(s.ID)
	_, ok = m.Get(s.ID)
	assert.False(t, ok)
	assert.Zero(t, m.Count())

	// Idempotent.
	m.Close(s.ID)
}
