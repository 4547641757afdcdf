package namespace

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValid(t *testing.T) {
	assert.True(t, Valid("default"))
	assert.True(t, Valid("team-a_1"))
	assert.True(t, Valid(strings.Repeat("a", 64)))

	assert.False(t, Valid(""))
	assert.False(t, Valid("Team"))
	assert.False(t, Valid("a b"))
	assert.False(t, Valid(strings.Repeat("a", 65)))
}

func TestResolvePrecedence(t *testing.T) {
	ns, src, err := Resolve([]Candidate{
		{Source: SourceEnv, Name: "envns"},
		{Source: SourcePath, Name: "pathns"},
		{Source: SourceHeader, Name: "headerns"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pathns", ns)
	assert.Equal(t, SourcePath, src)
}

func TestResolveSkipsEmpty(t *testing.T) {
	ns, src, err := Resolve([]Candidate{
		{Source: SourcePath, Name: ""},
		{Source: SourceHeader, Name: "headerns"},
	})
	require.NoError(t, err)
	assert.Equal(t, "headerns", ns)
	assert.Equal(t, SourceHeader, src)
}

func TestResolveDefault(t *testing.T) {
	ns, src, err := Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, Default, ns)
	assert.Equal(t, SourceDefault, src)
}

func TestResolveInvalidWinnerDoesNotFallThrough(t *testing.T) {
	// A bad high-precedence name must error, not fall back to env.
	_, src, err := Resolve([]Candidate{
		{Source: SourcePath, Name: "Bad Name"},
		{Source: SourceEnv, Name: "envns"},
	})
	require.Error(t, err)
	assert.Equal(t, SourcePath, src)
}
