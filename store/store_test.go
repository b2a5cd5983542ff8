package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nearbycore.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStableEndpointIDPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nearbycore.db")
	s1, err := Open(path)
	require.NoError(t, err)
	id1, err := s1.StableEndpointID()
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	id2, err := s2.StableEndpointID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestUnknownPathsDrainOnce(t *testing.T) {
	s := openTestStore(t)
	s.AddUnknownPath("/save/payload-1")
	s.AddUnknownPath("/save/payload-2")

	got := s.GetAndClearUnknownFilePathsToDelete()
	assert.ElementsMatch(t, []string{"/save/payload-1", "/save/payload-2"}, got)

	assert.Empty(t, s.GetAndClearUnknownFilePathsToDelete())
}

func TestIdentitySeedStable(t *testing.T) {
	s := openTestStore(t)
	seed1, err := s.IdentitySeed()
	require.NoError(t, err)
	seed2, err := s.IdentitySeed()
	require.NoError(t, err)
	assert.Equal(t, seed1, seed2)
}
