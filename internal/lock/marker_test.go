package lock

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	want := "github.com_owner_repo"
	for _, in := range []string{
		"owner/repo",
		"https://github.com/Owner/Repo",
		"https://www.github.com/owner/repo.git",
		"github.com/owner/repo/",
	} {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestAcquireReleaseCycle(t *testing.T) {
	g := New(t.TempDir(), time.Hour)
	const repo = "https://github.com/owner/repo"

	require.NoError(t, g.Acquire(repo))
	held, err := g.Held(repo)
	require.NoError(t, err)
	assert.True(t, held)

	info, err := os.Stat(g.Path(repo))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	assert.ErrorIs(t, g.Acquire("owner/repo"), ErrHeld, "normalized URLs share one marker")

	require.NoError(t, g.Release(repo))
	require.NoError(t, g.Release(repo), "release is idempotent")
	held, err = g.Held(repo)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDoRemovesMarkerWhateverTheResult(t *testing.T) {
	g := New(t.TempDir(), 0)
	const repo = "owner/repo"

	err := g.Do(repo, func() error { return errors.New("stream ended with phase failed") })
	assert.EqualError(t, err, "stream ended with phase failed")
	_, statErr := os.Stat(g.Path(repo))
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, g.Do(repo, func() error { return nil }))
	_, statErr = os.Stat(g.Path(repo))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStaleMarkerIsReplaced(t *testing.T) {
	g := New(t.TempDir(), time.Minute)
	const repo = "owner/repo"
	require.NoError(t, g.Acquire(repo))

	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	held, err := g.Held(repo)
	require.NoError(t, err)
	assert.False(t, held)
	assert.NoError(t, g.Acquire(repo))
}
