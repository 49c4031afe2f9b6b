package destination

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProfileFixture(t *testing.T) *ProfileStore {
	t.Helper()
	destRoot := t.TempDir()
	writeDestination(t, destRoot, "s3", exampleDescriptor)
	return NewProfileStore(filepath.Join(t.TempDir(), "profiles"), NewRegistry(destRoot))
}

func TestProfileStore_SaveLoadRoundTrip(t *testing.T) {
	ps := newProfileFixture(t)
	settings := map[string]any{"region": "eu-west-1", "public": true}

	require.NoError(t, ps.Save("s3", "prod", settings))

	got, err := ps.Load("s3", "prod", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, settings, got)

	info, err := os.Stat(filepath.Join(ps.RootDir(), "s3", "prod.toml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Join(ps.RootDir(), "s3"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestProfileStore_SaveOverwrites(t *testing.T) {
	ps := newProfileFixture(t)
	require.NoError(t, ps.Save("s3", "prod", map[string]any{"region": "eu-west-1"}))
	require.NoError(t, ps.Save("s3", "prod", map[string]any{"bucket": "b"}))

	got, err := ps.Load("s3", "prod", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"bucket": "b"}, got)
}

func TestProfileStore_SaveValidates(t *testing.T) {
	ps := newProfileFixture(t)

	err := ps.Save("s3", "prod", map[string]any{"region": "nowhere"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	_, statErr := os.Stat(filepath.Join(ps.RootDir(), "s3", "prod.toml"))
	assert.True(t, os.IsNotExist(statErr))

	err = ps.Save("ghost", "prod", map[string]any{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProfileStore_InvalidNames(t *testing.T) {
	ps := newProfileFixture(t)
	for _, name := range []string{"", "a/b", "..", "with space", ".hidden"} {
		err := ps.Save("s3", name, map[string]any{})
		assert.Error(t, err, name)
	}
}

func TestProfileStore_LoadMissingAndCorrupt(t *testing.T) {
	ps := newProfileFixture(t)

	_, err := ps.Load("s3", "missing", LoadOptions{})
	assert.True(t, errors.Is(err, ErrProfileNotFound))

	got, err := ps.Load("s3", "missing", LoadOptions{AllowMissing: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	dir := filepath.Join(ps.RootDir(), "s3")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("settings = [[["), 0o600))

	_, err = ps.Load("s3", "broken", LoadOptions{})
	assert.True(t, errors.Is(err, ErrProfileNotFound))

	got, err = ps.Load("s3", "broken", LoadOptions{AllowMissing: true})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProfileStore_ListAndDelete(t *testing.T) {
	ps := newProfileFixture(t)

	names, err := ps.List("s3")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, ps.Save("s3", "staging", map[string]any{}))
	require.NoError(t, ps.Save("s3", "prod", map[string]any{}))

	names, err = ps.List("s3")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod", "staging"}, names)

	require.NoError(t, ps.Delete("s3", "prod"))
	err = ps.Delete("s3", "prod")
	assert.True(t, errors.Is(err, ErrProfileNotFound))

	names, err = ps.List("s3")
	require.NoError(t, err)
	assert.Equal(t, []string{"staging"}, names)
}

func TestProfileStore_Merge(t *testing.T) {
	ps := newProfileFixture(t)
	require.NoError(t, ps.Save("s3", "prod", map[string]any{"region": "eu-west-1", "bucket": "prod-images"}))

	got, err := ps.Merge("s3", "prod", map[string]any{"bucket": "override"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"region": "eu-west-1", "bucket": "override"}, got)

	got, err = ps.Merge("s3", "", map[string]any{"public": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"public": true}, got)

	_, err = ps.Merge("s3", "missing", nil)
	assert.True(t, errors.Is(err, ErrProfileNotFound))
}
