package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVFSDriverCreate(t *testing.T) {
	root := t.TempDir()
	d := NewVFSDriver()
	target := filepath.Join(root, "a")

	require.NoError(t, d.Create(target))
	assert.True(t, d.Exists(target))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm(), "temp build paths must be created mode 0700")

	err = d.Create(target)
	assert.ErrorIs(t, err, ErrExists)
}

func TestVFSDriverSnapshot(t *testing.T) {
	root := t.TempDir()
	d := NewVFSDriver()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	require.NoError(t, d.Create(src))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("hello"), 0o644))

	require.NoError(t, d.Snapshot(src, dst))
	assert.True(t, d.Exists(dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm(), "temp build paths must be created mode 0700")

	got, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// snapshot is independent of its source
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("changed"), 0o644))
	got, err = os.ReadFile(filepath.Join(dst, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestVFSDriverSnapshotMissingSrc(t *testing.T) {
	root := t.TempDir()
	d := NewVFSDriver()
	err := d.Snapshot(filepath.Join(root, "missing"), filepath.Join(root, "dst"))
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestVFSDriverSnapshotExistingDst(t *testing.T) {
	root := t.TempDir()
	d := NewVFSDriver()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	require.NoError(t, d.Create(src))
	require.NoError(t, d.Create(dst))

	err := d.Snapshot(src, dst)
	assert.ErrorIs(t, err, ErrExists)
}

func TestVFSDriverSetReadOnly(t *testing.T) {
	root := t.TempDir()
	d := NewVFSDriver()
	path := filepath.Join(root, "ro")
	require.NoError(t, d.Create(path))
	file := filepath.Join(path, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.NoError(t, d.SetReadOnly(path))

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0o222, "file should no longer be writable")
}

func TestVFSDriverRemove(t *testing.T) {
	root := t.TempDir()
	d := NewVFSDriver()
	path := filepath.Join(root, "gone")
	require.NoError(t, d.Create(path))
	require.NoError(t, d.Remove(path))
	assert.False(t, d.Exists(path))
}
