package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fsys := OSFileSystem{}

	assert.True(t, fsys.Exists("filesystem.go"))
	assert.False(t, fsys.Exists("nonexistent_file_xyz.go"))
}

func TestOSFileSystem_MkdirRequiresParent(t *testing.T) {
	fsys := OSFileSystem{}
	dir := t.TempDir()

	err := fsys.Mkdir(filepath.Join(dir, "a", "b"), 0755)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, fsys.Mkdir(filepath.Join(dir, "a"), 0755))
	err = fsys.Mkdir(filepath.Join(dir, "a"), 0755)
	assert.True(t, errors.Is(err, fs.ErrExist))
}

func TestMemoryFileSystem_CreateAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/out", 0755))

	w, err := mfs.Create("/out/created.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello, world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := mfs.ReadFile("/out/created.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(data))
}

func TestMemoryFileSystem_CreateTruncates(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/out/f.bin", []byte("old contents"))

	w, err := mfs.Create("/out/f.bin")
	require.NoError(t, err)
	_, _ = w.Write([]byte("new"))
	require.NoError(t, w.Close())

	data, err := mfs.ReadFile("/out/f.bin")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestMemoryFileSystem_CreateMissingParent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.Create("/missing/f.txt")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestMemoryFileSystem_Mkdir(t *testing.T) {
	mfs := NewMemoryFileSystem()

	err := mfs.Mkdir("/a/b", 0755)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, mfs.Mkdir("/a", 0755))
	require.NoError(t, mfs.Mkdir("/a/b", 0755))
	assert.True(t, mfs.Exists("/a/b"))

	err = mfs.Mkdir("/a", 0755)
	assert.True(t, errors.Is(err, fs.ErrExist))

	info, err := mfs.Stat("/a/b")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMemoryFileSystem_WriteFileCreatesParents(t *testing.T) {
	mfs := NewMemoryFileSystem()
	mfs.WriteFile("/x/y/z.txt", []byte("z"))

	assert.True(t, mfs.Exists("/x"))
	assert.True(t, mfs.Exists("/x/y"))
	assert.Equal(t, []string{"/x/y/z.txt"}, mfs.List("/x"))
}

func TestMemoryFileSystem_StatMissing(t *testing.T) {
	mfs := NewMemoryFileSystem()

	_, err := mfs.Stat("/nope")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	_, err = mfs.ReadFile("/nope")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll(dir, 0755))

	for name, fsys := range map[string]FileSystem{"os": OSFileSystem{}, "memory": mfs} {
		t.Run(name, func(t *testing.T) {
			sub := filepath.Join(dir, name)
			file := filepath.Join(sub, "plot.png")
			require.NoError(t, fsys.Mkdir(sub, 0755))
			w, err := fsys.Create(file)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			assert.Error(t, fsys.Remove(sub), "non-empty directory")
			require.NoError(t, fsys.Remove(file))
			assert.False(t, fsys.Exists(file))

			err = fsys.Remove(file)
			assert.True(t, errors.Is(err, fs.ErrNotExist))

			require.NoError(t, fsys.Remove(sub))
			assert.False(t, fsys.Exists(sub))
		})
	}
}
