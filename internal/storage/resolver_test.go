package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/lanshare/pkg/transfer"
)

// newTestTree builds:
//
//	root/a.txt        (10 bytes)
//	root/b/inner.txt
//	outside/secret.txt
func newTestTree(t *testing.T) (*Resolver, string) {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "root")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "inner.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "outside"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "outside", "secret.txt"), []byte("s"), 0o644))

	r, err := NewResolver(root)
	require.NoError(t, err)
	return r, base
}

func TestResolveInsideRoot(t *testing.T) {
	r, _ := newTestTree(t)

	tests := []struct {
		path string
		want string
	}{
		{"/", ""},
		{"", ""},
		{"/a.txt", "a.txt"},
		{"b/inner.txt", filepath.Join("b", "inner.txt")},
		{"/b/../a.txt", "a.txt"},
		{"./b/./inner.txt", filepath.Join("b", "inner.txt")},
		{"b\\inner.txt", filepath.Join("b", "inner.txt")},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := r.Resolve(tt.path)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(r.Root(), tt.want), got)
		})
	}
}

func TestResolveTraversalNeverTouchesFilesystem(t *testing.T) {
	r, _ := newTestTree(t)

	var calls int
	r.lstat = func(p string) (os.FileInfo, error) {
		calls++
		return os.Lstat(p)
	}
	r.evalSymlinks = func(p string) (string, error) {
		calls++
		return filepath.EvalSymlinks(p)
	}

	inputs := []string{
		"..",
		"../outside/secret.txt",
		"/../../etc/passwd",
		"b/../../outside",
		"..\\outside",
		"a.txt/../..",
		"a\x00b",
	}
	for _, in := range inputs {
		_, err := r.Resolve(in)
		assert.ErrorIs(t, err, ErrTraversal, "input %q", in)

		var perr *PathError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "traversal", perr.Kind())
	}
	assert.Zero(t, calls, "traversal must be rejected before any filesystem call")
}

func TestResolveNotFound(t *testing.T) {
	r, _ := newTestTree(t)

	_, err := r.Resolve("/missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.ResolveDir("/a.txt")
	assert.ErrorIs(t, err, ErrNotDir)

	_, _, err = r.ResolveFile("/b")
	assert.ErrorIs(t, err, ErrNotFile)
}

func TestResolveSymlinkEscape(t *testing.T) {
	r, base := newTestTree(t)

	if err := os.Symlink(filepath.Join(base, "outside"), filepath.Join(r.Root(), "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	require.NoError(t, os.Symlink(filepath.Join(r.Root(), "b"), filepath.Join(r.Root(), "alias")))

	_, err := r.Resolve("/escape/secret.txt")
	assert.ErrorIs(t, err, ErrTraversal)

	_, err = r.Resolve("/escape")
	assert.ErrorIs(t, err, ErrTraversal)

	got, err := r.Resolve("/alias/inner.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "alias", "inner.txt"), got)
}

func TestResolveTarget(t *testing.T) {
	r, base := newTestTree(t)

	got, err := r.ResolveTarget("/b", "new.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "b", "new.bin"), got)

	got, err = r.ResolveTarget("/", "a.txt")
	require.NoError(t, err, "overwriting an existing file is allowed")
	assert.Equal(t, filepath.Join(r.Root(), "a.txt"), got)

	for _, name := range []string{"", ".", "..", "x/y", "..\\x"} {
		_, err := r.ResolveTarget("/", name)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	_, err = r.ResolveTarget("/../outside", "x")
	assert.ErrorIs(t, err, ErrTraversal)

	_, err = r.ResolveTarget("/nope", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.ResolveTarget("/", "b")
	assert.ErrorIs(t, err, ErrNotFile)

	if err := os.Symlink(filepath.Join(base, "outside", "secret.txt"), filepath.Join(r.Root(), "trap")); err == nil {
		_, err = r.ResolveTarget("/", "trap")
		assert.ErrorIs(t, err, ErrTraversal)
	}
}

func TestList(t *testing.T) {
	r, _ := newTestTree(t)

	vp, entries, err := r.List("/")
	require.NoError(t, err)
	assert.Equal(t, "/", vp)
	require.Len(t, entries, 2)

	assert.Equal(t, "b", entries[0].Name)
	assert.True(t, entries[0].IsDir())
	assert.Zero(t, entries[0].Size)

	assert.Equal(t, "a.txt", entries[1].Name)
	assert.False(t, entries[1].IsDir())
	assert.EqualValues(t, 10, entries[1].Size)

	vp, entries, err = r.List("b/")
	require.NoError(t, err)
	assert.Equal(t, "/b", vp)
	require.Len(t, entries, 1)
	assert.Equal(t, "inner.txt", entries[0].Name)
}

func TestInProgressUploadsAreHidden(t *testing.T) {
	r, _ := newTestTree(t)
	tmp := ".a.txt.2Bd5gL4mlqG6CL5bfLQ6uKVRBbY.part"
	require.True(t, transfer.IsTempName(tmp))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), tmp), []byte("half"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), ".notes.part"), []byte("x"), 0o644))

	_, entries, err := r.List("/")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.NotContains(t, names, tmp)
	assert.Contains(t, names, ".notes.part", "ordinary dotfiles stay visible")

	_, err = r.Resolve("/" + tmp)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = r.ResolveFile(tmp)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.ResolveTarget("/", tmp)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestNewResolverRejectsBadRoot(t *testing.T) {
	_, err := NewResolver(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
