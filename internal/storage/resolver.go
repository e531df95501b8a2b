// Package storage maps virtual paths onto the served directory.
//
// Every filesystem access made on behalf of a peer goes through a Resolver,
// which guarantees the real path it returns lies inside the root.
package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/lanshare/internal/config"
	"github.com/fruitsalade/lanshare/pkg/models"
	"github.com/fruitsalade/lanshare/pkg/transfer"
	"github.com/fruitsalade/lanshare/pkg/vpath"
)

// Resolver confines virtual paths to a single root directory.
type Resolver struct {
	root string

	// Filesystem hooks, replaced in tests.
	lstat        func(string) (os.FileInfo, error)
	evalSymlinks func(string) (string, error)
}

// NewResolver canonicalises root. It fails with *config.Error when root is
// not an existing directory.
func NewResolver(root string) (*Resolver, error) {
	canonical, err := config.CanonicalRoot(root)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		root:         canonical,
		lstat:        os.Lstat,
		evalSymlinks: filepath.EvalSymlinks,
	}, nil
}

// Root returns the canonical real path of the served directory.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps a virtual path to a real path inside the root.
// Traversal is detected on the segment stack before the filesystem is touched.
// In-progress upload files are reported as not found.
func (r *Resolver) Resolve(p string) (string, error) {
	segs, err := vpath.Segments(p)
	if err != nil {
		return "", pathErr("resolve", p, err)
	}
	if len(segs) > 0 && transfer.IsTempName(segs[len(segs)-1]) {
		return "", pathErr("resolve", p, ErrNotFound)
	}
	full := r.join(segs)
	if err := r.contain("resolve", p, full); err != nil {
		return "", err
	}
	return full, nil
}

// ResolveDir resolves p and requires it to be a directory.
func (r *Resolver) ResolveDir(p string) (string, error) {
	full, err := r.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", pathErr("resolve", p, ErrNotFound)
	}
	if !info.IsDir() {
		return "", pathErr("resolve", p, ErrNotDir)
	}
	return full, nil
}

// ResolveFile resolves p and requires it to be a regular file.
func (r *Resolver) ResolveFile(p string) (string, os.FileInfo, error) {
	full, err := r.Resolve(p)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return "", nil, pathErr("open", p, ErrNotFound)
	}
	if !info.Mode().IsRegular() {
		return "", nil, pathErr("open", p, ErrNotFile)
	}
	return full, info, nil
}

// ResolveTarget returns the real path an upload named name in dir should be
// written to. The target need not exist. If it exists it must be a regular
// file and, when it is a symlink, must still resolve inside the root.
func (r *Resolver) ResolveTarget(dir, name string) (string, error) {
	if _, err := vpath.SafeName(name); err != nil {
		return "", pathErr("target", name, err)
	}
	if transfer.IsTempName(name) {
		return "", pathErr("target", name, ErrInvalidName)
	}
	realDir, err := r.ResolveDir(dir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(realDir, name)
	display := vpath.BuildChildPath(mustClean(dir), name)

	info, err := r.lstat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return target, nil
	case err != nil:
		return "", pathErr("target", display, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if err := r.contain("target", display, target); err != nil {
			return "", err
		}
		info, err = os.Stat(target)
		if err != nil {
			return "", pathErr("target", display, err)
		}
	}
	if info.IsDir() {
		return "", pathErr("target", display, ErrNotFile)
	}
	return target, nil
}

// List returns the entries of directory p in listing order, along with the
// canonical virtual path of p.
func (r *Resolver) List(p string) (string, []models.Entry, error) {
	full, err := r.ResolveDir(p)
	if err != nil {
		return "", nil, err
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		return "", nil, pathErr("list", p, err)
	}

	entries := make([]models.Entry, 0, len(dirents))
	for _, d := range dirents {
		if transfer.IsTempName(d.Name()) {
			continue
		}
		var info os.FileInfo
		if d.Type()&os.ModeSymlink != 0 {
			// report what the link points at; dangling links are skipped
			info, err = os.Stat(filepath.Join(full, d.Name()))
		} else {
			info, err = d.Info()
		}
		if err != nil {
			continue
		}
		entries = append(entries, models.EntryFromInfo(namedInfo{info, d.Name()}))
	}
	models.SortEntries(entries)
	return mustClean(p), entries, nil
}

func (r *Resolver) join(segs []string) string {
	if len(segs) == 0 {
		return r.root
	}
	return filepath.Join(append([]string{r.root}, segs...)...)
}

// contain checks that full exists and that its symlink-free form is inside root.
func (r *Resolver) contain(op, p, full string) error {
	if _, err := r.lstat(full); err != nil {
		return pathErr(op, p, ErrNotFound)
	}
	resolved, err := r.evalSymlinks(full)
	if err != nil {
		return pathErr(op, p, ErrNotFound)
	}
	if !within(r.root, resolved) {
		return pathErr(op, p, ErrTraversal)
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func mustClean(p string) string {
	c, err := vpath.Clean(p)
	if err != nil {
		return vpath.Root
	}
	return c
}

// namedInfo keeps the directory entry name when the info came from a followed symlink.
type namedInfo struct {
	os.FileInfo
	name string
}

func (n namedInfo) Name() string { return n.name }
