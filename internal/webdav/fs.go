// Package webdav exposes the shared directory over WebDAV.
//
// All names are routed through the storage resolver, so the WebDAV view
// obeys the same containment rules as the JSON API. The only mutation
// ever allowed is writing a file, and only when uploads are enabled.
package webdav

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"time"

	"golang.org/x/net/webdav"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/storage"
	"github.com/fruitsalade/lanshare/pkg/models"
	"github.com/fruitsalade/lanshare/pkg/transfer"
	"github.com/fruitsalade/lanshare/pkg/vpath"
)

// WriteHook is called after a file written over WebDAV is in place.
type WriteHook func(vp string, size int64)

// ShareFS implements webdav.FileSystem on top of a storage.Resolver.
type ShareFS struct {
	resolver *storage.Resolver
	writable bool
	onWrite  WriteHook
}

var _ webdav.FileSystem = (*ShareFS)(nil)

// toOSError maps resolver failures onto the errors x/net/webdav understands.
func toOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrTraversal), errors.Is(err, storage.ErrInvalidName):
		return os.ErrPermission
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrNotDir):
		return os.ErrNotExist
	}
	return err
}

// Mkdir is refused; peers may only add files.
func (fs *ShareFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return os.ErrPermission
}

// RemoveAll is refused.
func (fs *ShareFS) RemoveAll(ctx context.Context, name string) error {
	return os.ErrPermission
}

// Rename is refused.
func (fs *ShareFS) Rename(ctx context.Context, oldName, newName string) error {
	return os.ErrPermission
}

// Stat returns file info for a virtual path.
func (fs *ShareFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	full, err := fs.resolver.Resolve(name)
	if err != nil {
		return nil, toOSError(err)
	}
	return os.Stat(full)
}

// OpenFile opens a file or directory for reading, or creates a file when
// uploads are enabled. Only O_CREATE or O_TRUNC replace content; a plain
// O_RDWR open (as PROPPATCH does) gets the read-only view.
func (fs *ShareFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_CREATE|os.O_TRUNC) != 0 {
		if !fs.writable {
			return nil, os.ErrPermission
		}
		return fs.create(ctx, name)
	}

	full, err := fs.resolver.Resolve(name)
	if err != nil {
		return nil, toOSError(err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return os.Open(full)
	}

	_, entries, err := fs.resolver.List(name)
	if err != nil {
		return nil, toOSError(err)
	}
	return &dirFile{info: info, entries: entries}, nil
}

func (fs *ShareFS) create(ctx context.Context, name string) (webdav.File, error) {
	clean, err := vpath.Clean(name)
	if err != nil {
		return nil, os.ErrPermission
	}
	dir, base := vpath.Parent(clean), vpath.Base(clean)
	target, err := fs.resolver.ResolveTarget(dir, base)
	if err != nil {
		return nil, toOSError(err)
	}

	total := int64(-1)
	if n, ok := ctx.Value(contentLengthKey{}).(int64); ok && n >= 0 {
		total = n
	}

	pr, pw := io.Pipe()
	f := &uploadFile{ctx: ctx, name: base, vp: clean, pw: pw, done: make(chan struct{}), onWrite: fs.onWrite}
	go func() {
		defer close(f.done)
		f.size, f.err = transfer.ReceiveFile(ctx, target, pr, total, nil)
		pr.CloseWithError(f.err)
	}()
	return f, nil
}

// contentLengthKey carries a PUT's declared body size to create, so a body
// that ends early is never committed.
type contentLengthKey struct{}

func withContentLength(ctx context.Context, n int64) context.Context {
	return context.WithValue(ctx, contentLengthKey{}, n)
}

// uploadFile streams writes into transfer.ReceiveFile; Close commits.
type uploadFile struct {
	ctx     context.Context
	name    string
	vp      string
	pw      *io.PipeWriter
	done    chan struct{}
	size    int64
	err     error
	werr    error
	written int64
	onWrite WriteHook
}

func (f *uploadFile) Write(p []byte) (int, error) {
	n, err := f.pw.Write(p)
	f.written += int64(n)
	if err != nil && f.werr == nil {
		f.werr = err
	}
	return n, err
}

// Close commits the file unless a write failed or the request is gone.
// x/net/webdav closes the file even when copying the body failed.
func (f *uploadFile) Close() error {
	abort := f.werr
	if abort == nil {
		abort = f.ctx.Err()
	}
	if abort != nil {
		f.pw.CloseWithError(abort)
	} else {
		f.pw.Close()
	}
	<-f.done
	if f.err != nil {
		logging.Warn("webdav upload failed", logging.String("path", f.vp), logging.Err(f.err))
		return f.err
	}
	if f.onWrite != nil {
		f.onWrite(f.vp, f.size)
	}
	return nil
}

func (f *uploadFile) Read([]byte) (int, error)           { return 0, os.ErrPermission }
func (f *uploadFile) Seek(int64, int) (int64, error)     { return 0, os.ErrPermission }
func (f *uploadFile) Readdir(int) ([]os.FileInfo, error) { return nil, os.ErrInvalid }
func (f *uploadFile) Stat() (os.FileInfo, error) {
	return &fileInfo{name: f.name, size: f.written, modTime: time.Now()}, nil
}

// dirFile serves a directory listing produced by the resolver.
type dirFile struct {
	info    os.FileInfo
	entries []models.Entry
	pos     int
}

func (d *dirFile) Close() error                   { return nil }
func (d *dirFile) Read([]byte) (int, error)       { return 0, os.ErrInvalid }
func (d *dirFile) Write([]byte) (int, error)      { return 0, os.ErrPermission }
func (d *dirFile) Seek(int64, int) (int64, error) { return 0, nil }
func (d *dirFile) Stat() (os.FileInfo, error)     { return d.info, nil }

func (d *dirFile) Readdir(count int) ([]os.FileInfo, error) {
	rest := d.entries[d.pos:]
	if count > 0 {
		if len(rest) == 0 {
			return nil, io.EOF
		}
		if len(rest) > count {
			rest = rest[:count]
		}
	}
	d.pos += len(rest)

	infos := make([]os.FileInfo, 0, len(rest))
	for _, e := range rest {
		infos = append(infos, &fileInfo{name: e.Name, size: e.Size, isDir: e.IsDir(), modTime: e.ModTime})
	}
	return infos, nil
}

// fileInfo implements os.FileInfo for listing entries.
type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (fi *fileInfo) Name() string       { return path.Base(fi.name) }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) Sys() any           { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
