// Package transfer streams file contents in fixed-size chunks with progress
// reporting and cancellation between chunks.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

// ChunkSize is the unit of every read, write, progress report and
// cancellation check.
const ChunkSize = 64 * 1024

// Side says which end of a copy is the local disk.
type Side int

const (
	// DiskToConn reads a local file and writes to the network.
	DiskToConn Side = iota
	// ConnToDisk reads from the network and writes a local file.
	ConnToDisk
)

// ProgressFunc is called after every chunk with bytes done so far and the
// expected total (-1 when unknown).
type ProgressFunc func(done, total int64)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, ChunkSize)
		return &b
	},
}

// Copy moves total bytes from src to dst one chunk at a time. A negative
// total copies until EOF. The context is checked between chunks; once all
// expected bytes have been written the copy succeeds even if ctx has ended.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, side Side, progress ProgressFunc) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	var done int64
	for {
		if total >= 0 && done >= total {
			return done, nil
		}
		if err := ctx.Err(); err != nil {
			return done, &Error{Kind: KindCancelled, Op: "copy", Err: err}
		}

		want := int64(len(buf))
		if total >= 0 && total-done < want {
			want = total - done
		}
		n, rerr := io.ReadFull(src, buf[:want])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if side == ConnToDisk {
					return done, diskErr("copy", werr, "write chunk at offset %d", done)
				}
				return done, connErr("copy", werr, "send chunk at offset %d", done)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF):
			if total < 0 {
				return done, nil
			}
			if done < total {
				return done, connErr("copy", io.ErrUnexpectedEOF, "stream ended after %d of %d bytes", done, total)
			}
		default:
			if side == ConnToDisk {
				return done, connErr("copy", rerr, "receive chunk at offset %d", done)
			}
			return done, diskErr("copy", rerr, "read chunk at offset %d", done)
		}
	}
}

// ReceiveFile writes total bytes from src to dest. Data goes to a hidden
// temporary file in dest's directory which is synced and renamed over dest
// only when complete. On any failure the temporary file is removed and dest
// is left as it was.
func ReceiveFile(ctx context.Context, dest string, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	dir, base := filepath.Split(dest)
	if dir == "" {
		dir = "."
	}
	tmp := filepath.Join(dir, tempName(base))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, diskErr("receive", err, "create temp file in %s", dir)
	}

	n, err := Copy(ctx, f, src, total, ConnToDisk, progress)
	if err == nil {
		if serr := f.Sync(); serr != nil {
			err = diskErr("receive", serr, "sync %s", tmp)
		}
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = diskErr("receive", cerr, "close %s", tmp)
	}
	if err != nil {
		os.Remove(tmp)
		return n, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return n, diskErr("receive", err, "rename into %s", dest)
	}
	return n, nil
}

const tempSuffix = ".part"

func tempName(base string) string {
	return "." + base + "." + ksuid.New().String() + tempSuffix
}

// IsTempName reports whether name is one of the hidden files ReceiveFile
// writes while a transfer is in progress.
func IsTempName(name string) bool {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, tempSuffix) {
		return false
	}
	rest := strings.TrimSuffix(name[1:], tempSuffix)
	i := strings.LastIndexByte(rest, '.')
	if i < 1 {
		return false
	}
	_, err := ksuid.Parse(rest[i+1:])
	return err == nil
}

// SendFile streams the file at path to w.
func SendFile(ctx context.Context, w io.Writer, path string, progress ProgressFunc) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, diskErr("send", err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, diskErr("send", err, "stat %s", path)
	}
	return Copy(ctx, w, f, info.Size(), DiskToConn, progress)
}

// Throttle wraps fn so it runs at most once per interval, plus always for
// the final chunk when the total is known.
func Throttle(interval time.Duration, fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return nil
	}
	var last time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(last) < interval && (total < 0 || done < total) {
			return
		}
		last = now
		fn(done, total)
	}
}

// FormatSize renders a byte count in B/KB/MB/GB/TB with one decimal.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	v := float64(n) / unit
	i := 0
	for v >= unit && i < len(units)-1 {
		v /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}
