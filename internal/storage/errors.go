package storage

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/lanshare/pkg/vpath"
)

var (
	// ErrTraversal indicates a path that resolves outside the served root.
	ErrTraversal = vpath.ErrTraversal

	// ErrNotFound indicates a virtual path that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotDir indicates a directory operation on a file.
	ErrNotDir = errors.New("not a directory")

	// ErrNotFile indicates a file operation on a directory.
	ErrNotFile = errors.New("not a regular file")

	// ErrInvalidName indicates an upload name that is not a single segment.
	ErrInvalidName = vpath.ErrInvalidName
)

// PathError records a rejected virtual path together with the operation.
type PathError struct {
	Op   string // resolve, list, open, target
	Path string // virtual path as requested
	Err  error  // one of the sentinels above, or an OS error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Kind returns a short label for the failure, used in API errors and metrics.
func (e *PathError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrTraversal):
		return "traversal"
	case errors.Is(e.Err, ErrNotFound):
		return "not_found"
	case errors.Is(e.Err, ErrNotDir):
		return "not_dir"
	case errors.Is(e.Err, ErrNotFile):
		return "not_file"
	case errors.Is(e.Err, ErrInvalidName):
		return "bad_request"
	default:
		return "internal"
	}
}

func pathErr(op, p string, err error) *PathError {
	return &PathError{Op: op, Path: p, Err: err}
}
