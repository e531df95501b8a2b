package transfer

import (
	"github.com/pkg/errors"
)

// Kind classifies why a transfer stopped.
type Kind int

const (
	// KindDisk is a failure reading or writing the local file.
	KindDisk Kind = iota + 1
	// KindConnection is a failure on the network side, including a short stream.
	KindConnection
	// KindCancelled means the caller's context ended before the copy completed.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindDisk:
		return "disk"
	case KindConnection:
		return "connection"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrDisk       = errors.New("disk error")
	ErrConnection = errors.New("connection error")
	ErrCancelled  = errors.New("transfer cancelled")
)

// Error describes a failed transfer.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDisk:
		return e.Kind == KindDisk
	case ErrConnection:
		return e.Kind == KindConnection
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

// KindOf returns the kind of a transfer error, or 0 if err is not one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func diskErr(op string, err error, format string, args ...any) error {
	return &Error{Kind: KindDisk, Op: op, Err: errors.Wrapf(err, format, args...)}
}

func connErr(op string, err error, format string, args ...any) error {
	return &Error{Kind: KindConnection, Op: op, Err: errors.Wrapf(err, format, args...)}
}
