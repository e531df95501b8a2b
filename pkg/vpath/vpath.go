// Package vpath provides the virtual path rules shared by server and client.
//
// A virtual path is always interpreted relative to a served root. It is
// normalised on an in-memory segment stack, so a path that would climb
// above the root is rejected before anything touches the filesystem.
package vpath

import (
	"errors"
	"strings"
)

// Root is the virtual path of the served directory itself.
const Root = "/"

var (
	// ErrTraversal is returned when a path would resolve above the root.
	ErrTraversal = errors.New("path escapes root")

	// ErrInvalidName is returned for names that are not a single plain segment.
	ErrInvalidName = errors.New("invalid file name")
)

// Segments splits p into its normalised segments. Empty and "." segments
// are dropped and ".." pops the previous segment. Both '/' and '\' are
// treated as separators so a Windows-style path cannot smuggle "..".
func Segments(p string) ([]string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return nil, ErrTraversal
	}
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })

	stack := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case ".":
		case "..":
			if len(stack) == 0 {
				return nil, ErrTraversal
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, part)
		}
	}
	return stack, nil
}

// Clean returns the canonical "/"-rooted form of p.
func Clean(p string) (string, error) {
	segs, err := Segments(p)
	if err != nil {
		return "", err
	}
	return FromSegments(segs), nil
}

// FromSegments builds a virtual path from already normalised segments.
func FromSegments(segs []string) string {
	return Root + strings.Join(segs, "/")
}

// Join resolves target against base. An absolute target replaces base.
func Join(base, target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		return Clean(target)
	}
	return Clean(base + "/" + target)
}

// Parent returns the parent of p. The parent of the root is the root.
func Parent(p string) string {
	segs, err := Segments(p)
	if err != nil || len(segs) == 0 {
		return Root
	}
	return FromSegments(segs[:len(segs)-1])
}

// Base returns the last segment of p, or "" for the root.
func Base(p string) string {
	segs, err := Segments(p)
	if err != nil || len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// IsRoot reports whether p normalises to the root.
func IsRoot(p string) bool {
	segs, err := Segments(p)
	return err == nil && len(segs) == 0
}

// SafeName validates an upload file name. It must be exactly one segment.
func SafeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return "", ErrInvalidName
	}
	return name, nil
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parent, name string) string {
	if parent == Root || parent == "" {
		return Root + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}
