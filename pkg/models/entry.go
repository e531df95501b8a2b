// Package models contains shared data types used by server and client.
package models

import (
	"os"
	"sort"
	"strings"
	"time"
)

// Kind distinguishes files from directories in a listing.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Kind    Kind      `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDir
}

// EntryFromInfo builds an Entry from file info. Directories report size 0.
func EntryFromInfo(info os.FileInfo) Entry {
	e := Entry{
		Name:    info.Name(),
		Kind:    KindFile,
		ModTime: info.ModTime().UTC(),
	}
	if info.IsDir() {
		e.Kind = KindDir
	} else {
		e.Size = info.Size()
	}
	return e
}

// SortEntries orders directories first, then by case-insensitive name.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}
