package api

import (
	"os"
)

// sendFile is an open file together with the size captured at open time,
// so Content-Length matches exactly what is streamed.
type sendFile struct {
	*os.File
	size int64
}

func openForSend(path string) (*sendFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &sendFile{File: f, size: info.Size()}, nil
}
