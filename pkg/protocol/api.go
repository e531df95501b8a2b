// Package protocol defines the API request/response types.
package protocol

import (
	"github.com/fruitsalade/lanshare/pkg/models"
)

// Signature identifies a genuine lanshare server during discovery.
const Signature = "lanshare/1"

// Version is reported by servers in the probe response.
const Version = "1.0.0"

// DefaultPort is the port servers listen on and scanners probe.
const DefaultPort = 8000

// Endpoints. Virtual paths travel in query parameters, never in the URL path.
const (
	PathHealth  = "/health"
	PathProbe   = "/.well-known/lanshare"
	PathList    = "/api/v1/list"
	PathContent = "/api/v1/content"
	PathUpload  = "/api/v1/upload"
	PathEvents  = "/api/v1/events"
	PathDAV     = "/dav"
)

// Headers.
const (
	HeaderSignature = "X-Lanshare-Signature"
	HeaderSize      = "X-Lanshare-Size"
	HeaderRequestID = "X-Request-ID"
)

// Error kinds carried in ErrorResponse.Kind.
const (
	KindTraversal      = "traversal"
	KindNotFound       = "not_found"
	KindNotDir         = "not_dir"
	KindNotFile        = "not_file"
	KindUploadDisabled = "upload_disabled"
	KindBadRequest     = "bad_request"
	KindTooLarge       = "too_large"
	KindDisk           = "disk"
	KindInternal       = "internal"
)

// ListResponse is returned by GET /api/v1/list?path=...
type ListResponse struct {
	Path    string         `json:"path"`
	Entries []models.Entry `json:"entries"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Kind  string `json:"kind,omitempty"`
}

// UploadResponse is returned by POST /api/v1/upload.
type UploadResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ProbeResponse is returned by the discovery endpoint.
type ProbeResponse struct {
	Service       string `json:"service"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	UploadEnabled bool   `json:"upload_enabled"`
}

// SSEEvent is published on the events stream after a completed upload.
type SSEEvent struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
