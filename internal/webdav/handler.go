package webdav

import (
	"net/http"

	"golang.org/x/net/webdav"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/storage"
)

// NewHandler creates a WebDAV handler for the shared tree mounted at prefix.
func NewHandler(resolver *storage.Resolver, prefix string, writable bool, onWrite WriteHook) http.Handler {
	h := &webdav.Handler{
		FileSystem: &ShareFS{resolver: resolver, writable: writable, onWrite: onWrite},
		LockSystem: webdav.NewMemLS(),
		Prefix:     prefix,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request failed",
					logging.String("method", r.Method),
					logging.String("path", r.URL.Path),
					logging.Err(err))
			}
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			r = r.WithContext(withContentLength(r.Context(), r.ContentLength))
		}
		h.ServeHTTP(w, r)
	})
}
