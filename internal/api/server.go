// Package api provides the HTTP server and handlers for lanshare.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/fruitsalade/lanshare/internal/config"
	"github.com/fruitsalade/lanshare/internal/events"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/internal/storage"
	"github.com/fruitsalade/lanshare/internal/webdav"
	"github.com/fruitsalade/lanshare/pkg/protocol"
	"github.com/fruitsalade/lanshare/pkg/transfer"
	"github.com/fruitsalade/lanshare/pkg/vpath"
)

// ErrUploadDisabled is reported when a peer uploads to a read-only server.
var ErrUploadDisabled = errors.New("uploads are disabled on this server")

const shutdownTimeout = 10 * time.Second

// Server serves one shared directory. It holds no mutable state besides
// the event feed; the config and resolver are read-only after NewServer.
type Server struct {
	cfg      *config.ServerConfig
	resolver *storage.Resolver
	feed     *events.Feed
	dav      http.Handler

	freeSpace func(dir string) (uint64, bool)
}

// NewServer creates a server for cfg using resolver for all path access.
func NewServer(cfg *config.ServerConfig, resolver *storage.Resolver) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		feed:     events.NewFeed(),

		freeSpace: transfer.FreeSpace,
	}
	s.dav = webdav.NewHandler(resolver, protocol.PathDAV, cfg.UploadEnabled, s.published)
	return s
}

// Feed returns the upload event feed.
func (s *Server) Feed() *events.Feed {
	return s.feed
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+protocol.PathHealth, s.handleHealth)
	mux.HandleFunc("GET "+protocol.PathProbe, s.handleProbe)

	mux.HandleFunc("GET "+protocol.PathList, s.handleList)
	mux.HandleFunc("GET "+protocol.PathContent, s.handleContent)
	mux.HandleFunc("POST "+protocol.PathUpload, s.handleUpload)

	mux.Handle("GET "+protocol.PathEvents, s.feed)

	mux.Handle(protocol.PathDAV+"/", s.dav)

	return logging.Middleware(metrics.Middleware(mux))
}

// Listen binds the configured address. A bind failure is returned as
// *config.Error.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, &config.Error{Field: "listen", Err: err}
	}
	return ln, nil
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, at most cfg.MaxConns at a time. Each
// connection is handled on its own goroutine by net/http, so a failure on
// one never affects another. Cancelling ctx shuts the server down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ConnState:         trackConnState,
		ErrorLog:          zap.NewStdLog(logging.L()),
	}
	srv.RegisterOnShutdown(s.feed.Close)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logging.Info("shutting down server", logging.String("addr", ln.Addr().String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("graceful shutdown incomplete", logging.Err(err))
			srv.Close()
		}
		<-errCh
		return nil
	}
}

func trackConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		metrics.ConnectionOpened()
	case http.StateClosed, http.StateHijacked:
		metrics.ConnectionClosed()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(protocol.HeaderSignature, protocol.Signature)
	s.sendJSON(w, http.StatusOK, protocol.ProbeResponse{
		Service:       protocol.Signature,
		Name:          s.cfg.Name,
		Version:       protocol.Version,
		UploadEnabled: s.cfg.UploadEnabled,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")

	vp, entries, err := s.resolver.List(p)
	if err != nil {
		s.sendPathError(w, r, err)
		return
	}
	metrics.RecordListing()

	resp := protocol.ListResponse{Path: vp, Entries: entries}
	if acceptsGzip(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := getGzipWriter(w)
		defer putGzipWriter(gw)
		json.NewEncoder(gw).Encode(resp)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	logger := logging.WithContext(r.Context())

	full, _, err := s.resolver.ResolveFile(p)
	if err != nil {
		s.sendPathError(w, r, err)
		return
	}

	f, err := openForSend(full)
	if err != nil {
		logger.Error("open for download failed", zap.String("path", p), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, protocol.KindDisk, "cannot read file")
		return
	}
	defer f.Close()

	size := f.size
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set(protocol.HeaderSize, strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(vpath.Base(p), `"`, "")+`"`)
	w.WriteHeader(http.StatusOK)

	n, err := transfer.Copy(r.Context(), w, f, size, transfer.DiskToConn, nil)
	metrics.RecordContentDownload(n, err == nil)
	if err != nil {
		// Headers are gone; the short body tells the client it failed.
		logger.Warn("download interrupted",
			zap.String("path", p),
			zap.Int64("sent", n),
			zap.Int64("size", size),
			zap.Error(err))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithContext(r.Context())

	if !s.cfg.UploadEnabled {
		// Refuse without reading the body and drop the connection afterwards.
		w.Header().Set("Connection", "close")
		s.sendError(w, http.StatusForbidden, protocol.KindUploadDisabled, ErrUploadDisabled.Error())
		return
	}

	q := r.URL.Query()
	dir, name := q.Get("dir"), q.Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, protocol.KindBadRequest, "name is required")
		return
	}

	target, err := s.resolver.ResolveTarget(dir, name)
	if err != nil {
		s.sendPathError(w, r, err)
		return
	}

	size := r.ContentLength
	if s.cfg.MaxUploadSize > 0 {
		if size > s.cfg.MaxUploadSize {
			w.Header().Set("Connection", "close")
			s.sendError(w, http.StatusRequestEntityTooLarge, protocol.KindTooLarge, "upload exceeds server limit")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	}
	if size > 0 {
		if free, ok := s.freeSpace(filepath.Dir(target)); ok && uint64(size) > free {
			w.Header().Set("Connection", "close")
			s.sendError(w, http.StatusInsufficientStorage, protocol.KindDisk, "not enough free space")
			return
		}
	}

	n, err := transfer.ReceiveFile(r.Context(), target, r.Body, size, nil)
	metrics.RecordContentUpload(n, err == nil)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.sendError(w, http.StatusRequestEntityTooLarge, protocol.KindTooLarge, "upload exceeds server limit")
		case errors.Is(err, transfer.ErrDisk):
			logger.Error("upload write failed", zap.String("name", name), zap.Error(err))
			s.sendError(w, http.StatusInsufficientStorage, protocol.KindDisk, "could not store file")
		default:
			logger.Warn("upload aborted", zap.String("name", name), zap.Int64("received", n), zap.Error(err))
			s.sendError(w, http.StatusBadRequest, protocol.KindBadRequest, "upload interrupted")
		}
		return
	}

	cleanDir, _ := vpath.Clean(dir)
	vp := vpath.BuildChildPath(cleanDir, name)
	logger.Info("upload stored", zap.String("path", vp), zap.Int64("size", n))
	s.published(vp, n)

	s.sendJSON(w, http.StatusCreated, protocol.UploadResponse{Path: vp, Size: n})
}

// published announces a completed upload on the event feed.
func (s *Server) published(vp string, size int64) {
	s.feed.Publish(protocol.SSEEvent{Type: events.EventUpload, Path: vp, Size: size})
}

func (s *Server) sendPathError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *storage.PathError
	if !errors.As(err, &perr) {
		logging.WithContext(r.Context()).Error("unexpected resolver error", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, protocol.KindInternal, "internal error")
		return
	}

	kind := perr.Kind()
	metrics.RecordPathRejection(kind)

	switch kind {
	case protocol.KindTraversal:
		logging.WithContext(r.Context()).Warn("path outside root rejected",
			zap.String("path", perr.Path),
			zap.String("remote_addr", r.RemoteAddr))
		s.sendError(w, http.StatusForbidden, kind, "access denied")
	case protocol.KindNotFound, protocol.KindNotDir, protocol.KindNotFile:
		s.sendError(w, http.StatusNotFound, kind, perr.Err.Error()+": "+perr.Path)
	case protocol.KindBadRequest:
		s.sendError(w, http.StatusBadRequest, kind, perr.Err.Error())
	default:
		logging.WithContext(r.Context()).Error("resolver failure", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, protocol.KindInternal, "internal error")
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, kind, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
		Kind:  kind,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// acceptsGzip returns true if the client accepts gzip encoding.
func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

var gzipPool = sync.Pool{
	New: func() any {
		gw, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
		return gw
	},
}

func getGzipWriter(w http.ResponseWriter) *gzip.Writer {
	gw := gzipPool.Get().(*gzip.Writer)
	gw.Reset(w)
	return gw
}

func putGzipWriter(gw *gzip.Writer) {
	gw.Close()
	gzipPool.Put(gw)
}
