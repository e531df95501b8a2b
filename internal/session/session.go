// Package session implements the interactive lanshare client: a prompt
// loop that tracks the connected server and the remote working directory.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fruitsalade/lanshare/internal/discovery"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/pkg/client"
	"github.com/fruitsalade/lanshare/pkg/models"
	"github.com/fruitsalade/lanshare/pkg/protocol"
	"github.com/fruitsalade/lanshare/pkg/transfer"
	"github.com/fruitsalade/lanshare/pkg/vpath"
)

var (
	// ErrNotConnected is returned by remote commands before connect.
	ErrNotConnected = errors.New("not connected (use scan or connect)")

	// ErrConnectionLost ends Run when the server stops answering mid-session.
	ErrConnectionLost = errors.New("connection to server lost")
)

// Status is the connection state of a session.
type Status int

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// State is a snapshot of the session.
type State struct {
	Status      Status
	Server      string
	Cwd         string
	DownloadDir string
}

// Remote is the part of the HTTP client a session uses.
type Remote interface {
	Ping(ctx context.Context) error
	Probe(ctx context.Context) (*protocol.ProbeResponse, error)
	List(ctx context.Context, p string) (*protocol.ListResponse, error)
	Download(ctx context.Context, p, dest string, progress transfer.ProgressFunc) (int64, error)
	Upload(ctx context.Context, dir, localPath string, progress transfer.ProgressFunc) (*protocol.UploadResponse, error)
}

// Options configures a Session.
type Options struct {
	DownloadDir string
	// Dial builds a Remote for an address typed by the operator.
	Dial func(addr string) Remote
	// Scan runs subnet discovery. Nil disables the scan command.
	Scan func(ctx context.Context) ([]discovery.Server, error)
	// Interrupt derives the context of one transfer. It defaults to
	// cancelling on SIGINT.
	Interrupt func(ctx context.Context) (context.Context, context.CancelFunc)
	In        io.Reader
	Out       io.Writer
}

// Session is one interactive client. It is not safe for concurrent use.
type Session struct {
	opts   Options
	remote Remote
	server string
	cwd    string
	found  []discovery.Server
}

// New creates a disconnected session.
func New(opts Options) *Session {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Interrupt == nil {
		opts.Interrupt = func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		}
	}
	return &Session{opts: opts, cwd: vpath.Root}
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	st := State{Status: Disconnected, Cwd: s.cwd, DownloadDir: s.opts.DownloadDir}
	if s.remote != nil {
		st.Status = Connected
		st.Server = s.server
	}
	return st
}

// Connect checks that addr answers its health check, lists its root and
// carries the discovery signature. On success addr becomes the current server with the working
// directory at the root. On failure the session is left as it was.
func (s *Session) Connect(ctx context.Context, addr string) error {
	if s.opts.Dial == nil {
		return errors.New("no dialer configured")
	}
	r := s.opts.Dial(addr)
	if err := r.Ping(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	if _, err := r.List(ctx, vpath.Root); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	probe, err := r.Probe(ctx)
	if errors.Is(err, client.ErrNotLanshare) {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	s.remote, s.server, s.cwd = r, addr, vpath.Root
	name := ""
	if probe != nil {
		name = probe.Name
		if !probe.UploadEnabled {
			fmt.Fprintln(s.opts.Out, "  (uploads are disabled on this server)")
		}
	}
	if name != "" {
		fmt.Fprintf(s.opts.Out, "  Connected to %s (%s)\n", addr, name)
	} else {
		fmt.Fprintf(s.opts.Out, "  Connected to %s\n", addr)
	}
	logging.Debug("session connected", logging.String("server", addr))
	return nil
}

func (s *Session) disconnect() {
	s.remote, s.server, s.cwd = nil, "", vpath.Root
}

// Execute runs one command. It reports whether the session should end.
func (s *Session) Execute(ctx context.Context, cmd Command) (bool, error) {
	switch c := cmd.(type) {
	case Empty:
		return false, nil
	case Quit:
		s.disconnect()
		return true, nil
	case Help:
		fmt.Fprintln(s.opts.Out, helpText)
		return false, nil
	case Unknown:
		if c.Hint != "" {
			return false, errors.New(c.Hint)
		}
		return false, fmt.Errorf("unknown command %q (type help)", c.Raw)
	case Scan:
		return false, s.scan(ctx)
	case Connect:
		return false, s.Connect(ctx, s.pick(c.Addr))
	}

	if s.remote == nil {
		return false, ErrNotConnected
	}

	var err error
	switch c := cmd.(type) {
	case Pwd:
		fmt.Fprintln(s.opts.Out, s.cwd)
	case List:
		err = s.list(ctx)
	case ChangeDir:
		err = s.changeDir(ctx, c.Target)
	case Download:
		err = s.download(ctx, c.Name)
	case Upload:
		err = s.upload(ctx, c.Name)
	default:
		err = fmt.Errorf("unsupported command %T", cmd)
	}

	if errors.Is(err, client.ErrUnreachable) {
		logging.Warn("server unreachable", logging.String("server", s.server), logging.Err(err))
		s.disconnect()
		return true, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return false, err
}

// Run reads commands from the input until quit, end of input, a lost
// connection or ctx cancellation.
func (s *Session) Run(ctx context.Context) error {
	sc := bufio.NewScanner(s.opts.In)
	for {
		if err := ctx.Err(); err != nil {
			s.disconnect()
			return err
		}
		fmt.Fprint(s.opts.Out, s.prompt())
		if !sc.Scan() {
			fmt.Fprintln(s.opts.Out)
			s.disconnect()
			return sc.Err()
		}

		done, err := s.Execute(ctx, Parse(sc.Text()))
		if err != nil {
			fmt.Fprintf(s.opts.Out, "  Error: %s\n", describe(err))
			if errors.Is(err, ErrConnectionLost) {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

func (s *Session) prompt() string {
	if s.remote == nil {
		return "lanshare> "
	}
	return fmt.Sprintf("lanshare %s:%s> ", s.server, s.cwd)
}

// pick maps "2" to the second server of the last scan.
func (s *Session) pick(addr string) string {
	if n, err := strconv.Atoi(addr); err == nil && n >= 1 && n <= len(s.found) {
		return s.found[n-1].HostPort()
	}
	return addr
}

func (s *Session) scan(ctx context.Context) error {
	if s.opts.Scan == nil {
		return errors.New("discovery is not available")
	}
	fmt.Fprintln(s.opts.Out, "  Scanning local network...")
	found, err := s.opts.Scan(ctx)
	if err != nil {
		return err
	}
	s.found = found
	if len(found) == 0 {
		fmt.Fprintln(s.opts.Out, "  No servers found.")
		return nil
	}
	for i, srv := range found {
		fmt.Fprintf(s.opts.Out, "  %d) %s\n", i+1, srv)
	}
	fmt.Fprintln(s.opts.Out, "  Use: connect <number>")
	return nil
}

func (s *Session) list(ctx context.Context) error {
	lr, err := s.remote.List(ctx, s.cwd)
	if err != nil {
		return err
	}
	if len(lr.Entries) == 0 {
		fmt.Fprintln(s.opts.Out, "  (empty)")
		return nil
	}
	renderListing(s.opts.Out, lr.Entries)
	return nil
}

func renderListing(out io.Writer, entries []models.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		name, size := e.Name, transfer.FormatSize(e.Size)
		if e.IsDir() {
			name, size = name+"/", "-"
		}
		mtime := ""
		if !e.ModTime.IsZero() {
			mtime = e.ModTime.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", name, size, mtime)
	}
	w.Flush()
}

// changeDir moves the working directory. ".." at the root stays at the
// root. Any other target must exist as a directory on the server.
func (s *Session) changeDir(ctx context.Context, target string) error {
	if target == ".." {
		s.cwd = vpath.Parent(s.cwd)
		return nil
	}
	next, err := vpath.Join(s.cwd, target)
	if err != nil {
		return err
	}
	lr, err := s.remote.List(ctx, next)
	if err != nil {
		return err
	}
	s.cwd = lr.Path
	return nil
}

func (s *Session) download(ctx context.Context, name string) error {
	remote, err := vpath.Join(s.cwd, name)
	if err != nil {
		return err
	}
	if vpath.IsRoot(remote) {
		return fmt.Errorf("%q is not a file", name)
	}
	base := vpath.Base(remote)
	dest := filepath.Join(s.opts.DownloadDir, base)

	ctx, stop := s.opts.Interrupt(ctx)
	defer stop()

	bar := newProgress(s.opts.Out, base)
	start := time.Now()
	n, err := s.remote.Download(ctx, remote, dest, bar.Func())
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.opts.Out, "  Saved %s (%s) in %s\n", dest, transfer.FormatSize(n), time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Session) upload(ctx context.Context, local string) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", local)
	}

	ctx, stop := s.opts.Interrupt(ctx)
	defer stop()

	bar := newProgress(s.opts.Out, filepath.Base(local))
	start := time.Now()
	ur, err := s.remote.Upload(ctx, s.cwd, local, bar.Func())
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.opts.Out, "  Uploaded %s (%s) in %s\n", ur.Path, transfer.FormatSize(ur.Size), time.Since(start).Round(time.Millisecond))
	return nil
}

// describe turns an error into the line shown to the operator.
func describe(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, ErrConnectionLost):
		return err.Error()
	case errors.Is(err, transfer.ErrCancelled), errors.Is(err, context.Canceled):
		return "transfer cancelled"
	case errors.Is(err, client.ErrUploadDisabled):
		return client.ErrUploadDisabled.Error()
	case errors.Is(err, vpath.ErrTraversal):
		return "path is outside the shared folder"
	case errors.As(err, &apiErr):
		switch apiErr.Kind {
		case protocol.KindNotFound:
			return "no such file or directory"
		case protocol.KindNotDir:
			return "not a directory"
		case protocol.KindNotFile:
			return "not a file"
		case protocol.KindTraversal:
			return "path is outside the shared folder"
		}
		return apiErr.Error()
	}
	return err.Error()
}
