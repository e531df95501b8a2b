package session

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/lanshare/internal/discovery"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/pkg/client"
	"github.com/fruitsalade/lanshare/pkg/models"
	"github.com/fruitsalade/lanshare/pkg/protocol"
	"github.com/fruitsalade/lanshare/pkg/transfer"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

// fakeRemote serves a fixed tree: directories map to their entries and
// files map to their content.
type fakeRemote struct {
	dirs      map[string][]models.Entry
	files     map[string]string
	upload    bool
	down      bool
	impostor  bool
	pings     int
	listCalls []string
	uploaded  map[string]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		dirs: map[string][]models.Entry{
			"/": {
				{Name: "docs", Kind: models.KindDir},
				{Name: "hello.txt", Kind: models.KindFile, Size: 5},
			},
			"/docs":     {{Name: "readme.md", Kind: models.KindFile, Size: 11}},
			"/docs/sub": {},
		},
		files: map[string]string{
			"/hello.txt":      "hello",
			"/docs/readme.md": "read me now",
		},
		upload:   true,
		uploaded: map[string]string{},
	}
}

func (f *fakeRemote) unreachable() error {
	return fmt.Errorf("%w: dial tcp: connection refused", client.ErrUnreachable)
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.pings++
	if f.down {
		return f.unreachable()
	}
	return nil
}

func (f *fakeRemote) Probe(ctx context.Context) (*protocol.ProbeResponse, error) {
	if f.down {
		return nil, f.unreachable()
	}
	if f.impostor {
		return nil, client.ErrNotLanshare
	}
	return &protocol.ProbeResponse{Service: protocol.Signature, Name: "fake", UploadEnabled: f.upload}, nil
}

func (f *fakeRemote) List(ctx context.Context, p string) (*protocol.ListResponse, error) {
	f.listCalls = append(f.listCalls, p)
	if f.down {
		return nil, f.unreachable()
	}
	entries, ok := f.dirs[p]
	if !ok {
		if _, isFile := f.files[p]; isFile {
			return nil, &client.APIError{StatusCode: http.StatusNotFound, Kind: protocol.KindNotDir}
		}
		return nil, &client.APIError{StatusCode: http.StatusNotFound, Kind: protocol.KindNotFound}
	}
	return &protocol.ListResponse{Path: p, Entries: entries}, nil
}

func (f *fakeRemote) Download(ctx context.Context, p, dest string, progress transfer.ProgressFunc) (int64, error) {
	if f.down {
		return 0, f.unreachable()
	}
	body, ok := f.files[p]
	if !ok {
		return 0, &client.APIError{StatusCode: http.StatusNotFound, Kind: protocol.KindNotFound}
	}
	return transfer.ReceiveFile(ctx, dest, strings.NewReader(body), int64(len(body)), progress)
}

func (f *fakeRemote) Upload(ctx context.Context, dir, localPath string, progress transfer.ProgressFunc) (*protocol.UploadResponse, error) {
	if !f.upload {
		return nil, client.ErrUploadDisabled
	}
	var buf bytes.Buffer
	n, err := transfer.SendFile(ctx, &buf, localPath, progress)
	if err != nil {
		return nil, err
	}
	p := strings.TrimSuffix(dir, "/") + "/" + filepath.Base(localPath)
	f.uploaded[p] = buf.String()
	return &protocol.UploadResponse{Path: p, Size: n}, nil
}

func newTestSession(t *testing.T, remote *fakeRemote, input string) (*Session, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	s := New(Options{
		DownloadDir: t.TempDir(),
		Dial:        func(string) Remote { return remote },
		In:          strings.NewReader(input),
		Out:         &out,
		Interrupt: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithCancel(ctx)
		},
	})
	return s, &out
}

func connected(t *testing.T, remote *fakeRemote) (*Session, *bytes.Buffer) {
	t.Helper()
	s, out := newTestSession(t, remote, "")
	require.NoError(t, s.Connect(context.Background(), "10.0.0.5:8000"))
	return s, out
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"", Empty{}},
		{"   ", Empty{}},
		{"ls", List{}},
		{"DIR", List{}},
		{"cd docs", ChangeDir{Target: "docs"}},
		{"cd", ChangeDir{Target: "/"}},
		{"cd ..", ChangeDir{Target: ".."}},
		{`cd "my docs"`, ChangeDir{Target: "my docs"}},
		{"get my file.txt", Download{Name: "my file.txt"}},
		{"download a.txt", Download{Name: "a.txt"}},
		{`put "/tmp/x y.bin"`, Upload{Name: "/tmp/x y.bin"}},
		{"pwd", Pwd{}},
		{"?", Help{}},
		{"q", Quit{}},
		{"exit", Quit{}},
		{"connect 2", Connect{Addr: "2"}},
		{"scan", Scan{}},
		{"frobnicate", Unknown{Raw: "frobnicate"}},
		{"get", Unknown{Raw: "get", Hint: "usage: download <name>"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.line))
		})
	}
}

func TestConnect(t *testing.T) {
	s, out := connected(t, newFakeRemote())

	st := s.State()
	assert.Equal(t, Connected, st.Status)
	assert.Equal(t, "10.0.0.5:8000", st.Server)
	assert.Equal(t, "/", st.Cwd)
	assert.Contains(t, out.String(), "Connected to 10.0.0.5:8000 (fake)")
}

func TestConnectFailureStaysDisconnected(t *testing.T) {
	remote := newFakeRemote()
	remote.down = true
	s, _ := newTestSession(t, remote, "")

	err := s.Connect(context.Background(), "10.0.0.9")
	require.ErrorIs(t, err, client.ErrUnreachable)
	assert.Equal(t, Disconnected, s.State().Status)
	assert.Equal(t, 1, remote.pings)
	assert.Empty(t, remote.listCalls, "an unreachable server is not asked for a listing")
}

func TestConnectRejectsImpostor(t *testing.T) {
	remote := newFakeRemote()
	remote.impostor = true
	s, _ := newTestSession(t, remote, "")

	err := s.Connect(context.Background(), "10.0.0.7")
	require.ErrorIs(t, err, client.ErrNotLanshare)
	assert.Equal(t, Disconnected, s.State().Status)
}

func TestRemoteCommandsNeedConnection(t *testing.T) {
	s, _ := newTestSession(t, newFakeRemote(), "")
	for _, cmd := range []Command{List{}, Pwd{}, ChangeDir{Target: "docs"}, Download{Name: "a"}} {
		_, err := s.Execute(context.Background(), cmd)
		assert.ErrorIs(t, err, ErrNotConnected)
	}
}

func TestChangeDir(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s, _ := connected(t, remote)

	_, err := s.Execute(ctx, ChangeDir{Target: ".."})
	require.NoError(t, err)
	assert.Equal(t, "/", s.State().Cwd, "cd .. at root stays at root")

	_, err = s.Execute(ctx, ChangeDir{Target: "docs"})
	require.NoError(t, err)
	assert.Equal(t, "/docs", s.State().Cwd)

	_, err = s.Execute(ctx, ChangeDir{Target: "sub"})
	require.NoError(t, err)
	assert.Equal(t, "/docs/sub", s.State().Cwd)

	_, err = s.Execute(ctx, ChangeDir{Target: ".."})
	require.NoError(t, err)
	assert.Equal(t, "/docs", s.State().Cwd)

	_, err = s.Execute(ctx, ChangeDir{Target: "/"})
	require.NoError(t, err)
	assert.Equal(t, "/", s.State().Cwd)
}

func TestChangeDirFailureKeepsCwd(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s, _ := connected(t, remote)
	_, err := s.Execute(ctx, ChangeDir{Target: "docs"})
	require.NoError(t, err)

	_, err = s.Execute(ctx, ChangeDir{Target: "missing"})
	require.Error(t, err)
	assert.Equal(t, "no such file or directory", describe(err))
	assert.Equal(t, "/docs", s.State().Cwd)

	_, err = s.Execute(ctx, ChangeDir{Target: "readme.md"})
	require.Error(t, err)
	assert.Equal(t, "not a directory", describe(err))
	assert.Equal(t, "/docs", s.State().Cwd)

	calls := len(remote.listCalls)
	_, err = s.Execute(ctx, ChangeDir{Target: "../../etc"})
	require.Error(t, err)
	assert.Equal(t, "path is outside the shared folder", describe(err))
	assert.Len(t, remote.listCalls, calls, "traversal is rejected before asking the server")
	assert.Equal(t, "/docs", s.State().Cwd)
}

func TestListRendering(t *testing.T) {
	s, out := connected(t, newFakeRemote())
	out.Reset()

	_, err := s.Execute(context.Background(), List{})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[0]), "docs/"))
	assert.Contains(t, lines[1], "hello.txt")
	assert.Contains(t, lines[1], "5 B")

	_, err = s.Execute(context.Background(), ChangeDir{Target: "/docs/sub"})
	require.NoError(t, err)
	out.Reset()
	_, err = s.Execute(context.Background(), List{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(empty)")
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	s, out := connected(t, newFakeRemote())
	_, err := s.Execute(ctx, ChangeDir{Target: "docs"})
	require.NoError(t, err)

	_, err = s.Execute(ctx, Download{Name: "readme.md"})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(s.State().DownloadDir, "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "read me now", string(got))
	assert.Contains(t, out.String(), "Saved")

	_, err = s.Execute(ctx, Download{Name: "nope.txt"})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(s.State().DownloadDir, "nope.txt"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = s.Execute(ctx, Download{Name: ".."})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a file")
}

func TestDownloadCancelled(t *testing.T) {
	s, _ := connected(t, newFakeRemote())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Execute(ctx, Download{Name: "hello.txt"})
	require.ErrorIs(t, err, transfer.ErrCancelled)
	assert.Equal(t, "transfer cancelled", describe(err))

	entries, err := os.ReadDir(s.State().DownloadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, Connected, s.State().Status, "a cancelled transfer keeps the session")
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s, _ := connected(t, remote)
	_, err := s.Execute(ctx, ChangeDir{Target: "docs"})
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("some notes"), 0o644))

	_, err = s.Execute(ctx, Upload{Name: local})
	require.NoError(t, err)
	assert.Equal(t, "some notes", remote.uploaded["/docs/notes.txt"])

	_, err = s.Execute(ctx, Upload{Name: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestUploadDisabled(t *testing.T) {
	remote := newFakeRemote()
	remote.upload = false
	local := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	s, out := newTestSession(t, remote, "connect host\nput "+local+"\npwd\nquit\n")
	require.NoError(t, s.Run(context.Background()))

	assert.Contains(t, out.String(), "uploads are disabled")
	assert.Contains(t, out.String(), "lanshare host:/> ")
	assert.Empty(t, remote.uploaded)
}

func TestRunScript(t *testing.T) {
	s, out := newTestSession(t, newFakeRemote(), "connect 10.0.0.5\nls\ncd docs\npwd\nbogus\nquit\n")
	require.NoError(t, s.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "docs/")
	assert.Contains(t, text, "/docs\n")
	assert.Contains(t, text, `unknown command "bogus"`)
	assert.Equal(t, Disconnected, s.State().Status)
}

func TestRunEndOfInput(t *testing.T) {
	s, _ := newTestSession(t, newFakeRemote(), "connect 10.0.0.5\nls\n")
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, Disconnected, s.State().Status)
}

func TestRunConnectionLost(t *testing.T) {
	remote := newFakeRemote()
	s, out := newTestSession(t, remote, "ls\npwd\n")
	require.NoError(t, s.Connect(context.Background(), "10.0.0.5"))
	remote.down = true

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, Disconnected, s.State().Status)
	assert.Contains(t, out.String(), "connection to server lost")
	assert.NotContains(t, out.String(), "not connected", "Run stops at the lost connection")
}

func TestScanAndConnectByNumber(t *testing.T) {
	remote := newFakeRemote()
	var dialed string
	var out bytes.Buffer
	s := New(Options{
		DownloadDir: t.TempDir(),
		Dial: func(addr string) Remote {
			dialed = addr
			return remote
		},
		Scan: func(ctx context.Context) ([]discovery.Server, error) {
			return []discovery.Server{
				{Addr: mustAddr("192.168.1.20"), Port: 8000, Verified: true, Name: "den"},
			}, nil
		},
		In:  strings.NewReader("scan\nconnect 1\nquit\n"),
		Out: &out,
	})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, "192.168.1.20:8000", dialed)
	assert.Contains(t, out.String(), "1) 192.168.1.20:8000 (den)")
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	s, _ := newTestSession(t, newFakeRemote(), "ls\nls\n")
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}

func mustAddr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}
