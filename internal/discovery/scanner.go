package discovery

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/metrics"
	"github.com/fruitsalade/lanshare/pkg/protocol"
)

// Scan defaults.
const (
	DefaultProbeTimeout = 800 * time.Millisecond
	DefaultDeadline     = 5 * time.Second
	DefaultMaxInFlight  = 64
)

// Server is a lanshare peer found on the network.
type Server struct {
	Addr          netip.Addr
	Port          int
	Verified      bool
	Name          string
	Version       string
	UploadEnabled bool
}

// HostPort returns the address in host:port form.
func (s Server) HostPort() string {
	return netip.AddrPortFrom(s.Addr, uint16(s.Port)).String()
}

func (s Server) String() string {
	if s.Name == "" {
		return s.HostPort()
	}
	return s.HostPort() + " (" + s.Name + ")"
}

// Scanner probes every candidate address of a subnet with bounded
// concurrency and an overall deadline.
type Scanner struct {
	Port         int
	ProbeTimeout time.Duration
	Deadline     time.Duration
	MaxInFlight  int
	Prober       Prober
}

// NewScanner returns a scanner with default limits and an HTTP prober.
func NewScanner(port int) *Scanner {
	return &Scanner{
		Port:         port,
		ProbeTimeout: DefaultProbeTimeout,
		Deadline:     DefaultDeadline,
		MaxInFlight:  DefaultMaxInFlight,
		Prober:       NewHTTPProber(DefaultProbeTimeout),
	}
}

// Scan probes the subnet of local and returns verified servers sorted by
// address. It returns once every probe has finished or the deadline has
// passed, whichever comes first; results arriving later are dropped.
// Finding no servers is not an error.
func (s *Scanner) Scan(ctx context.Context, local netip.Prefix) ([]Server, error) {
	s.applyDefaults()

	ctx, cancel := context.WithTimeout(ctx, s.Deadline)
	defer cancel()

	pool, err := ants.NewPool(s.MaxInFlight)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	found := newResults()
	var wg sync.WaitGroup
	var submitted int

	for addr := range Candidates(local) {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			s.probe(ctx, addr, found)
		})
		if err != nil {
			wg.Done()
			logging.Debug("probe not submitted", logging.String("addr", addr.String()), logging.Err(err))
			break
		}
		submitted++
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	servers := found.close()
	slices.SortFunc(servers, func(a, b Server) int {
		return a.Addr.Compare(b.Addr)
	})

	logging.Debug("scan finished",
		logging.String("subnet", local.String()),
		logging.Int("probed", submitted),
		logging.Int("found", len(servers)))
	return servers, nil
}

func (s *Scanner) probe(ctx context.Context, addr netip.Addr, found *results) {
	if ctx.Err() != nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.ProbeTimeout)
	defer cancel()

	resp, err := s.Prober.Probe(pctx, netip.AddrPortFrom(addr, uint16(s.Port)))
	metrics.RecordProbe(err == nil)
	if err != nil || ctx.Err() != nil {
		return
	}
	found.store(addr, fromProbe(addr, s.Port, resp))
}

// results collects verified servers until the scan takes its snapshot.
// Probes store concurrently under the read lock; close takes the write
// lock, so nothing lands after the snapshot.
type results struct {
	mu     sync.RWMutex
	closed bool
	found  *xsync.Map[netip.Addr, Server]
}

func newResults() *results {
	return &results{found: xsync.NewMap[netip.Addr, Server]()}
}

func (r *results) store(addr netip.Addr, srv Server) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.found.Store(addr, srv)
	return true
}

// close stops further stores and returns what was collected.
func (r *results) close() []Server {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	servers := make([]Server, 0, r.found.Size())
	r.found.Range(func(_ netip.Addr, srv Server) bool {
		servers = append(servers, srv)
		return true
	})
	return servers
}

func fromProbe(addr netip.Addr, port int, resp *protocol.ProbeResponse) Server {
	srv := Server{Addr: addr, Port: port, Verified: true}
	if resp != nil {
		srv.Name = resp.Name
		srv.Version = resp.Version
		srv.UploadEnabled = resp.UploadEnabled
	}
	return srv
}

func (s *Scanner) applyDefaults() {
	if s.Port == 0 {
		s.Port = protocol.DefaultPort
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = DefaultProbeTimeout
	}
	if s.Deadline <= 0 {
		s.Deadline = DefaultDeadline
	}
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = DefaultMaxInFlight
	}
	if s.Prober == nil {
		s.Prober = NewHTTPProber(s.ProbeTimeout)
	}
}
