package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/fruitsalade/lanshare/pkg/protocol"
)

// Prober checks whether a lanshare server answers at addr. A nil error
// means the peer is genuine; any error is simply a non-match.
type Prober interface {
	Probe(ctx context.Context, addr netip.AddrPort) (*protocol.ProbeResponse, error)
}

var errNotLanshare = errors.New("signature mismatch")

// HTTPProber probes the well-known discovery endpoint.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober whose TCP connect gives up after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	dialer := &net.Dialer{Timeout: timeout}
	return &HTTPProber{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				DisableKeepAlives:     true,
				ResponseHeaderTimeout: timeout,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, addr netip.AddrPort) (*protocol.ProbeResponse, error) {
	url := fmt.Sprintf("http://%s%s", addr, protocol.PathProbe)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Header.Get(protocol.HeaderSignature) != protocol.Signature {
		return nil, errNotLanshare
	}

	var pr protocol.ProbeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&pr); err != nil {
		return nil, errNotLanshare
	}
	if pr.Service != protocol.Signature {
		return nil, errNotLanshare
	}
	return &pr, nil
}
