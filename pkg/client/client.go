// Package client talks to a lanshare server over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fruitsalade/lanshare/pkg/protocol"
	"github.com/fruitsalade/lanshare/pkg/retry"
	"github.com/fruitsalade/lanshare/pkg/transfer"
)

var (
	// ErrUnreachable means the server could not be contacted, even after retries.
	ErrUnreachable = errors.New("server unreachable")

	// ErrUploadDisabled means the server does not accept uploads.
	ErrUploadDisabled = errors.New("uploads are disabled on this server")

	// ErrNotLanshare means something answered that is not a lanshare server.
	ErrNotLanshare = errors.New("not a lanshare server")
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return e.Message
}

// Is lets errors.Is(err, ErrUploadDisabled) match the server's refusal.
func (e *APIError) Is(target error) bool {
	return target == ErrUploadDisabled && e.Kind == protocol.KindUploadDisabled
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // applies to everything except transfer bodies
	RetryConfig retry.Config
}

// Client is a lanshare HTTP client. Idempotent requests are retried.
type Client struct {
	baseURL     string
	timeout     time.Duration
	httpClient  *http.Client
	retryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		retryConfig: cfg.RetryConfig,
	}
}

// BaseURL turns "host" or "host:port" into a server URL.
func BaseURL(addr string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(defaultPort))
	}
	return "http://" + addr
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.baseURL
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends a request built by newReq, retrying connection failures and 5xx.
func (c *Client) do(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	return retry.Value(ctx, c.retryConfig, func() (*http.Response, error) {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, retry.Retryable(fmt.Errorf("%w: %v", ErrUnreachable, err))
		}
		if err := checkResponse(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}
		return resp, nil
	})
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept-Encoding", "gzip")
		return req, nil
	})
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er); err == nil {
		apiErr.Kind = er.Kind
		apiErr.Message = er.Error
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusInsufficientStorage {
		return retry.Retryable(apiErr)
	}
	return apiErr
}

func decodeJSON(resp *http.Response, v any) error {
	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		defer gr.Close()
		r = gr
	}
	return json.NewDecoder(r).Decode(v)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout*time.Duration(max(c.retryConfig.MaxAttempts, 1)))
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.get(ctx, protocol.PathHealth, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Probe fetches the discovery document and checks the signature.
func (c *Client) Probe(ctx context.Context) (*protocol.ProbeResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.get(ctx, protocol.PathProbe, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.Header.Get(protocol.HeaderSignature) != protocol.Signature {
		return nil, ErrNotLanshare
	}
	var pr protocol.ProbeResponse
	if err := decodeJSON(resp, &pr); err != nil || pr.Service != protocol.Signature {
		return nil, ErrNotLanshare
	}
	return &pr, nil
}

// List returns the entries of the remote directory p.
func (c *Client) List(ctx context.Context, p string) (*protocol.ListResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.get(ctx, protocol.PathList, url.Values{"path": {p}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var lr protocol.ListResponse
	if err := decodeJSON(resp, &lr); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	return &lr, nil
}

// Download fetches remote file p into dest. The file appears at dest only
// once complete; an interrupted or cancelled download leaves nothing.
func (c *Client) Download(ctx context.Context, p, dest string, progress transfer.ProgressFunc) (int64, error) {
	resp, err := c.get(ctx, protocol.PathContent, url.Values{"path": {p}})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	size := resp.ContentLength
	if v := resp.Header.Get(protocol.HeaderSize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			size = n
		}
	}
	return transfer.ReceiveFile(ctx, dest, resp.Body, size, progress)
}

// Upload sends the local file at localPath into remote directory dir under
// its base name. Uploads are never retried.
func (c *Client) Upload(ctx context.Context, dir, localPath string, progress transfer.ProgressFunc) (*protocol.UploadResponse, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", localPath)
	}

	probe, err := c.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if !probe.UploadEnabled {
		return nil, ErrUploadDisabled
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := transfer.SendFile(ctx, pw, localPath, progress)
		pw.CloseWithError(err)
	}()

	query := url.Values{"dir": {dir}, "name": {filepath.Base(localPath)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(protocol.PathUpload, query), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		if ctx.Err() != nil {
			return nil, &transfer.Error{Kind: transfer.KindCancelled, Op: "upload", Err: ctx.Err()}
		}
		return nil, &transfer.Error{Kind: transfer.KindConnection, Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		var re retry.RetryableError
		if errors.As(err, &re) {
			return nil, re.Err
		}
		return nil, err
	}

	var ur protocol.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &ur, nil
}
