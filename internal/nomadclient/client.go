// Package nomadclient provides typed HTTP access to the scheduler: namespace
// scoped GETs, job submission, job stop/purge, and the two long-lived byte
// streams (event stream, task log follow) the rest of the observer
// multiplexes. The client construction follows the functional-options shape
// of gravitational-gravity/lib/httplib.NewClient; typed request/response
// plumbing is layered on github.com/gravitational/roundtrip, the teacher's
// own REST client helper.
package nomadclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField(trace.Component, "nomadclient")

// DefaultNamespace is used when the caller does not configure one, mirroring
// the scheduler CLI's own default.
const DefaultNamespace = "default"

// Config configures a Client.
type Config struct {
	// Address is the scheduler's base URL, e.g. "http://127.0.0.1:4646".
	Address string
	// Namespace scopes every request. "*" is rewritten to DefaultNamespace,
	// matching the scheduler CLI's NOMAD_NAMESPACE handling.
	Namespace string
	// Token is sent as an X-Nomad-Token header when non-empty (restored
	// from the original source; dropped by the distillation).
	Token string
	// Region is sent as a "region" query parameter when non-empty (restored
	// from the original source; dropped by the distillation).
	Region string
	// Timeout bounds non-streaming requests. Zero disables the timeout.
	Timeout time.Duration
	// TLSClientConfig overrides the default TLS configuration, e.g. for
	// mTLS against the scheduler.
	TLSClientConfig *tls.Config
}

func (c *Config) namespace() string {
	switch c.Namespace {
	case "":
		return DefaultNamespace
	case "*":
		return DefaultNamespace
	default:
		return c.Namespace
	}
}

// Client is a scheduler HTTP client. One Client is safe to share across the
// many concurrent followers (event stream, per-task log streams) started by
// the observer: each follow opens its own *http.Response, and the
// underlying http.Client pools connections.
type Client struct {
	cfg    Config
	rt     *roundtrip.Client
	stream *http.Client
}

// New builds a Client against the given scheduler address.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, trace.BadParameter("nomadclient: Address is required")
	}
	transport := &http.Transport{
		TLSClientConfig:     cfg.TLSClientConfig,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	var rtTransport http.RoundTripper = transport
	if cfg.Token != "" {
		rtTransport = &tokenTransport{base: transport, token: cfg.Token}
	}
	httpClient := &http.Client{Transport: rtTransport, Timeout: cfg.Timeout}
	// Streaming requests must not be subject to the same overall timeout as
	// ordinary GETs -- they are meant to run indefinitely until Stop().
	streamClient := &http.Client{Transport: rtTransport}

	rt, err := roundtrip.NewClient(cfg.Address, "v1", roundtrip.HTTPClient(httpClient))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg, rt: rt, stream: streamClient}, nil
}

// tokenTransport attaches the scheduler ACL token to every request issued
// through it, the way the teacher's opsclient.BearerAuth threads a token
// into its roundtrip.Client -- here as a plain transport wrapper since the
// scheduler expects a bespoke X-Nomad-Token header rather than Authorization.
type tokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-Nomad-Token", t.token)
	return t.base.RoundTrip(req)
}

func (c *Client) values(extra url.Values) url.Values {
	v := url.Values{}
	for k, vs := range extra {
		v[k] = vs
	}
	v.Set("namespace", c.cfg.namespace())
	if c.cfg.Region != "" {
		v.Set("region", c.cfg.Region)
	}
	return v
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("X-Nomad-Token", c.cfg.Token)
	}
	return h
}

// get issues a namespace-scoped GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, extra url.Values, out interface{}) error {
	re, err := c.rt.Get(ctx, c.rt.Endpoint(path), c.values(extra))
	if err != nil {
		return convertError(err)
	}
	if out == nil {
		return nil
	}
	if err := decodeInto(re.Bytes(), out); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func convertError(err error) error {
	if err == nil {
		return nil
	}
	if re, ok := err.(*roundtrip.ErrorResponse); ok {
		switch re.Code() {
		case http.StatusNotFound:
			return trace.NotFound(re.Error())
		case http.StatusForbidden:
			return trace.AccessDenied(re.Error())
		case http.StatusUnauthorized:
			return trace.AccessDenied(re.Error())
		}
	}
	return trace.Wrap(err)
}

// GetAddr returns the configured scheduler address, for diagnostics.
func (c *Client) GetAddr() string { return c.cfg.Address }

// GetNamespace returns the effective namespace this client is scoped to.
func (c *Client) GetNamespace() string { return c.cfg.namespace() }

// streamURL builds the URL for a streaming endpoint, applying namespace and
// region scoping the same way typed GETs do.
func (c *Client) streamURL(path string, extra url.Values) string {
	u := c.values(extra)
	return fmt.Sprintf("%s/v1/%s?%s", c.cfg.Address, path, u.Encode())
}

func (c *Client) streamRequest(ctx context.Context, path string, extra url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(path, extra), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header = c.headers()
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to %s", path)
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, trace.AccessDenied("permission denied on %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, trace.Wrap(readError(resp))
	}
	return resp, nil
}

func readError(resp *http.Response) error {
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(buf[:n]))
}
