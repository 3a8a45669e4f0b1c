package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/dns"
)

// DefaultBaseURL is the Cloudflare API v4 endpoint.
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

const maxBodySize = 1 << 20

// Cloudflare error codes that mean the credentials were rejected.
var authCodes = map[int]bool{
	6003:  true, // invalid request headers
	9103:  true, // unknown X-Auth-Key or X-Auth-Email
	9106:  true, // missing X-Auth-Key / X-Auth-Email
	9109:  true, // invalid access token
	10000: true, // authentication error
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Email          string
	APIToken       string // sent as a Bearer token
	AuthKey        string // global API key, sent with X-Auth-Email
	Timeout        time.Duration
	MaxIdlePerHost int
	RateLimit      float64 // requests per second, 0 disables limiting
}

// Client implements dns.Provider for the Cloudflare API v4.
type Client struct {
	baseURL  string
	email    string
	apiToken string
	authKey  string
	client   *http.Client
	limiter  *rate.Limiter
	log      logr.Logger

	mu  sync.Mutex
	ids map[string]string // zone/name → record id
}

var _ dns.Provider = (*Client)(nil)

// New creates a Cloudflare client. Exactly one of APIToken and AuthKey is
// required; AuthKey also needs Email.
func New(log logr.Logger, opts Options) (*Client, error) {
	switch {
	case opts.APIToken == "" && opts.AuthKey == "":
		return nil, fmt.Errorf("cloudflare: missing required setting 'api-token'")
	case opts.APIToken != "" && opts.AuthKey != "":
		return nil, fmt.Errorf("cloudflare: api-token and auth-key conflict")
	case opts.AuthKey != "" && opts.Email == "":
		return nil, fmt.Errorf("cloudflare: missing required setting 'email' for auth-key")
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("cloudflare: invalid base url %q: %w", baseURL, err)
	}

	transport := cleanhttp.DefaultPooledTransport()
	if opts.MaxIdlePerHost > 0 {
		transport.MaxIdleConnsPerHost = opts.MaxIdlePerHost
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    opts.Email,
		apiToken: opts.APIToken,
		authKey:  opts.AuthKey,
		client:   &http.Client{Transport: transport, Timeout: opts.Timeout},
		limiter:  limiter,
		log:      log,
		ids:      make(map[string]string),
	}, nil
}

// envelope is the response wrapper shared by every v4 endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// dnsRecord is a single row of the dns_records endpoints.
type dnsRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

type patchBody struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
}

// doRequest performs one API call and classifies the outcome. It returns
// the decoded envelope only for successful calls.
func (c *Client) doRequest(ctx context.Context, op, method, path string, query url.Values, body any) (*envelope, error) {
	fail := func(kind dns.Kind, status int, err error) error {
		return &dns.Error{Kind: kind, Op: op, StatusCode: status, Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fail(dns.KindTransient, 0, fmt.Errorf("cloudflare: rate limiter: %w", err))
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fail(dns.KindPermanent, 0, fmt.Errorf("cloudflare: marshal request body: %w", err))
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fail(dns.KindPermanent, 0, fmt.Errorf("cloudflare: build request: %w", err))
	}

	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	} else {
		req.Header.Set("X-Auth-Key", c.authKey)
	}
	if c.email != "" {
		req.Header.Set("X-Auth-Email", c.email)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, refused connections and cancellations are all worth
		// another attempt later.
		return nil, fail(dns.KindTransient, 0, fmt.Errorf("cloudflare: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fail(dns.KindTransient, resp.StatusCode, fmt.Errorf("cloudflare: read response: %w", err))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	c.log.V(1).Info("api call", "method", method, "path", path, "status", resp.StatusCode, "success", env.Success)

	if kind, failed := classify(resp.StatusCode, env, decodeErr); failed {
		return nil, fail(kind, resp.StatusCode, responseError(method, path, resp.StatusCode, env, raw, decodeErr))
	}
	return &env, nil
}

// classify maps an HTTP status and API envelope to a failure kind. The
// second result is false when the call succeeded.
func classify(status int, env envelope, decodeErr error) (dns.Kind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return dns.KindAuth, true
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return dns.KindTransient, true
	case status == http.StatusNotFound:
		return dns.KindPermanent, true
	}

	for _, e := range env.Errors {
		if authCodes[e.Code] {
			return dns.KindAuth, true
		}
	}
	if status >= 400 {
		return dns.KindPermanent, true
	}
	if decodeErr != nil {
		// A 2xx with a body we cannot read is most likely a proxy in the way.
		return dns.KindTransient, true
	}
	if !env.Success {
		// Bad zone or record identifiers (codes 1001, 7003, 81044) land here.
		return dns.KindPermanent, true
	}
	return 0, false
}

func responseError(method, path string, status int, env envelope, raw []byte, decodeErr error) error {
	if len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		return fmt.Errorf("cloudflare: %s %s returned status %d: %s", method, path, status, strings.Join(msgs, "; "))
	}
	if decodeErr != nil {
		return fmt.Errorf("cloudflare: %s %s returned status %d: %s", method, path, status, strings.TrimSpace(string(raw)))
	}
	return fmt.Errorf("cloudflare: %s %s returned status %d", method, path, status)
}

func recordsPath(zoneID string) string {
	return "zones/" + url.PathEscape(zoneID) + "/dns_records"
}

func cacheKey(zoneID, name string) string {
	return zoneID + "/" + strings.ToLower(name)
}

// listRecords returns the A records in zoneID whose name is name.
func (c *Client) listRecords(ctx context.Context, op, zoneID, name string) ([]dnsRecord, error) {
	query := url.Values{}
	query.Set("type", "A")
	query.Set("name", name)

	env, err := c.doRequest(ctx, op, http.MethodGet, recordsPath(zoneID), query, nil)
	if err != nil {
		return nil, err
	}

	var records []dnsRecord
	if err := json.Unmarshal(env.Result, &records); err != nil {
		return nil, &dns.Error{Kind: dns.KindTransient, Op: op, Err: fmt.Errorf("cloudflare: decode dns_records response: %w", err)}
	}
	return records, nil
}

// ReadRecord fetches the A record called name. It expects exactly one match.
func (c *Client) ReadRecord(ctx context.Context, zoneID, name string) (dns.Record, error) {
	c.log.V(1).Info("reading record", "zone", zoneID, "name", name)

	records, err := c.listRecords(ctx, "read", zoneID, name)
	if err != nil {
		return dns.Record{}, err
	}

	switch len(records) {
	case 0:
		c.forget(zoneID, name)
		return dns.Record{}, &dns.Error{Kind: dns.KindNotFound, Op: "read",
			Err: fmt.Errorf("cloudflare: no A record named %s in zone %s", name, zoneID)}
	case 1:
	default:
		return dns.Record{}, &dns.Error{Kind: dns.KindPermanent, Op: "read",
			Err: fmt.Errorf("cloudflare: found %d A records named %s, expected exactly one", len(records), name)}
	}

	rec := records[0]
	if !dns.SameName(rec.Name, name) {
		return dns.Record{}, &dns.Error{Kind: dns.KindPermanent, Op: "read",
			Err: fmt.Errorf("cloudflare: lookup for %s returned record %s", name, rec.Name)}
	}
	addr, err := dns.ParseIPv4(rec.Content)
	if err != nil {
		return dns.Record{}, &dns.Error{Kind: dns.KindPermanent, Op: "read",
			Err: fmt.Errorf("cloudflare: record %s has invalid content %q: %w", name, rec.Content, err)}
	}

	c.remember(zoneID, name, rec.ID)
	return dns.Record{
		ID:      rec.ID,
		ZoneID:  zoneID,
		Name:    rec.Name,
		Type:    rec.Type,
		Content: addr,
		Proxied: rec.Proxied,
	}, nil
}

// UpdateRecord points the A record called name at addr.
func (c *Client) UpdateRecord(ctx context.Context, zoneID, name string, addr netip.Addr, proxied bool) error {
	if !addr.Is4() {
		return &dns.Error{Kind: dns.KindPermanent, Op: "update", Err: fmt.Errorf("cloudflare: %s is not an IPv4 address", addr)}
	}

	id, ok := c.cachedID(zoneID, name)
	if !ok {
		rec, err := c.ReadRecord(ctx, zoneID, name)
		if err != nil {
			return err
		}
		id = rec.ID
	}

	c.log.Info("updating record", "zone", zoneID, "name", name, "content", addr.String(), "proxied", proxied)

	body := patchBody{Type: "A", Name: name, Content: addr.String(), Proxied: proxied}
	env, err := c.doRequest(ctx, "update", http.MethodPatch, recordsPath(zoneID)+"/"+url.PathEscape(id), nil, body)
	if err != nil {
		var derr *dns.Error
		if errors.As(err, &derr) && (derr.StatusCode == http.StatusNotFound || derr.Kind == dns.KindPermanent) {
			c.forget(zoneID, name)
		}
		return err
	}

	var updated dnsRecord
	if err := json.Unmarshal(env.Result, &updated); err == nil && updated.Content != "" && updated.Content != addr.String() {
		return &dns.Error{Kind: dns.KindTransient, Op: "update",
			Err: fmt.Errorf("cloudflare: record %s still reports content %s after update", name, updated.Content)}
	}

	c.log.Info("record updated", "name", name, "id", id)
	return nil
}

func (c *Client) cachedID(zoneID, name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[cacheKey(zoneID, name)]
	return id, ok
}

func (c *Client) remember(zoneID, name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[cacheKey(zoneID, name)] = id
}

func (c *Client) forget(zoneID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, cacheKey(zoneID, name))
}
