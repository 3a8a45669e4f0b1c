package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/config"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/dns"
)

const (
	sourceTimeout = 10 * time.Second
	maxBody       = 64 << 10
	userAgent     = "yk-ddns"
)

// DefaultSources are used when the configuration lists none.
var DefaultSources = []config.Source{
	{URL: "https://checkip.amazonaws.com"},
	{URL: "https://api.ipify.org"},
	{URL: "https://ipv4.icanhazip.com"},
	{URL: "https://4.ident.me"},
	{URL: "https://v4.tnedi.me"},
	{URL: "https://v4.ipv6-test.com/api/myip.php"},
	{URL: "https://myip.dnsomatic.com"},
	{URL: "https://ipinfo.io/ip"},
	{URL: "https://ipv4.nsupdate.info/myip"},
	{URL: "https://api.ipify.org?format=json", JSONKey: "ip"},
	{URL: "https://ipinfo.io/json", JSONKey: "ip"},
}

// Step transforms a response body on the way to an address string.
type Step func([]byte) ([]byte, error)

// Plaintext rejects bodies that are not valid UTF-8.
func Plaintext() Step {
	return func(b []byte) ([]byte, error) {
		if !utf8.Valid(b) {
			return nil, errors.New("response is not valid utf-8")
		}
		return b, nil
	}
}

// Strip removes a leading prefix and a trailing suffix when present.
func Strip(prefix, suffix string) Step {
	return func(b []byte) ([]byte, error) {
		s := strings.TrimSpace(string(b))
		s = strings.TrimPrefix(s, prefix)
		s = strings.TrimSuffix(s, suffix)
		return []byte(s), nil
	}
}

// JSONKey extracts a top-level field from a JSON object.
func JSONKey(key string) Step {
	return func(b []byte) ([]byte, error) {
		var obj map[string]any
		if err := json.Unmarshal(b, &obj); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		v, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("missing field %q", key)
		}
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
		return []byte(fmt.Sprint(v)), nil
	}
}

// StepsFor turns a configured source into its processing pipeline.
func StepsFor(s config.Source) []Step {
	steps := []Step{Plaintext()}
	if s.JSONKey != "" {
		steps = append(steps, JSONKey(s.JSONKey))
	}
	if s.StripPrefix != "" || s.StripSuffix != "" {
		steps = append(steps, Strip(s.StripPrefix, s.StripSuffix))
	}
	return steps
}

// HTTPSource fetches the address from an HTTP endpoint.
type HTTPSource struct {
	url    string
	steps  []Step
	client *retryablehttp.Client
}

// NewHTTPSource creates a source for one configured endpoint.
func NewHTTPSource(client *retryablehttp.Client, s config.Source) *HTTPSource {
	return &HTTPSource{url: s.URL, steps: StepsFor(s), client: client}
}

func (s *HTTPSource) Name() string { return s.url }

func (s *HTTPSource) Lookup(ctx context.Context) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return netip.Addr{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("read response: %w", err)
	}

	for _, step := range s.steps {
		if body, err = step(body); err != nil {
			return netip.Addr{}, err
		}
	}
	addr, err := dns.ParseIPv4(string(body))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address: %w", err)
	}
	return addr, nil
}

// newHTTPClient returns the shared client for all HTTP sources. A single
// quick retry covers connection resets; the resolver itself falls through
// to other sources for anything longer lived.
func newHTTPClient(log logr.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = sourceTimeout
	c.Logger = leveledLogger{log.WithName("http")}
	return c
}

// leveledLogger adapts logr to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log logr.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.V(1).Info(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.V(1).Info(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.V(2).Info(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.V(2).Info(msg, kv...) }
