package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logrtesting "github.com/go-logr/logr/testing"

	"github.com/yuriy-kovalchuk/yk-ddns/internal/config"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/dns"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/dns/cloudflare"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/engine"
	"github.com/yuriy-kovalchuk/yk-ddns/internal/resolver"
)

const zoneID = "0123456789abcdef0123456789abcdef"

// fakeCloudflare is a minimal in-memory Cloudflare dns_records API.
type fakeCloudflare struct {
	mu       sync.Mutex
	records  map[string]cfRecord // name → record
	failures []int               // statuses returned before serving PATCH normally
	calls    []string
}

type cfRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
}

func newFakeCloudflare(records ...cfRecord) *fakeCloudflare {
	f := &fakeCloudflare{records: map[string]cfRecord{}}
	for _, r := range records {
		f.records[r.Name] = r
	}
	return f
}

func (f *fakeCloudflare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"success": false, "errors": []map[string]any{{"code": 10000, "message": "Authentication error"}}})
		return
	}

	prefix := "/zones/" + zoneID + "/dns_records"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == prefix:
		var result []cfRecord
		if rec, ok := f.records[r.URL.Query().Get("name")]; ok {
			result = append(result, rec)
		}
		writeJSON(w, map[string]any{"success": true, "errors": []any{}, "result": result})

	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, prefix+"/"):
		if len(f.failures) > 0 {
			status := f.failures[0]
			f.failures = f.failures[1:]
			w.WriteHeader(status)
			writeJSON(w, map[string]any{"success": false, "errors": []map[string]any{{"code": 971, "message": "Please wait and consider throttling your request speed"}}})
			return
		}
		id := strings.TrimPrefix(r.URL.Path, prefix+"/")
		var body cfRecord
		if err := readJSON(r, &body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for name, rec := range f.records {
			if rec.ID == id {
				rec.Content, rec.Proxied = body.Content, body.Proxied
				f.records[name] = rec
				writeJSON(w, map[string]any{"success": true, "errors": []any{}, "result": rec})
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"success": false, "errors": []map[string]any{{"code": 81044, "message": "Record does not exist."}}})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCloudflare) content(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[name].Content
}

func (f *fakeCloudflare) patches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, http.MethodPatch) {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// fakeIPService answers with the current public address in plain text.
type fakeIPService struct {
	mu sync.Mutex
	ip string
}

func (f *fakeIPService) set(ip string) {
	f.mu.Lock()
	f.ip = ip
	f.mu.Unlock()
}

func (f *fakeIPService) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintln(w, f.ip)
}

// manualNetwork lets the test inject network change events.
type manualNetwork chan struct{}

func (m manualNetwork) Run(context.Context) <-chan struct{} { return m }

// outcomes collects pass results.
type outcomes struct {
	mu       sync.Mutex
	results  []engine.PassResult
	backoffs int
}

func (o *outcomes) Transition(_, _ engine.State)  {}
func (o *outcomes) ChangeReceived(engine.Trigger) {}
func (o *outcomes) ConfigRejected(error)          {}

func (o *outcomes) BackoffScheduled(int, time.Duration, error) {
	o.mu.Lock()
	o.backoffs++
	o.mu.Unlock()
}

func (o *outcomes) backoffCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backoffs
}

func (o *outcomes) PassCompleted(r engine.PassResult) {
	o.mu.Lock()
	o.results = append(o.results, r)
	o.mu.Unlock()
}

func (o *outcomes) last() (engine.PassResult, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.results) == 0 {
		return engine.PassResult{}, 0
	}
	return o.results[len(o.results)-1], len(o.results)
}

func writeConfig(t *testing.T, path, record, ipURL string) {
	t.Helper()
	writeConfigWithToken(t, path, "test-token", record, ipURL)
}

func writeConfigWithToken(t *testing.T, path, token, record, ipURL string) {
	t.Helper()
	data := fmt.Sprintf(`
[account]
email = "ops@example.com"
api-token = %q

[zone]
id = %q
record = %q

[http]
timeout = "2s"
rate-limit = 0.0

[retry]
max-retries = 4
initial-delay = "10ms"
max-delay = "40ms"
jitter = 0.0

[refresh]
interval = "0s"
debounce = "30ms"

[resolver]
concurrent = 1
dns = false

[[resolver.sources]]
url = %q
`, token, zoneID, record, ipURL)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitForPass waits until the most recent pass satisfies match.
func waitForPass(t *testing.T, o *outcomes, what string, match func(engine.PassResult) bool) engine.PassResult {
	t.Helper()
	var res engine.PassResult
	waitFor(t, what, func() bool {
		var n int
		res, n = o.last()
		return n > 0 && match(res)
	})
	return res
}

func TestAgentLifecycle(t *testing.T) {
	cf := newFakeCloudflare(
		cfRecord{ID: "rec-home", Type: "A", Name: "home.example.com", Content: "198.51.100.1"},
		cfRecord{ID: "rec-office", Type: "A", Name: "office.example.com", Content: "198.51.100.1"},
	)
	api := httptest.NewServer(cf)
	defer api.Close()

	ipService := &fakeIPService{ip: "203.0.113.10"}
	ipServer := httptest.NewServer(ipService)
	defer ipServer.Close()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "home.example.com", ipServer.URL)

	log := logrtesting.NewTestLogger(t)
	store, err := config.NewStore(log.WithName("config"), path, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	network := make(manualNetwork)
	results := &outcomes{}
	eng := engine.New(log.WithName("engine"), engine.Options{
		Config: store,
		Resolver: resolver.NewDynamic(log.WithName("resolver"), func() config.Resolver {
			return store.Current().Resolver
		}),
		NewProvider: func(cfg *config.Config) (dns.Provider, error) {
			return cloudflare.New(log.WithName("cloudflare"), cloudflare.Options{
				BaseURL:  api.URL,
				Email:    cfg.Account.Email,
				APIToken: cfg.Account.APIToken,
				Timeout:  cfg.HTTP.Timeout.D(),
			})
		},
		Network:  network,
		Observer: engine.Observers{engine.LogObserver{Log: log}, results},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Watch(ctx)
	}()
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		if err := <-runDone; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	// Step 1: startup pass repairs the stale record.
	res := waitForPass(t, results, "startup update", func(r engine.PassResult) bool { return r.Outcome == engine.OutcomeUpdated })
	if !res.Authoritative || cf.content("home.example.com") != "203.0.113.10" {
		t.Errorf("step 1: expected authoritative update, got %+v", res)
	}

	// Step 2: a network change with a new public address.
	ipService.set("203.0.113.20")
	network <- struct{}{}
	waitForPass(t, results, "network update", func(r engine.PassResult) bool { return r.Address.String() == "203.0.113.20" })
	if got := cf.content("home.example.com"); got != "203.0.113.20" {
		t.Errorf("step 2: expected record 203.0.113.20, got %s", got)
	}

	// Step 3: a burst of events without an address change writes nothing.
	before := cf.patches()
	_, passes := results.last()
	for i := 0; i < 5; i++ {
		network <- struct{}{}
	}
	waitFor(t, "no-op pass", func() bool { _, n := results.last(); return n > passes })
	if res, _ = results.last(); res.Outcome != engine.OutcomeNoOp {
		t.Errorf("step 3: expected no-op, got %s", res.Outcome)
	}
	if got := cf.patches(); got != before {
		t.Errorf("step 3: expected no writes, got %d", got-before)
	}

	// Step 4: rate limiting is retried with backoff.
	cf.mu.Lock()
	cf.failures = []int{http.StatusTooManyRequests, http.StatusTooManyRequests}
	cf.mu.Unlock()
	ipService.set("203.0.113.30")
	network <- struct{}{}
	res = waitForPass(t, results, "update after rate limiting", func(r engine.PassResult) bool { return r.Address.String() == "203.0.113.30" })
	if res.Outcome != engine.OutcomeUpdated || res.Attempts != 3 {
		t.Errorf("step 4: expected update after 3 attempts, got %s after %d", res.Outcome, res.Attempts)
	}

	// Step 5: retargeting the config to another record takes effect without a restart.
	writeConfig(t, path, "office.example.com", ipServer.URL)
	res = waitForPass(t, results, "retargeted update", func(r engine.PassResult) bool { return r.Identity == zoneID+"/office.example.com" })
	if res.Outcome != engine.OutcomeUpdated || !res.Authoritative {
		t.Errorf("step 5: unexpected result %+v", res)
	}
	if got := cf.content("office.example.com"); got != "203.0.113.30" {
		t.Errorf("step 5: expected office record 203.0.113.30, got %s", got)
	}

	// Step 6: an invalid edit is ignored and the agent keeps the last good config.
	if err := os.WriteFile(path, []byte("[zone]\nid = \"nope\"\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := store.Current().Zone.Record; got != "office.example.com" {
		t.Errorf("step 6: expected previous config to stay active, got record %q", got)
	}

	// Step 7: a well-formed but rejected token fails permanently without retries.
	before = cf.patches()
	writeConfigWithToken(t, path, "revoked-token", "office.example.com", ipServer.URL)
	res = waitForPass(t, results, "rejected credentials", func(r engine.PassResult) bool { return r.Outcome == engine.OutcomeFailedPermanent })
	if !dns.IsAuth(res.Err) {
		t.Errorf("step 7: expected auth error, got %v", res.Err)
	}
	_, passes = results.last()
	network <- struct{}{}
	waitFor(t, "pass after rejection", func() bool { _, n := results.last(); return n > passes })
	if res, _ = results.last(); res.Outcome != engine.OutcomeFailedPermanent || !dns.IsAuth(res.Err) {
		t.Errorf("step 7: expected the next pass to fail authentication again, got %s (%v)", res.Outcome, res.Err)
	}
	if got := cf.patches(); got != before {
		t.Errorf("step 7: expected no writes, got %d", got-before)
	}
	if n := results.backoffCount(); n != 2 {
		t.Errorf("step 7: expected only the two step 4 backoffs, got %d", n)
	}
	if cur := store.Current(); cur.Zone.ID != zoneID || cur.Zone.Record != "office.example.com" {
		t.Errorf("step 7: expected zone/record to stay %s/office.example.com, got %s", zoneID, cur.Identity())
	}
}

func TestAgentPermanentFailure(t *testing.T) {
	cf := newFakeCloudflare(cfRecord{ID: "rec-home", Type: "A", Name: "home.example.com", Content: "198.51.100.1"})
	api := httptest.NewServer(cf)
	defer api.Close()
	ipServer := httptest.NewServer(&fakeIPService{ip: "203.0.113.10"})
	defer ipServer.Close()

	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigWithToken(t, path, "revoked-token", "home.example.com", ipServer.URL)
	store, err := config.NewStore(logrtesting.NewTestLogger(t), path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	eng := engine.New(logrtesting.NewTestLogger(t), engine.Options{
		Config:   store,
		Resolver: resolver.New(logrtesting.NewTestLogger(t), store.Current().Resolver),
		NewProvider: func(cfg *config.Config) (dns.Provider, error) {
			return cloudflare.New(logrtesting.NewTestLogger(t), cloudflare.Options{
				BaseURL:  api.URL,
				Email:    cfg.Account.Email,
				APIToken: cfg.Account.APIToken,
				Timeout:  cfg.HTTP.Timeout.D(),
			})
		},
	})

	res := eng.RunOnce(context.Background())
	if res.Outcome != engine.OutcomeFailedPermanent {
		t.Fatalf("expected failed-permanent, got %s", res.Outcome)
	}
	if !dns.IsAuth(res.Err) {
		t.Errorf("expected auth error, got %v", res.Err)
	}
	if got := cf.patches(); got != 0 {
		t.Errorf("expected no writes, got %d", got)
	}
}
