package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/kp-pos/shellcache/internal/cache"
	"github.com/kp-pos/shellcache/internal/logging"
)

const testScope = "https://pos.example.com/"

var errOffline = errors.New("dial tcp: connect: connection refused")

type stubResponse struct {
	status int
	body   string
	header http.Header
}

// stubOrigin 是可切换离线状态的内存 Fetcher。
type stubOrigin struct {
	mu      sync.Mutex
	offline bool
	routes  map[string]stubResponse
	calls   []string
}

func newStubOrigin() *stubOrigin {
	return &stubOrigin{routes: map[string]stubResponse{
		"/index.html":    {status: http.StatusOK, body: "<html>shell</html>", header: http.Header{"Content-Type": []string{"text/html"}}},
		"/manifest.json": {status: http.StatusOK, body: `{"name":"kp-pos"}`, header: http.Header{"Content-Type": []string{"application/json"}}},
	}}
}

func (s *stubOrigin) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Method+" "+req.URL.String())
	if s.offline {
		return nil, errOffline
	}
	route, ok := s.routes[req.URL.Path]
	if !ok {
		route = stubResponse{status: http.StatusNotFound, body: "not found"}
	}
	header := route.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: route.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(route.body)),
		Request:    req,
	}, nil
}

func (s *stubOrigin) set(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = stubResponse{status: status, body: body}
}

func (s *stubOrigin) setOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *stubOrigin) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestRuntime(t *testing.T, store cache.Storage, origin Fetcher, configure func(*Worker)) *Runtime {
	t.Helper()
	rt, err := NewRuntime(Options{
		Storage:   store,
		Fetcher:   origin,
		Logger:    logging.NewDiscardLogger(),
		Configure: configure,
	})
	if err != nil {
		t.Fatalf("failed to create runtime: %v", err)
	}
	return rt
}

func testConfig(cacheName string) Config {
	scope, _ := url.Parse(testScope)
	return Config{
		CacheName: cacheName,
		AppShell:  []string{"./index.html", "./manifest.json"},
		Scope:     scope,
	}
}

func getRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, testScope+strings.TrimPrefix(path, "/"), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func readResult(t *testing.T, res *FetchResult) string {
	t.Helper()
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read result body: %v", err)
	}
	return string(body)
}

func bucketKeys(t *testing.T, store cache.Storage, name string) []cache.RequestKey {
	t.Helper()
	bucket, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket %s: %v", name, err)
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("bucket keys: %v", err)
	}
	return keys
}
