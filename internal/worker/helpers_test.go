package worker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/costa-library/offline-edge/internal/cache"
)

const testOrigin = "https://library.local"

// spyStorage counts every bucket operation so tests can assert that excluded
// requests never reach storage.
type spyStorage struct {
	cache.Storage

	opens   atomic.Int32
	matches atomic.Int32
	puts    atomic.Int32

	mu       sync.Mutex
	putErr   error
	matchErr error
	delErr   map[string]error
}

func newSpyStorage(t *testing.T) *spyStorage {
	t.Helper()
	inner, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = inner.Close() })
	return &spyStorage{Storage: inner}
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	s.opens.Add(1)
	b, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyBucket{Bucket: b, spy: s}, nil
}

func (s *spyStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	err := s.delErr[name]
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.Storage.Delete(ctx, name)
}

func (s *spyStorage) failPuts(err error) {
	s.mu.Lock()
	s.putErr = err
	s.mu.Unlock()
}

func (s *spyStorage) failMatches(err error) {
	s.mu.Lock()
	s.matchErr = err
	s.mu.Unlock()
}

func (s *spyStorage) bucketOps() int32 {
	return s.matches.Load() + s.puts.Load()
}

type spyBucket struct {
	cache.Bucket
	spy *spyStorage
}

func (b *spyBucket) Match(ctx context.Context, key string) (*cache.Entry, error) {
	b.spy.matches.Add(1)
	b.spy.mu.Lock()
	err := b.spy.matchErr
	b.spy.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.Bucket.Match(ctx, key)
}

func (b *spyBucket) Put(ctx context.Context, key string, entry cache.Entry) error {
	b.spy.puts.Add(1)
	b.spy.mu.Lock()
	err := b.spy.putErr
	b.spy.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Bucket.Put(ctx, key, entry)
}

// fakeNetwork serves canned bodies per path and counts calls per path.
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	typ     ResponseType
	down    bool
	calls   map[string]int
	extra   map[string]http.Header
	seen    map[string]http.Header
	gate    chan struct{}
	started chan string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies: map[string]string{
			"/":              "<html>root</html>",
			"/index.html":    "<html>index</html>",
			"/manifest.json": `{"name":"library"}`,
		},
		status: map[string]int{},
		typ:    ResponseBasic,
		calls:  map[string]int{},
		extra:  map[string]http.Header{},
		seen:   map[string]http.Header{},
	}
}

func (n *fakeNetwork) set(path, body string) {
	n.mu.Lock()
	n.bodies[path] = body
	n.mu.Unlock()
}

func (n *fakeNetwork) setStatus(path string, status int) {
	n.mu.Lock()
	n.status[path] = status
	n.mu.Unlock()
}

// setHeader adds a response header for path.
func (n *fakeNetwork) setHeader(path, key, value string) {
	n.mu.Lock()
	if n.extra[path] == nil {
		n.extra[path] = http.Header{}
	}
	n.extra[path].Set(key, value)
	n.mu.Unlock()
}

// lastHeader returns the request headers of the latest fetch of path.
func (n *fakeNetwork) lastHeader(path string) http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen[path]
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	n.seen[req.URL.Path] = req.Header.Clone()
	extra := n.extra[req.URL.Path].Clone()
	gate := n.gate
	started := n.started
	down := n.down
	body, ok := n.bodies[req.URL.Path]
	status := n.status[req.URL.Path]
	typ := n.typ
	n.mu.Unlock()

	if started != nil {
		started <- req.URL.Path
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if down {
		return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: io.ErrUnexpectedEOF}
	}
	if status == 0 {
		status = http.StatusOK
		if !ok {
			status = http.StatusNotFound
		}
	}
	header := http.Header{"Content-Type": []string{"text/html"}}
	for k, v := range extra {
		header[k] = v
	}
	resp := &http.Response{
		Status:     http.StatusText(status),
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
	return TrackBody(resp, typ), nil
}

func newTestController(t *testing.T, name string, storage cache.Storage, network Fetcher) *Controller {
	t.Helper()
	base, _ := url.Parse(testOrigin)
	ctrl, err := NewController(Options{
		CacheName:  name,
		BaseURL:    base,
		SeedPaths:  []string{"/", "/index.html", "/manifest.json"},
		Classifier: DefaultClassifier("supabase.co"),
		Fetcher:    network,
		Storage:    storage,
	})
	if err != nil {
		t.Fatalf("new controller error: %v", err)
	}
	return ctrl
}

func installAndActivate(t *testing.T, ctrl *Controller) {
	t.Helper()
	if err := ctrl.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := ctrl.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
}

func getRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return string(data)
}
