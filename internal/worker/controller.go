package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/costa-library/offline-edge/internal/cache"
)

const (
	defaultRevalidateTimeout     = 30 * time.Second
	defaultRevalidateConcurrency = 32
	defaultWriteTimeout          = 10 * time.Second
)

var (
	// ErrSeedUnavailable means a seed path could not be fetched at install time.
	ErrSeedUnavailable = errors.New("seed resource unavailable")
	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("controller not installed")
	// ErrNothingToAdopt means no populated bucket exists under the name.
	ErrNothingToAdopt = errors.New("no stored bucket to adopt")
)

// Options configures a Controller. CacheName, BaseURL, Fetcher and Storage
// are required.
type Options struct {
	// CacheName identifies the deployment; it must change whenever assets change.
	CacheName string
	// BaseURL is the public URL seed paths are resolved against, so seeded
	// entries share identities with the requests clients will send.
	BaseURL *url.URL
	// SeedPaths are fetched and stored atomically at install time.
	SeedPaths  []string
	Classifier Classifier
	Fetcher    Fetcher
	Storage    cache.Storage
	Logger     *logrus.Logger
	Metrics    *Metrics
	// MaxEntrySize caps snapshotted bodies; zero means unlimited.
	MaxEntrySize          int64
	RevalidateTimeout     time.Duration
	RevalidateConcurrency int
	Now                   func() time.Time
}

// Controller is one version of the cache controller.
type Controller struct {
	name       string
	baseURL    *url.URL
	seeds      []string
	classifier Classifier
	fetcher    Fetcher
	storage    cache.Storage
	logger     *logrus.Logger
	metrics    *Metrics
	maxEntry   int64
	revalidate time.Duration
	now        func() time.Time

	state  atomic.Int32
	bucket atomic.Pointer[bucketRef]

	group   singleflight.Group
	bgSem   chan struct{}
	wg      sync.WaitGroup
	pending atomic.Int64
}

type bucketRef struct {
	cache.Bucket
}

// NewController validates opts and returns a controller in the parsed state.
func NewController(opts Options) (*Controller, error) {
	if err := cache.ValidateBucketName(opts.CacheName); err != nil {
		return nil, err
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.BaseURL == nil || opts.BaseURL.Host == "" {
		return nil, errors.New("base url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	timeout := opts.RevalidateTimeout
	if timeout <= 0 {
		timeout = defaultRevalidateTimeout
	}
	concurrency := opts.RevalidateConcurrency
	if concurrency <= 0 {
		concurrency = defaultRevalidateConcurrency
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		name:       opts.CacheName,
		baseURL:    opts.BaseURL,
		seeds:      append([]string(nil), opts.SeedPaths...),
		classifier: opts.Classifier,
		fetcher:    opts.Fetcher,
		storage:    opts.Storage,
		logger:     logger,
		metrics:    opts.Metrics,
		maxEntry:   opts.MaxEntrySize,
		revalidate: timeout,
		now:        now,
		bgSem:      make(chan struct{}, concurrency),
	}
	c.state.Store(int32(StateParsed))
	return c, nil
}

// CacheName returns the bucket name this controller owns.
func (c *Controller) CacheName() string {
	return c.name
}

// Entries reports how many snapshots the installed bucket holds.
func (c *Controller) Entries(ctx context.Context) (int, error) {
	ref := c.bucket.Load()
	if ref == nil {
		return 0, ErrNotInstalled
	}
	return ref.Len(ctx)
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// MarkRedundant retires a controller that has been superseded.
func (c *Controller) MarkRedundant() {
	c.setState(StateRedundant)
}

// Install opens the bucket and stores every seed path. Seeding is all or
// nothing: one unreachable seed fails the install and stores nothing. On
// success the controller skips waiting and is ready for Activate.
func (c *Controller) Install(ctx context.Context) (err error) {
	c.setState(StateInstalling)
	defer func() {
		c.metrics.observeLifecycle("install", err)
		if err != nil {
			c.setState(StateRedundant)
		}
	}()

	existed, err := c.storage.Has(ctx, c.name)
	if err != nil {
		return fmt.Errorf("inspect bucket %s: %w", c.name, err)
	}
	bucket, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", c.name, err)
	}

	records := make([]cache.Record, len(c.seeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, seed := range c.seeds {
		g.Go(func() error {
			rec, err := c.fetchSeed(gctx, seed)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.discardBucket(existed)
		return err
	}
	if err := bucket.PutAll(ctx, records); err != nil {
		c.discardBucket(existed)
		return fmt.Errorf("store seeds in %s: %w", c.name, err)
	}

	c.bucket.Store(&bucketRef{Bucket: bucket})
	c.setState(StateInstalled)
	c.logger.WithFields(logrus.Fields{
		"action": "install",
		"bucket": c.name,
		"seeds":  len(records),
	}).Info("worker_installed")
	return nil
}

// Adopt takes over a bucket a previous process already installed under the
// same name, without touching the network. Buckets without entries are
// rejected since Install writes its seeds in one batch.
func (c *Controller) Adopt(ctx context.Context) (err error) {
	defer func() {
		c.metrics.observeLifecycle("adopt", err)
	}()

	ok, err := c.storage.Has(ctx, c.name)
	if err != nil {
		return fmt.Errorf("inspect bucket %s: %w", c.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNothingToAdopt, c.name)
	}
	bucket, err := c.storage.Open(ctx, c.name)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", c.name, err)
	}
	n, err := bucket.Len(ctx)
	if err != nil {
		return fmt.Errorf("count bucket %s: %w", c.name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNothingToAdopt, c.name)
	}

	c.bucket.Store(&bucketRef{Bucket: bucket})
	c.setState(StateInstalled)
	c.logger.WithFields(logrus.Fields{
		"action":  "adopt",
		"bucket":  c.name,
		"entries": n,
	}).Info("worker_adopted")
	return nil
}

// discardBucket removes a bucket this install created, so a failed version
// leaves nothing behind.
func (c *Controller) discardBucket(existed bool) {
	if existed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if _, err := c.storage.Delete(ctx, c.name); err != nil {
		c.logger.WithError(err).WithField("bucket", c.name).Warn("bucket_discard_failed")
	}
}

func (c *Controller) fetchSeed(ctx context.Context, seed string) (cache.Record, error) {
	ref, err := url.Parse(seed)
	if err != nil {
		return cache.Record{}, fmt.Errorf("%w: %s: %v", ErrSeedUnavailable, seed, err)
	}
	target := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Record{}, fmt.Errorf("%w: %s: %v", ErrSeedUnavailable, seed, err)
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return cache.Record{}, fmt.Errorf("%w: %s: %v", ErrSeedUnavailable, seed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cache.Record{}, fmt.Errorf("%w: %s: status %d", ErrSeedUnavailable, seed, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Record{}, fmt.Errorf("%w: %s: %v", ErrSeedUnavailable, seed, err)
	}

	key := cache.RequestKey(req)
	return cache.Record{
		Key:   key,
		Entry: cache.NewEntry(key, resp.StatusCode, resp.Status, resp.Header, body, c.now()),
	}, nil
}

// Activate deletes every bucket except the current one. Deletion failures are
// reported but do not keep the controller from activating.
func (c *Controller) Activate(ctx context.Context) (err error) {
	if c.bucket.Load() == nil {
		return ErrNotInstalled
	}
	c.setState(StateActivating)
	defer func() {
		c.metrics.observeLifecycle("activate", err)
		c.setState(StateActivated)
	}()

	names, err := c.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	// One failed delete must not cancel the others.
	var deleted atomic.Int32
	var g errgroup.Group
	for _, name := range names {
		if name == c.name {
			continue
		}
		g.Go(func() error {
			ok, err := c.storage.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("delete bucket %s: %w", name, err)
			}
			if ok {
				deleted.Add(1)
				c.metrics.observeBucketDeleted()
			}
			return nil
		})
	}
	err = g.Wait()

	c.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"bucket":  c.name,
		"deleted": deleted.Load(),
	}).Info("worker_activated")
	return err
}

// Fetch answers one intercepted request. A nil response with SourceBypass
// means the caller must perform the request itself without caching.
func (c *Controller) Fetch(ctx context.Context, req *http.Request) (*http.Response, Source) {
	class := c.classifier.Classify(req)
	if class.Excluded {
		c.metrics.observeBypass(class.Reason)
		c.metrics.observeFetch(SourceBypass)
		return nil, SourceBypass
	}

	key := cache.RequestKey(req)
	var bucket cache.Bucket
	if ref := c.bucket.Load(); ref != nil {
		bucket = ref.Bucket
	}

	if bucket != nil {
		entry, err := bucket.Match(ctx, key)
		switch {
		case err == nil:
			c.revalidateAsync(req, key, bucket)
			c.metrics.observeFetch(SourceCache)
			return responseFromEntry(req, entry), SourceCache
		case errors.Is(err, cache.ErrNotFound):
		default:
			c.logger.WithError(err).WithFields(c.fields(key)).Warn("cache_match_failed")
		}
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.logger.WithError(err).WithFields(c.fields(key)).Warn("network_failed")
		c.metrics.observeFetch(SourceOffline)
		return OfflineResponse(req), SourceOffline
	}

	if bucket != nil && StoreAllowed(req, resp) {
		if entry, ok := snapshotResponse(resp, key, c.maxEntry, c.now()); ok {
			c.storeAsync(bucket, key, entry)
		}
	}
	c.metrics.observeFetch(SourceNetwork)
	return resp, SourceNetwork
}

// Wait blocks until every detached revalidation and write has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Idle reports whether no detached work is in flight.
func (c *Controller) Idle() bool {
	return c.pending.Load() == 0
}

func (c *Controller) goDetached(fn func()) {
	c.wg.Add(1)
	c.pending.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.pending.Add(-1)
		fn()
	}()
}

func (c *Controller) storeAsync(bucket cache.Bucket, key string, entry cache.Entry) {
	c.goDetached(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		defer cancel()
		err := bucket.Put(ctx, key, entry)
		c.metrics.observeWrite(err)
		if err != nil {
			c.logger.WithError(err).WithFields(c.fields(key)).Warn("cache_put_failed")
		}
	})
}

// revalidateAsync spawns one detached refresh for key. Concurrent refreshes of
// the same key share a single network fetch.
func (c *Controller) revalidateAsync(req *http.Request, key string, bucket cache.Bucket) {
	select {
	case c.bgSem <- struct{}{}:
	default:
		c.metrics.observeRevalidation("skipped")
		return
	}

	// 刷新结果写入共享 Bucket，不能带上触发请求的客户端凭据。
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	stripCredentials(header)
	target := *req.URL

	c.goDetached(func() {
		defer func() { <-c.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), c.revalidate)
		defer cancel()

		_, err, _ := c.group.Do(key, func() (interface{}, error) {
			return nil, c.revalidateOnce(ctx, key, &target, header, bucket)
		})
		if err != nil {
			c.logger.WithError(err).WithFields(c.fields(key)).Debug("revalidate_failed")
		}
	})
}

var errNotCacheable = errors.New("response not cacheable")

func (c *Controller) revalidateOnce(ctx context.Context, key string, target *url.URL, header http.Header, bucket cache.Bucket) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		c.metrics.observeRevalidation("failed")
		return err
	}
	if header != nil {
		req.Header = header
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.metrics.observeRevalidation("failed")
		return err
	}
	defer resp.Body.Close()

	if !IsCacheable(resp) {
		c.metrics.observeRevalidation("not_cacheable")
		return fmt.Errorf("%w: status %d type %s", errNotCacheable, resp.StatusCode, TypeOf(resp))
	}
	entry, ok := snapshotResponse(resp, key, c.maxEntry, c.now())
	if !ok {
		c.metrics.observeRevalidation("not_cacheable")
		return errNotCacheable
	}
	err = bucket.Put(ctx, key, entry)
	c.metrics.observeWrite(err)
	if err != nil {
		c.metrics.observeRevalidation("failed")
		return err
	}
	c.metrics.observeRevalidation("stored")
	return nil
}

func (c *Controller) fields(key string) logrus.Fields {
	return logrus.Fields{
		"bucket": c.name,
		"key":    key,
	}
}
