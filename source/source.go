// Package source defines the upstream adapter contract and the built-in
// adapter kinds (reddit, s3, gallery).
//
// An adapter turns an opaque per-source parameter object into a finite,
// paged sequence of candidate items. Adapters own upstream pagination,
// inter-page politeness and cross-page deduplication; they never touch the
// store.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// MaxBatchSize caps the number of items an adapter emits per batch.
const MaxBatchSize = 100

// Item is one normalized upstream candidate.
type Item struct {
	DownloadURL     string
	WebsiteURL      string
	Title           string
	Author          string
	AuthorURL       string
	NSFW            bool
	Width           int
	Height          int
	SourceCreatedAt *time.Time
}

// Batch is one page worth of candidates, at most MaxBatchSize items.
type Batch []Item

// EmitFunc receives one batch. Returning an error stops the fetch; the
// adapter must propagate it unchanged.
type EmitFunc func(ctx context.Context, batch Batch) error

// Adapter is the contract every source kind implements. FetchBatches is
// finite and non-restartable: it inspects at most limit upstream items and
// calls emit once per page of survivors. It must return promptly once ctx
// is cancelled.
type Adapter interface {
	Kind() string
	ValidateParams(params json.RawMessage) error
	FetchBatches(ctx context.Context, params json.RawMessage, limit int, emit EmitFunc) error
}

// Registry resolves Source.kind tags to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry preloaded with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter registered for kind.
func (r *Registry) Get(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
	return a, nil
}

// Kinds returns the registered kind tags, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Options carries the shared plumbing handed to every adapter.
type Options struct {
	UserAgent  string
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "fallpaper/1.0"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return o
}

// pager fetches upstream listing pages with inter-page politeness and
// transient-error retries. One pager instance exists per FetchBatches call;
// the limiter enforces at least one second between page requests.
type pager struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
	logger    logrus.FieldLogger
}

func newPager(opts Options) *pager {
	opts = opts.withDefaults()
	return &pager{
		client:    opts.HTTPClient,
		userAgent: opts.UserAgent,
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		logger:    opts.Logger,
	}
}

// get fetches one page. HTTP 5xx and transport errors retry with
// exponential backoff; 4xx is permanent.
func (p *pager) get(ctx context.Context, url string) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", p.userAgent)

		r, err := p.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("upstream returned %s", r.Status)
		}
		if r.StatusCode < 200 || r.StatusCode > 299 {
			r.Body.Close()
			return backoff.Permanent(fmt.Errorf("upstream returned %s", r.Status))
		}
		resp = r
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"url":  url,
			"wait": wait,
		}).Warn("page fetch failed, retrying")
	}); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	return resp, nil
}

// getJSON fetches one page and decodes its body into dst.
func (p *pager) getJSON(ctx context.Context, url string, dst any) error {
	resp, err := p.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}

// dedup tracks download URLs already emitted within one fetch.
type dedup map[string]bool

func (d dedup) add(url string) bool {
	if d[url] {
		return false
	}
	d[url] = true
	return true
}
