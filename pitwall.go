// Package pitwall reads the public openf1 motorsport API through a
// persistent response cache. Fetched bodies are stored with a
// freshness lifetime and kept after expiry, so a fresh copy is served
// without contacting the upstream, an expired copy is revalidated
// cheaply when the upstream supports it, and an upstream outage is
// absorbed by serving the last known copy instead of failing the page.
package pitwall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pitwall/pitwall/cache"
)

const (
	// DefaultBaseURL is the public openf1 API root.
	DefaultBaseURL = "https://api.openf1.org/v1"
	// DefaultTimeout bounds a single upstream request.
	DefaultTimeout = 10 * time.Second
)

// Options configures a Fetcher.
type Options struct {
	// Storage for cache entries. An in-memory store is used if nil.
	Store cache.Store
	// BaseURL of the upstream API. DefaultBaseURL is used if empty.
	BaseURL string
	// Client to use for upstream requests. If nil, a client with the
	// configured Timeout is created.
	Client *http.Client
	// Timeout for a single upstream request when Client is nil.
	// DefaultTimeout is used if zero.
	Timeout time.Duration
	// TTL is the freshness lifetime given to stored responses.
	// cache.DefaultTTL is used if zero.
	TTL time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// FetchOptions adjust a single fetch.
type FetchOptions struct {
	// ForceRefresh skips cache reads and always asks the upstream.
	// The result is still written to the cache on success.
	ForceRefresh bool
	// TTL overrides the fetcher-wide freshness lifetime for this call.
	TTL time.Duration
}

// Fetcher resolves upstream resources through the cache. All methods
// are safe for concurrent use.
type Fetcher struct {
	store   cache.Store
	baseURL string
	client  *http.Client
	ttl     time.Duration
	log     zerolog.Logger
}

// New creates a Fetcher from the given options.
func New(options Options) *Fetcher {
	var logger zerolog.Logger
	if options.Logger == nil {
		logger = log.Logger
	} else {
		logger = *options.Logger
	}

	store := options.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}

	baseURL := strings.TrimRight(options.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := options.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ttl := options.TTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}

	return &Fetcher{
		store:   store,
		baseURL: baseURL,
		client:  client,
		ttl:     ttl,
		log:     logger.With().Str("upstream", baseURL).Logger(),
	}
}

// Store returns the underlying cache store.
func (f *Fetcher) Store() cache.Store {
	return f.store
}

// KeyFor returns the cache key used for the given path and params.
func (f *Fetcher) KeyFor(path string, params url.Values) string {
	return DeriveKey(f.upstreamURL(path), params)
}

// Fetch returns the decoded JSON body for the given upstream path,
// served from the cache whenever possible.
func (f *Fetcher) Fetch(ctx context.Context, path string, params url.Values) (any, error) {
	return f.FetchWithOptions(ctx, path, params, FetchOptions{})
}

// FetchWithOptions resolves one resource. The order is: fresh cache
// hit, conditional revalidation when a stale entry carries an etag,
// full upstream fetch, stale fallback, and only then a hard failure.
// A stale fallback body is annotated with _cache_warning and
// _api_error fields when it is a JSON object.
func (f *Fetcher) FetchWithOptions(ctx context.Context, path string, params url.Values, opts FetchOptions) (any, error) {
	rawURL := f.upstreamURL(path)
	key := DeriveKey(rawURL, params)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = f.ttl
	}
	logger := f.log.With().Str("key", key).Str("path", path).Logger()

	staleChecked := false
	var stale *cache.Entry
	if !opts.ForceRefresh {
		if entry, ok, err := f.store.Get(key); err != nil {
			logger.Error().Err(err).Msg("Could not read from cache")
		} else if ok {
			body, err := decodeBody(entry.Body)
			if err == nil {
				logger.Trace().Msg("Serving fresh entry")
				return body, nil
			}
			logger.Error().Err(err).Msg("Could not decode stored body, purging entry")
			if _, err := f.store.Invalidate(key); err != nil {
				logger.Error().Err(err).Msg("Could not purge entry")
			}
		}

		if entry, ok, err := f.store.GetStale(key); err != nil {
			logger.Error().Err(err).Msg("Could not read stale entry")
		} else if ok {
			stale = entry
		}
		staleChecked = true

		if stale != nil && stale.ETag != "" {
			body, err := f.revalidate(ctx, rawURL, key, params, stale, ttl, logger)
			if err == nil {
				return body, nil
			}
			logger.Warn().Err(err).Msg("Could not revalidate, trying stale fallback")
			return f.serveStale(stale, err, logger)
		}
	}

	res, err := f.doRequest(ctx, rawURL, params, "")
	if err == nil {
		var body any
		if body, err = f.finish(key, res, ttl, logger); err == nil {
			logger.Trace().Msg("Serving upstream fetch")
			return body, nil
		}
	}

	if !staleChecked {
		if entry, ok, serr := f.store.GetStale(key); serr != nil {
			logger.Error().Err(serr).Msg("Could not read stale entry")
		} else if ok {
			stale = entry
		}
	}
	if stale != nil {
		logger.Warn().Err(err).Msg("Upstream fetch failed, trying stale fallback")
		return f.serveStale(stale, err, logger)
	}

	logger.Error().Err(err).Msg("Upstream fetch failed with nothing cached")
	return nil, asUpstreamError(err)
}

// revalidate performs a conditional request with the stale entry's
// etag. A 304 answer refreshes the stored entry in place: the old body
// is written back with a new lifetime and with the 304's status and
// headers, and the etag carries over. Any 2xx answer is handled like a
// full fetch.
func (f *Fetcher) revalidate(ctx context.Context, rawURL, key string, params url.Values, stale *cache.Entry, ttl time.Duration, logger zerolog.Logger) (any, error) {
	res, err := f.doRequest(ctx, rawURL, params, stale.ETag)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusNotModified {
		body, err := decodeBody(stale.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding stored body: %w", err)
		}
		rec := cache.Record{
			Body:       stale.Body,
			StatusCode: res.StatusCode,
			Headers:    res.Headers,
			ETag:       stale.ETag,
		}
		if err := f.store.Put(key, rec, ttl); err != nil {
			logger.Error().Err(err).Msg("Could not refresh entry after 304")
		}
		logger.Trace().Msg("Upstream confirmed entry is unchanged")
		return body, nil
	}
	return f.finish(key, res, ttl, logger)
}

// finish turns an upstream answer into a decoded body and writes it
// through to the store. A failed put is logged but never withholds an
// already-fetched body from the caller.
func (f *Fetcher) finish(key string, res *upstreamResponse, ttl time.Duration, logger zerolog.Logger) (any, error) {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &UpstreamError{
			Message:    fmt.Sprintf("upstream returned status %d", res.StatusCode),
			StatusCode: res.StatusCode,
		}
	}
	body, err := decodeBody(res.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding upstream response: %w", err)
	}
	rec := cache.Record{
		Body:       res.Body,
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
		ETag:       res.ETag,
	}
	if err := f.store.Put(key, rec, ttl); err != nil {
		logger.Error().Err(err).Msg("Could not write entry to cache")
	}
	return body, nil
}

// staleWarning is attached to object bodies served from an expired
// entry after an upstream failure.
const staleWarning = "Serving stale cached data after an upstream error"

// serveStale returns the stale entry's body. Object bodies get
// _cache_warning and _api_error fields so callers can tell the data is
// stale and why; other body shapes are returned as-is.
func (f *Fetcher) serveStale(stale *cache.Entry, cause error, logger zerolog.Logger) (any, error) {
	body, err := decodeBody(stale.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Could not decode stale body")
		return nil, asUpstreamError(cause)
	}
	if m, ok := body.(map[string]any); ok {
		m["_cache_warning"] = staleWarning
		m["_api_error"] = cause.Error()
	}
	logger.Trace().Msg("Serving stale entry")
	return body, nil
}

type upstreamResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	ETag       string
}

// doRequest performs one GET against the upstream API. The error
// return covers transport problems only; HTTP status handling is up to
// the caller.
func (f *Fetcher) doRequest(ctx context.Context, rawURL string, params url.Values, ifNoneMatch string) (*upstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL(rawURL, params), nil)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}
	res, err := f.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	return &upstreamResponse{
		StatusCode: res.StatusCode,
		Headers:    headerMap(res.Header),
		Body:       body,
		ETag:       res.Header.Get("Etag"),
	}, nil
}

// upstreamURL joins the base URL and resource path. The path may carry
// inline query parameters of its own ("drivers?session_key=latest").
func (f *Fetcher) upstreamURL(path string) string {
	return f.baseURL + "/" + strings.TrimLeft(path, "/")
}

// requestURL appends the params to the URL, minding any query string
// already present in it.
func requestURL(rawURL string, params url.Values) string {
	if len(params) == 0 {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + params.Encode()
}

func decodeBody(body []byte) (any, error) {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func headerMap(header http.Header) map[string]string {
	m := make(map[string]string, len(header))
	for name := range header {
		m[name] = header.Get(name)
	}
	return m
}
