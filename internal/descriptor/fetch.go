package descriptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"seedkeeper/internal/apperrors"
	"seedkeeper/pkg/backoff"
	"seedkeeper/pkg/circuitbreaker"
)

// ErrFetchFailed marks a remote descriptor that could not be retrieved, as
// opposed to one that was retrieved and failed to decode.
var ErrFetchFailed = errors.New("descriptor fetch failed")

// ErrTooLarge marks a remote descriptor larger than maxDescriptorBytes.
var ErrTooLarge = errors.New("descriptor exceeds size limit")

// errRejected marks a 4xx reply: the host is up but will not serve the file.
var errRejected = errors.New("descriptor rejected by host")

const (
	defaultFetchAttempts = 4 // one try plus three retries
	maxDescriptorBytes   = 32 << 20
)

// FetchConfig configures remote descriptor retrieval. Zero values use defaults.
type FetchConfig struct {
	PollInterval time.Duration // completion flag poll period (default: 1s)
	Timeout      time.Duration // overall bound, 0 = unbounded
	MaxBytes     int64         // largest accepted descriptor (default: 32 MiB)
	Retry        backoff.Config

	// Breakers is keyed by host. Nil gives the fetcher its own registry.
	Breakers *circuitbreaker.Registry
}

// Fetcher retrieves remote descriptors. The transfer runs on its own goroutine
// and publishes completion through a flag that the caller polls.
type Fetcher struct {
	client   *http.Client
	config   FetchConfig
	maxBytes int64
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher with the given configuration.
func NewFetcher(cfg FetchConfig) *Fetcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = maxDescriptorBytes
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config:   cfg,
		maxBytes: maxBytes,
		breakers: breakers,
		logger:   slog.With("component", "descriptor-fetch"),
	}
}

// fetchResult is written once by the transfer goroutine before done is set.
type fetchResult struct {
	done atomic.Bool
	body []byte
	err  error
}

// Fetch downloads uri and returns its body. It blocks the caller until the
// transfer completes, ctx is done, or the configured timeout elapses.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := &fetchResult{}
	go func() {
		res.body, res.err = f.get(fetchCtx, uri)
		res.done.Store(true)
	}()

	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	for !res.done.Load() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch %s: %w", uri, ctx.Err())
		case <-ticker.C:
		}
	}
	if res.err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, res.err)
	}
	return res.body, nil
}

// get retrieves uri under the host's breaker. An open breaker fails with
// circuitbreaker.ErrOpen before any request is made.
func (f *Fetcher) get(ctx context.Context, uri string) ([]byte, error) {
	var body []byte
	err := f.breakers.ForURL(uri).Guard(func() error {
		var err error
		body, err = f.getWithRetry(ctx, uri)
		return err
	}, hostDown)
	return body, err
}

// hostDown reports whether err should count against the host's breaker.
func hostDown(err error) bool {
	return !errors.Is(err, errRejected) && !errors.Is(err, ErrTooLarge) && !errors.Is(err, context.Canceled)
}

func (f *Fetcher) getWithRetry(ctx context.Context, uri string) ([]byte, error) {
	var body []byte
	attempt := 0
	err := backoff.Retry(ctx, defaultFetchAttempts, &f.config.Retry, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			f.logger.Debug("Descriptor fetch attempt failed", "uri", uri, "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("%w: HTTP %d", errRejected, resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			f.logger.Debug("Descriptor fetch attempt failed", "uri", uri, "attempt", attempt, "status", resp.StatusCode)
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return err
		}
		if int64(len(body)) > f.maxBytes {
			return backoff.Permanent(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes))
		}
		return nil
	})
	return body, err
}

// Loader resolves a descriptor location into a parsed Descriptor.
type Loader struct {
	fetcher *Fetcher
}

// NewLoader creates a Loader. A nil fetcher rejects remote descriptors.
func NewLoader(fetcher *Fetcher) *Loader {
	return &Loader{fetcher: fetcher}
}

// Load classifies location, reads or fetches it, and parses it.
// A remote descriptor that cannot be fetched is reported as apperrors.ErrParseFailed.
func (l *Loader) Load(ctx context.Context, location string) (*Descriptor, error) {
	kind, err := Classify(location)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindLocal:
		return ReadLocal(location)
	default:
		if l.fetcher == nil {
			return nil, apperrors.Create(apperrors.ErrUnrecognized, location, fmt.Errorf("remote descriptors disabled"))
		}
		raw, err := l.fetcher.Fetch(ctx, location)
		if err != nil {
			return nil, apperrors.Create(apperrors.ErrParseFailed, location, fmt.Errorf("%w: %w", ErrFetchFailed, err))
		}
		return Parse(location, raw)
	}
}
