// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package loader fetches plugin modules from their source URLs and executes
// them, tracking the per-URL outcome for the session.
//
// A URL loads at most once: loading a loaded URL is reported as already
// loaded, and a URL that exhausted its retries stays failed until it is
// explicitly unloaded. Executing a module may or may not produce a plugin;
// modules that only contribute library code are a valid outcome, not an
// error.
package loader

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

const (
	defaultAttempts    = 3
	defaultBackoffUnit = time.Second
	defaultTimeout     = 10 * time.Second
)

// Executor runs fetched module source. url identifies the module to the
// execution environment so the running code can self-identify. A nil plugin
// with a nil error means the module contributed only library code.
type Executor interface {
	Execute(ctx context.Context, url, source string) (pluginsdk.Plugin, error)
}

// Result describes the outcome of a successful Load.
type Result struct {
	URL           string
	Plugin        pluginsdk.Plugin // nil for library modules
	AlreadyLoaded bool
}

// Loader fetches and executes modules with linear-backoff retries.
type Loader struct {
	fetcher  Fetcher
	executor Executor
	logger   *slog.Logger

	attempts    int
	backoffUnit time.Duration
	timeout     time.Duration
	observe     func(url, outcome string)

	mu     sync.Mutex
	loaded map[string]struct{}
	failed map[string]error
}

// Option configures a Loader.
type Option func(*Loader)

// WithAttempts sets how many times a module load is tried before the URL is
// marked failed for the session.
func WithAttempts(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.attempts = n
		}
	}
}

// WithBackoffUnit sets the unit for the linear retry backoff: the wait after
// attempt n is n times the unit.
func WithBackoffUnit(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.backoffUnit = d
		}
	}
}

// WithTimeout bounds each individual fetch-and-execute attempt.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLoadObserver installs a callback invoked once per Load with the
// final outcome: "loaded", "library", "already_loaded", or "failed".
func WithLoadObserver(fn func(url, outcome string)) Option {
	return func(l *Loader) {
		if fn != nil {
			l.observe = fn
		}
	}
}

// New creates a Loader.
func New(fetcher Fetcher, executor Executor, logger *slog.Logger, opts ...Option) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		fetcher:     fetcher,
		executor:    executor,
		logger:      logger.With("component", "loader"),
		attempts:    defaultAttempts,
		backoffUnit: defaultBackoffUnit,
		timeout:     defaultTimeout,
		observe:     func(string, string) {},
		loaded:      make(map[string]struct{}),
		failed:      make(map[string]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches and executes the module at url. Loading an already-loaded URL
// is a no-op. A URL that previously exhausted its retries fails immediately
// until Unload clears it.
func (l *Loader) Load(ctx context.Context, url string) (*Result, error) {
	errb := oops.
		In("loader").
		With("url", url).
		Code("load_failure")

	l.mu.Lock()
	if _, ok := l.loaded[url]; ok {
		l.mu.Unlock()
		l.logger.Debug("module already loaded", "url", url)
		l.observe(url, "already_loaded")
		return &Result{URL: url, AlreadyLoaded: true}, nil
	}
	if prev, ok := l.failed[url]; ok {
		l.mu.Unlock()
		return nil, errb.Wrapf(prev, "module failed earlier this session")
	}
	l.mu.Unlock()

	var (
		p       pluginsdk.Plugin
		attempt int
	)
	bo := retry.WithMaxRetries(uint64(l.attempts-1), linearBackoff(l.backoffUnit))
	err := retry.Do(ctx, bo, func(ctx context.Context) error {
		attempt++
		if l.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}

		source, err := l.fetcher.Fetch(ctx, url)
		if err != nil {
			l.logger.Debug("module fetch failed",
				"url", url, "attempt", attempt, "error", err.Error())
			return retry.RetryableError(err)
		}

		loaded, err := l.executor.Execute(ctx, url, source)
		if err != nil {
			l.logger.Debug("module execution failed",
				"url", url, "attempt", attempt, "error", err.Error())
			return retry.RetryableError(err)
		}
		p = loaded
		return nil
	})
	if err != nil {
		l.mu.Lock()
		l.failed[url] = err
		l.mu.Unlock()
		l.observe(url, "failed")
		return nil, errb.With("attempts", attempt).Wrapf(err, "load module")
	}

	l.mu.Lock()
	l.loaded[url] = struct{}{}
	l.mu.Unlock()

	l.logger.Info("module loaded", "url", url, "library", p == nil, "attempts", attempt)
	if p == nil {
		l.observe(url, "library")
	} else {
		l.observe(url, "loaded")
	}
	return &Result{URL: url, Plugin: p}, nil
}

// Unload forgets a URL's load state, including a recorded permanent failure,
// so the next Load starts fresh.
func (l *Loader) Unload(url string) {
	l.mu.Lock()
	delete(l.loaded, url)
	delete(l.failed, url)
	l.mu.Unlock()
}

// IsLoaded reports whether the URL loaded successfully this session.
func (l *Loader) IsLoaded(url string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[url]
	return ok
}

// Loaded returns every successfully loaded URL, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.loaded))
	for url := range l.loaded {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// Failed returns every URL marked failed for the session, sorted.
func (l *Loader) Failed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.failed))
	for url := range l.failed {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// FailureFor returns the recorded error for a failed URL, or nil.
func (l *Loader) FailureFor(url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed[url]
}

// linearBackoff waits attempt times unit between tries.
func linearBackoff(unit time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * unit, false
	})
}
