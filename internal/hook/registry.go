// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package hook

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/oops"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
)

// Binding retry schedule. Matches the target-appearance polling contract:
// first retry after 500ms, growing by 1.5x, capped at 5s, ten attempts total.
const (
	defaultBindInitial     = 500 * time.Millisecond
	defaultBindMultiplier  = 1.5
	defaultBindMaxInterval = 5 * time.Second
	defaultBindAttempts    = 10
)

// Option configures the Registry.
type Option func(*Registry)

// WithBindSchedule overrides the resolver retry schedule. Used in tests to
// keep backoff waits short.
func WithBindSchedule(initial time.Duration, multiplier float64, maxInterval time.Duration, attempts uint64) Option {
	return func(r *Registry) {
		r.bindInitial = initial
		r.bindMultiplier = multiplier
		r.bindMaxInterval = maxInterval
		r.bindAttempts = attempts
	}
}

// WithCallObserver installs a callback invoked on every Call with the point's
// path. Used for metrics.
func WithCallObserver(fn func(path string)) Option {
	return func(r *Registry) {
		r.observe = fn
	}
}

// point is the registry's record of one interception surface.
type point struct {
	path      string
	original  CallFunc
	bound     bool
	resolving bool
	bindErr   error

	pre     []*Registration
	post    []*Registration
	void    []*Registration
	replace []*Registration
}

// Registry maps dotted paths to interception points and runs the hook
// pipeline around each call.
type Registry struct {
	mu     sync.RWMutex
	points map[string]*point
	logger *slog.Logger

	observe         func(path string)
	bindInitial     time.Duration
	bindMultiplier  float64
	bindMaxInterval time.Duration
	bindAttempts    uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a hook registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		points:          make(map[string]*point),
		logger:          logger,
		bindInitial:     defaultBindInitial,
		bindMultiplier:  defaultBindMultiplier,
		bindMaxInterval: defaultBindMaxInterval,
		bindAttempts:    defaultBindAttempts,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops in-flight resolver retries and waits for them to finish.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

// ensure returns the point for path, creating it if needed. Caller must hold
// the write lock.
func (r *Registry) ensure(path string) *point {
	p, ok := r.points[path]
	if !ok {
		p = &point{path: path}
		r.points[path] = p
	}
	return p
}

// Bind attaches the target function to a point. The first Bind wins; binding
// an already-bound point is a no-op, so re-running host integration cannot
// stack wrappers on top of themselves.
func (r *Registry) Bind(path string, fn CallFunc) error {
	if fn == nil {
		return oops.In("hook").With("path", path).New("bind target cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.ensure(path)
	if p.bound {
		r.logger.Debug("interception point already bound", "path", path)
		return nil
	}
	p.original = fn
	p.bound = true
	p.bindErr = nil
	return nil
}

// Resolve installs a resolver for a point whose target may not exist yet.
// The registry retries the resolver on the bind schedule until it returns a
// target or attempts run out; exhaustion is recorded and logged, matching
// the give-up behavior of timed target polling.
func (r *Registry) Resolve(path string, resolve func() (CallFunc, error)) {
	if resolve == nil {
		return
	}

	r.mu.Lock()
	p := r.ensure(path)
	if p.bound || p.resolving {
		r.mu.Unlock()
		return
	}
	p.resolving = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.resolveLoop(path, resolve)
}

func (r *Registry) resolveLoop(path string, resolve func() (CallFunc, error)) {
	defer r.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.bindInitial
	bo.Multiplier = r.bindMultiplier
	bo.MaxInterval = r.bindMaxInterval
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		fn, err := resolve()
		if err != nil {
			return err
		}
		if fn == nil {
			return oops.In("hook").With("path", path).New("resolver returned nil target")
		}
		return r.Bind(path, fn)
	}

	maxAttempts := r.bindAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), r.ctx))

	r.mu.Lock()
	p := r.points[path]
	if p != nil {
		p.resolving = false
		if err != nil && !p.bound {
			p.bindErr = err
		}
	}
	r.mu.Unlock()

	if err != nil {
		errutil.LogWarn(r.logger, "interception point binding failed",
			oops.In("hook").With("path", path).With("attempts", attempt).Wrap(err))
		return
	}
	r.logger.Debug("interception point bound", "path", path, "attempts", attempt)
}

// RegisterPre appends a pre hook to a point.
func (r *Registry) RegisterPre(path, owner string, fn PreFunc) (*Registration, error) {
	if fn == nil {
		return nil, oops.In("hook").With("path", path).With("owner", owner).New("callback cannot be nil")
	}
	reg := &Registration{Path: path, Owner: owner, Kind: KindPre, pre: fn}
	r.append(reg)
	return reg, nil
}

// RegisterPost appends a post hook to a point.
func (r *Registry) RegisterPost(path, owner string, fn PostFunc) (*Registration, error) {
	if fn == nil {
		return nil, oops.In("hook").With("path", path).With("owner", owner).New("callback cannot be nil")
	}
	reg := &Registration{Path: path, Owner: owner, Kind: KindPost, post: fn}
	r.append(reg)
	return reg, nil
}

// RegisterVoid appends a void hook to a point. While any void hook is
// registered, calls to the point run only the void hooks and return a zero
// result.
func (r *Registry) RegisterVoid(path, owner string, fn VoidFunc) (*Registration, error) {
	if fn == nil {
		return nil, oops.In("hook").With("path", path).With("owner", owner).New("callback cannot be nil")
	}
	reg := &Registration{Path: path, Owner: owner, Kind: KindVoid, void: fn}
	r.append(reg)
	return reg, nil
}

// RegisterReplace appends a replacement layer to a point. The last
// registration becomes the outermost layer.
func (r *Registry) RegisterReplace(path, owner string, fn ReplaceFunc) (*Registration, error) {
	if fn == nil {
		return nil, oops.In("hook").With("path", path).With("owner", owner).New("callback cannot be nil")
	}
	reg := &Registration{Path: path, Owner: owner, Kind: KindReplace, replace: fn}
	r.append(reg)
	return reg, nil
}

func (r *Registry) append(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.ensure(reg.Path)
	switch reg.Kind {
	case KindPre:
		p.pre = append(p.pre, reg)
	case KindPost:
		p.post = append(p.post, reg)
	case KindVoid:
		p.void = append(p.void, reg)
	case KindReplace:
		p.replace = append(p.replace, reg)
	}
}

// Unregister detaches a registration. Unknown registrations are ignored.
func (r *Registry) Unregister(reg *Registration) {
	if reg == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.points[reg.Path]
	if !ok {
		return
	}
	remove := func(regs []*Registration) []*Registration {
		for i, candidate := range regs {
			if candidate == reg {
				return append(regs[:i], regs[i+1:]...)
			}
		}
		return regs
	}
	switch reg.Kind {
	case KindPre:
		p.pre = remove(p.pre)
	case KindPost:
		p.post = remove(p.post)
	case KindVoid:
		p.void = remove(p.void)
	case KindReplace:
		p.replace = remove(p.replace)
	}
}

// Call runs the hook pipeline for a point and returns the target's result.
//
// Pipeline order: void hooks veto everything; otherwise pre hooks, then the
// replace chain around the target, then post hooks with the result. Callback
// failures are logged and contained; only target errors propagate.
func (r *Registry) Call(ctx context.Context, path string, args ...any) (any, error) {
	r.mu.RLock()
	p, ok := r.points[path]
	if !ok {
		r.mu.RUnlock()
		return nil, oops.In("hook").With("path", path).Code("hook_unbound").New("unknown interception point")
	}
	bound := p.bound
	original := p.original
	voids := append([]*Registration(nil), p.void...)
	pres := append([]*Registration(nil), p.pre...)
	replaces := append([]*Registration(nil), p.replace...)
	posts := append([]*Registration(nil), p.post...)
	r.mu.RUnlock()

	if r.observe != nil {
		r.observe(path)
	}

	// Absolute veto: only void hooks run, the caller gets a zero result.
	if len(voids) > 0 {
		for _, reg := range voids {
			r.safeVoid(ctx, reg, args)
		}
		return nil, nil
	}

	for _, reg := range pres {
		r.safePre(ctx, reg, args)
	}

	if !bound {
		return nil, oops.In("hook").With("path", path).Code("hook_unbound").New("interception point not bound")
	}

	// Build the replace chain so the last-registered layer runs first. A
	// failing layer falls back to invoking the remainder of the chain with
	// the arguments it received (fail-open).
	next := original
	for _, reg := range replaces {
		reg := reg
		inner := next
		next = func(c context.Context, a []any) (any, error) {
			res, err := r.safeReplace(c, reg, inner, a)
			if err != nil {
				errutil.LogWarn(r.logger, "replace hook failed, falling through",
					oops.In("hook").With("path", reg.Path).With("owner", reg.Owner).Code("hook_callback_error").Wrap(err))
				return inner(c, a)
			}
			return res, nil
		}
	}

	result, err := next(ctx, args)

	for _, reg := range posts {
		r.safePost(ctx, reg, result, args)
	}

	return result, err
}

// Fn returns the point's pipeline as a CallFunc, for host integration to
// install in place of the raw target.
func (r *Registry) Fn(path string) CallFunc {
	return func(ctx context.Context, args []any) (any, error) {
		return r.Call(ctx, path, args...)
	}
}

// Bound reports whether the point's target has been captured.
func (r *Registry) Bound(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.points[path]
	return ok && p.bound
}

// BindError returns the recorded resolver exhaustion error, if any.
func (r *Registry) BindError(path string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.points[path]
	if !ok {
		return nil
	}
	return p.bindErr
}

// Paths returns all known point paths, sorted.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.points))
	for path := range r.points {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (r *Registry) safePre(ctx context.Context, reg *Registration, args []any) {
	defer r.recoverCallback(reg)
	if err := reg.pre(ctx, args); err != nil {
		r.logCallbackErr(reg, err)
	}
}

func (r *Registry) safePost(ctx context.Context, reg *Registration, result any, args []any) {
	defer r.recoverCallback(reg)
	if err := reg.post(ctx, result, args); err != nil {
		r.logCallbackErr(reg, err)
	}
}

func (r *Registry) safeVoid(ctx context.Context, reg *Registration, args []any) {
	defer r.recoverCallback(reg)
	if err := reg.void(ctx, args); err != nil {
		r.logCallbackErr(reg, err)
	}
}

func (r *Registry) safeReplace(ctx context.Context, reg *Registration, next CallFunc, args []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.In("hook").With("path", reg.Path).With("owner", reg.Owner).Code("hook_callback_error").Errorf("replace hook panicked: %v", rec)
		}
	}()
	return reg.replace(ctx, next, args)
}

func (r *Registry) recoverCallback(reg *Registration) {
	if rec := recover(); rec != nil {
		r.logger.Warn("hook callback panicked",
			"path", reg.Path,
			"owner", reg.Owner,
			"kind", string(reg.Kind),
			"panic", rec)
	}
}

func (r *Registry) logCallbackErr(reg *Registration, err error) {
	errutil.LogWarn(r.logger, "hook callback failed",
		oops.In("hook").With("path", reg.Path).With("owner", reg.Owner).With("kind", string(reg.Kind)).Code("hook_callback_error").Wrap(err))
}
