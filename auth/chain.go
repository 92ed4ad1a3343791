package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type registration struct {
	provider Provider
	priority int
	seq      uint64
}

// Result is a successful chain evaluation.
type Result struct {
	Principal *Principal
	Provider  string
}

// ChainObserver is told the outcome of every provider evaluation. err is nil
// on success.
type ChainObserver func(provider string, err error, elapsed time.Duration)

// Chain evaluates registered providers in ascending priority order. Ties keep
// registration order. Registration is copy-on-write, so a change only affects
// evaluations that start after it.
type Chain struct {
	mu      sync.Mutex
	regs    []registration
	nextSeq uint64

	snapshot atomic.Pointer[[]registration]

	timeout  time.Duration
	logger   *slog.Logger
	observer ChainObserver
}

type ChainOption func(*Chain)

// WithProviderTimeout bounds a single provider evaluation. A provider that
// does not answer in time is treated as no match.
func WithProviderTimeout(d time.Duration) ChainOption {
	return func(c *Chain) { c.timeout = d }
}

func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) { c.logger = logger }
}

func WithChainObserver(o ChainObserver) ChainOption {
	return func(c *Chain) { c.observer = o }
}

func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "auth_chain")
	return c
}

// Register adds p with the given priority. Lower priorities run first.
func (c *Chain) Register(p Provider, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	regs := make([]registration, len(c.regs), len(c.regs)+1)
	copy(regs, c.regs)
	regs = append(regs, registration{provider: p, priority: priority, seq: c.nextSeq})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	c.regs = regs
	c.snapshot.Store(&regs)
}

// Unregister removes every registration of p and reports whether any existed.
func (c *Chain) Unregister(p Provider) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	regs := make([]registration, 0, len(c.regs))
	for _, r := range c.regs {
		if r.provider != p {
			regs = append(regs, r)
		}
	}
	if len(regs) == len(c.regs) {
		return false
	}
	c.regs = regs
	c.snapshot.Store(&regs)
	return true
}

func (c *Chain) current() []registration {
	if p := c.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Providers returns the registered provider names in evaluation order.
func (c *Chain) Providers() []string {
	regs := c.current()
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = r.provider.Name()
	}
	return names
}

// Authenticate returns the first principal produced by a provider, in
// priority order. Provider errors, panics and timeouts count as no match.
func (c *Chain) Authenticate(ctx context.Context, req *RequestContext) (Result, bool) {
	for _, r := range c.current() {
		if ctx.Err() != nil {
			return Result{}, false
		}
		name := r.provider.Name()
		start := time.Now()
		p, err := c.evaluate(ctx, r.provider, req)
		if err == nil && p == nil {
			err = ErrNoMatch
		}
		if c.observer != nil {
			c.observer(name, err, time.Since(start))
		}
		switch {
		case err == nil:
			return Result{Principal: p, Provider: name}, true
		case errors.Is(err, ErrNoMatch):
		case errors.Is(err, ErrUnexpected):
			c.logger.Error("provider failed unexpectedly", "provider", name, "error", err)
		default:
			c.logger.Warn("provider rejected request", "provider", name, "error", err)
		}
	}
	return Result{}, false
}

type outcome struct {
	principal *Principal
	err       error
}

func (c *Chain) evaluate(ctx context.Context, p Provider, req *RequestContext) (*Principal, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrUnexpected, rec)}
			}
		}()
		principal, err := p.Authenticate(ctx, req)
		done <- outcome{principal: principal, err: err}
	}()
	select {
	case o := <-done:
		return o.principal, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnexpected, ctx.Err())
	}
}
