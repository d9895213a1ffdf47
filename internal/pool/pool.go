// Package pool provides a per-key pool of live engine handles with
// bounded capacity, idle/TTL eviction and health probing. The runtime
// instantiates it twice, once for the graph engine and once for the
// staging engine; the two pools share no state.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nestgraph/nestgraph/internal/engine"
	"github.com/nestgraph/nestgraph/internal/errdefs"
)

// PathFunc derives the on-disk database path for a resource key.
type PathFunc func(key string) string

// Config holds pool tuning parameters.
type Config struct {
	// MaxPerKey caps live handles per resource key. Forced to 1 when
	// the opener does not support concurrent multi-handle access.
	MaxPerKey int

	// WaitTimeout bounds how long Acquire blocks when the key is at
	// capacity before failing with an exhaustion error.
	WaitTimeout time.Duration

	// IdleTimeout evicts free slots unused for this long.
	IdleTimeout time.Duration

	// ConnectionTTL evicts slots older than this regardless of use.
	ConnectionTTL time.Duration

	// SweepInterval is the eviction sweep period.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// ApplyDefaults fills zero fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxPerKey <= 0 {
		c.MaxPerKey = 4
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ConnectionTTL <= 0 {
		c.ConnectionTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// slot is one live engine handle bound to a key. A slot is either on the
// key's free list or owned by exactly one Conn; it is never shared.
type slot struct {
	key       string
	handle    engine.Handle
	createdAt time.Time
	lastUsed  time.Time
}

// keyState tracks slots and blocked waiters for one resource key.
type keyState struct {
	free     []*slot
	live     int
	waiters  []chan *slot
	draining bool
}

// Pool is a bounded per-key pool of engine handles. Safe for concurrent
// use.
type Pool struct {
	opener    engine.Opener
	pathFor   PathFunc
	cfg       Config
	maxPerKey int
	logger    *slog.Logger

	mu     sync.Mutex
	keys   map[string]*keyState
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool over the given opener. pathFor maps a resource key
// to the engine database path.
func New(opener engine.Opener, pathFor PathFunc, cfg Config) *Pool {
	cfg.ApplyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	maxPerKey := cfg.MaxPerKey
	if !opener.Concurrent() {
		// The engine locks the database file per handle; two usable
		// handles on one writable database are never allowed.
		maxPerKey = 1
	}

	p := &Pool{
		opener:    opener,
		pathFor:   pathFor,
		cfg:       cfg,
		maxPerKey: maxPerKey,
		logger:    logger,
		keys:      make(map[string]*keyState),
		done:      make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()

	return p
}

// Conn is an acquired handle. Callers must call exactly one of Release
// or Discard on every exit path.
type Conn struct {
	pool *Pool
	slot *slot
	once sync.Once
}

// Handle returns the underlying engine handle.
func (c *Conn) Handle() engine.Handle { return c.slot.handle }

// Release returns the handle to the pool's free list, or closes it if
// it expired while in use.
func (c *Conn) Release() {
	c.once.Do(func() { c.pool.release(c.slot) })
}

// Discard closes the handle instead of returning it. Used after a query
// timeout, when the handle's state is no longer trusted.
func (c *Conn) Discard() {
	c.once.Do(func() { c.pool.discard(c.slot) })
}

// Acquire returns a handle for key, blocking up to WaitTimeout (or the
// context deadline, whichever is sooner) when the key is at capacity.
func (p *Pool) Acquire(ctx context.Context, key string) (*Conn, error) {
	deadline := time.Now().Add(p.cfg.WaitTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errdefs.ErrPoolClosed
		}
		ks := p.keyState(key)
		if ks.draining {
			p.mu.Unlock()
			return nil, &errdefs.ConnectionError{Key: key, Err: fmt.Errorf("key is draining")}
		}

		// Reuse a free slot if one probes healthy. A failed probe
		// closes the handle but keeps its capacity reservation, which
		// carries into the single automatic replacement attempt below.
		if s := p.popFreeLocked(ks); s != nil {
			p.mu.Unlock()
			if err := s.handle.Ping(ctx); err == nil {
				return &Conn{pool: p, slot: s}, nil
			}
			p.logger.Warn("health probe failed, replacing handle", "key", key)
			p.closeHandle(s)
		} else if ks.live < p.maxPerKey {
			ks.live++ // reserve capacity before the blocking open
			p.mu.Unlock()
		} else {
			// At capacity: queue behind a waiter channel.
			waiter := make(chan *slot, 1)
			ks.waiters = append(ks.waiters, waiter)
			p.mu.Unlock()

			s, err := p.wait(ctx, key, waiter, deadline)
			if err != nil {
				return nil, err
			}
			if s == nil {
				// Capacity freed without a reusable slot; retry.
				continue
			}
			if err := s.handle.Ping(ctx); err != nil {
				p.logger.Warn("health probe failed, replacing handle", "key", key)
				p.closeHandle(s)
			} else {
				return &Conn{pool: p, slot: s}, nil
			}
		}

		handle, err := p.opener.Open(ctx, p.pathFor(key))
		if err != nil {
			p.unreserve(key)
			return nil, &errdefs.ConnectionError{Key: key, Err: err}
		}

		now := time.Now()
		return &Conn{pool: p, slot: &slot{
			key:       key,
			handle:    handle,
			createdAt: now,
			lastUsed:  now,
		}}, nil
	}
}

// wait blocks on the waiter channel until a slot or freed capacity is
// handed over, the deadline passes, or the context ends.
func (p *Pool) wait(ctx context.Context, key string, waiter chan *slot, deadline time.Time) (*slot, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case s := <-waiter:
		return s, nil
	case <-timer.C:
		if s, delivered := p.abandonWaiter(key, waiter); delivered {
			// A slot raced in as we timed out; use it rather than
			// failing a caller that has a handle in hand.
			return s, nil
		}
		return nil, &errdefs.ConnectionError{Key: key, Exhausted: true}
	case <-ctx.Done():
		if s, delivered := p.abandonWaiter(key, waiter); delivered {
			return s, nil
		}
		return nil, fmt.Errorf("failed to acquire connection for %q: %w", key, ctx.Err())
	}
}

// abandonWaiter removes waiter from the queue. If a handoff already
// happened it returns the delivered slot (possibly nil for a capacity
// wakeup, reported as delivered=false so the caller gives up cleanly).
func (p *Pool) abandonWaiter(key string, waiter chan *slot) (*slot, bool) {
	p.mu.Lock()
	ks := p.keys[key]
	if ks != nil {
		for i, w := range ks.waiters {
			if w == waiter {
				ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, false
			}
		}
	}
	p.mu.Unlock()

	// Not in the queue: something was already delivered.
	select {
	case s := <-waiter:
		if s != nil {
			return s, true
		}
		// Capacity wakeup lost the race with our timeout; pass the
		// wakeup on so another waiter can use it.
		p.wakeOne(key)
		return nil, false
	default:
		return nil, false
	}
}

func (p *Pool) keyState(key string) *keyState {
	ks, ok := p.keys[key]
	if !ok {
		ks = &keyState{}
		p.keys[key] = ks
	}
	return ks
}

// popFreeLocked pops the most recently used healthy-aged slot, closing
// expired ones along the way.
func (p *Pool) popFreeLocked(ks *keyState) *slot {
	now := time.Now()
	for len(ks.free) > 0 {
		s := ks.free[len(ks.free)-1]
		ks.free = ks.free[:len(ks.free)-1]
		if p.expired(s, now) {
			ks.live--
			go p.closeHandle(s)
			continue
		}
		return s
	}
	return nil
}

func (p *Pool) expired(s *slot, now time.Time) bool {
	return now.Sub(s.lastUsed) > p.cfg.IdleTimeout || now.Sub(s.createdAt) > p.cfg.ConnectionTTL
}

// release returns a slot to its key, handing it directly to a blocked
// waiter when one exists.
func (p *Pool) release(s *slot) {
	p.mu.Lock()
	ks := p.keys[s.key]
	if ks == nil || p.closed || ks.draining || p.expired(s, time.Now()) {
		if ks != nil {
			ks.live--
		}
		p.mu.Unlock()
		p.closeHandle(s)
		p.wakeOne(s.key)
		return
	}

	s.lastUsed = time.Now()
	if len(ks.waiters) > 0 {
		// Hand the slot over under the lock; the channel is buffered
		// so this never blocks, and an abandoning waiter is guaranteed
		// to observe the delivery.
		w := ks.waiters[0]
		ks.waiters = ks.waiters[1:]
		w <- s
		p.mu.Unlock()
		return
	}

	ks.free = append(ks.free, s)
	p.mu.Unlock()
}

// discard closes a slot and frees its capacity.
func (p *Pool) discard(s *slot) {
	p.closeSlot(s)
}

// closeSlot closes the handle, decrements the key's live count and wakes
// one waiter so it can attempt creation.
func (p *Pool) closeSlot(s *slot) {
	p.mu.Lock()
	if ks := p.keys[s.key]; ks != nil {
		ks.live--
	}
	p.mu.Unlock()
	p.closeHandle(s)
	p.wakeOne(s.key)
}

// unreserve releases a capacity reservation after a failed open.
func (p *Pool) unreserve(key string) {
	p.mu.Lock()
	if ks := p.keys[key]; ks != nil {
		ks.live--
	}
	p.mu.Unlock()
	p.wakeOne(key)
}

// wakeOne signals freed capacity to the oldest waiter, if any.
func (p *Pool) wakeOne(key string) {
	p.mu.Lock()
	ks := p.keys[key]
	if ks == nil || len(ks.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := ks.waiters[0]
	ks.waiters = ks.waiters[1:]
	w <- nil
	p.mu.Unlock()
}

func (p *Pool) closeHandle(s *slot) {
	if err := s.handle.Close(); err != nil {
		p.logger.Warn("failed to close handle", "key", s.key, "error", err)
	}
}

// DrainKey closes every pooled slot for key. Without force it waits for
// in-use slots to be released, up to the context deadline; with force it
// closes free slots and abandons in-use ones to their owners.
func (p *Pool) DrainKey(ctx context.Context, key string, force bool) error {
	p.mu.Lock()
	ks := p.keys[key]
	if ks == nil {
		p.mu.Unlock()
		return nil
	}
	ks.draining = true
	free := ks.free
	ks.free = nil
	ks.live -= len(free)
	for _, w := range ks.waiters {
		close(w)
	}
	ks.waiters = nil
	p.mu.Unlock()

	for _, s := range free {
		p.closeHandle(s)
	}

	if force {
		p.mu.Lock()
		delete(p.keys, key)
		p.mu.Unlock()
		return nil
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		live := ks.live
		if live <= 0 {
			delete(p.keys, key)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			// Roll back so the key keeps serving; the caller decides
			// whether to retry or force.
			p.mu.Lock()
			ks.draining = false
			p.mu.Unlock()
			return fmt.Errorf("drain of %q timed out with %d connections in use: %w", key, live, ctx.Err())
		case <-ticker.C:
		}
	}
}

// sweepLoop evicts idle and over-TTL free slots on a fixed interval.
// In-use slots are never evicted.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *Pool) sweep(now time.Time) {
	var evicted []*slot
	p.mu.Lock()
	for _, ks := range p.keys {
		kept := ks.free[:0]
		for _, s := range ks.free {
			if p.expired(s, now) {
				evicted = append(evicted, s)
				ks.live--
			} else {
				kept = append(kept, s)
			}
		}
		ks.free = kept
	}
	p.mu.Unlock()

	for _, s := range evicted {
		p.logger.Debug("evicting idle connection", "key", s.key)
		p.closeHandle(s)
		p.wakeOne(s.key)
	}
}

// KeyStats describes one key's pool state.
type KeyStats struct {
	Key     string
	Live    int
	Free    int
	Waiters int
}

// Stats returns a snapshot of every key's state.
func (p *Pool) Stats() []KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]KeyStats, 0, len(p.keys))
	for key, ks := range p.keys {
		out = append(out, KeyStats{
			Key:     key,
			Live:    ks.live,
			Free:    len(ks.free),
			Waiters: len(ks.waiters),
		})
	}
	return out
}

// Shutdown stops the sweeper and closes every free slot. In-use slots
// are closed as their owners release them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var free []*slot
	for _, ks := range p.keys {
		free = append(free, ks.free...)
		ks.live -= len(ks.free)
		ks.free = nil
		for _, w := range ks.waiters {
			close(w)
		}
		ks.waiters = nil
	}
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for _, s := range free {
		p.closeHandle(s)
	}
}
