// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements C6: the process-wide HTTP session registry and its
// idle-eviction sweeper.

package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// UserIDClaim identifies the authenticated principal that created an HTTP
// session, captured once at creation time (§3, "userIdClaim"). A later
// request on the same session whose claim differs is rejected with 403
// (§8 property 6).
type UserIDClaim struct {
	Type   string
	Value  string
	Issuer string
}

// Equal reports whether c and other identify the same principal. A nil
// claim (anonymous) equals only another nil claim.
func (c *UserIDClaim) Equal(other *UserIDClaim) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Type == other.Type && c.Value == other.Value && c.Issuer == other.Issuer
}

// HTTPSession is one entry in the session registry: a Streamable HTTP
// transport plus the bookkeeping the idle tracker and request handlers need
// (§3, "HTTP session").
type HTTPSession struct {
	ID          string
	Transport   *StreamableServerTransport
	UserIDClaim *UserIDClaim

	refCount atomic.Int64
	// lastActivityTicks is a monotonic nanosecond reading, refreshed only
	// while refCount is zero (§5).
	lastActivityTicks atomic.Int64

	getRequestStarted atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}

	runCancel context.CancelFunc
	runDone   chan struct{}
}

func newHTTPSession(id string, t *StreamableServerTransport, claim *UserIDClaim) *HTTPSession {
	s := &HTTPSession{ID: id, Transport: t, UserIDClaim: claim, closed: make(chan struct{}), runDone: make(chan struct{})}
	s.lastActivityTicks.Store(time.Now().UnixNano())
	return s
}

// Acquire increments the reference count for the duration of one HTTP
// request bound to this session.
func (s *HTTPSession) Acquire() { s.refCount.Add(1) }

// Release decrements the reference count; on drop to zero,
// lastActivityTicks is refreshed with a monotonic clock read.
func (s *HTTPSession) Release() {
	if s.refCount.Add(-1) == 0 {
		s.lastActivityTicks.Store(time.Now().UnixNano())
	}
}

// idle reports whether the session currently has no bound HTTP request.
func (s *HTTPSession) idle() bool { return s.refCount.Load() == 0 }

// tryStartGET attempts to claim the single permitted concurrent GET stream,
// reporting false if one is already open (§8 property 5).
func (s *HTTPSession) tryStartGET() bool {
	return s.getRequestStarted.CompareAndSwap(false, true)
}

func (s *HTTPSession) endGET() { s.getRequestStarted.Store(false) }

// Close disposes the session: it is idempotent, cancels the background
// server-run task, and disposes the transport. Disposal of a session never
// blocks the caller; awaiting serverRunTask happens on its own goroutine.
func (s *HTTPSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.runCancel != nil {
			s.runCancel()
		}
		go func() {
			<-s.runDone
			if err := s.Transport.Close(); err != nil {
				slog.Warn("mcp: error closing session transport", "session", s.ID, "error", err)
			}
		}()
	})
}

// SessionRegistryOptions configures the idle tracker.
type SessionRegistryOptions struct {
	// IdleTimeout is the duration an inactive session may remain before the
	// sweeper closes it. Negative means no timeout. Zero is treated as "no
	// timeout" as well, to avoid silently evicting every session on the
	// first sweep of a zero-value options struct.
	IdleTimeout time.Duration
	// MaxIdleSessionCount bounds how many inactive sessions may exist at
	// once; on overflow the oldest (by lastActivityTicks) are closed.
	// Zero or negative means unbounded.
	MaxIdleSessionCount int
	// SweepInterval overrides the fixed 5s sweep period; used only by
	// tests. Zero uses the default.
	SweepInterval time.Duration
}

// SessionRegistry is the concurrent id→session mapping of C6, plus the
// background idle sweeper described in §4.6.
type SessionRegistry struct {
	opts SessionRegistryOptions

	mu       sync.RWMutex
	sessions map[string]*HTTPSession

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewSessionRegistry starts the idle sweeper and returns a ready registry.
// Callers must call Shutdown when done to stop the sweeper and close every
// remaining session.
func NewSessionRegistry(opts SessionRegistryOptions) *SessionRegistry {
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 5 * time.Second
	}
	r := &SessionRegistry{
		opts:     opts,
		sessions: make(map[string]*HTTPSession),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// TryAdd inserts s under its id if absent, reporting whether it was added.
func (r *SessionRegistry) TryAdd(s *HTTPSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return false
	}
	r.sessions[s.ID] = s
	return true
}

// TryGet returns the session for id, using ordinal (exact string) key
// comparison.
func (r *SessionRegistry) TryGet(id string) (*HTTPSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// TryRemove removes id from the registry without closing it; the caller is
// responsible for disposal.
func (r *SessionRegistry) TryRemove(id string) (*HTTPSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// snapshot returns a point-in-time copy of the registered sessions.
func (r *SessionRegistry) snapshot() []*HTTPSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*HTTPSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *SessionRegistry) sweepLoop() {
	defer close(r.stopped)
	defer func() {
		// Unexpected termination: a panic is logged, every remaining
		// session is disposed, and the sweeper exits; nothing else is
		// signalled and the process keeps running. A normal Shutdown also
		// disposes remaining sessions via this same path.
		if rec := recover(); rec != nil {
			slog.Error("mcp: idle sweeper panicked, closing all sessions", "panic", rec)
		}
		for _, s := range r.snapshot() {
			r.TryRemove(s.ID)
			s.Close()
		}
	}()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *SessionRegistry) sweep() {
	now := time.Now().UnixNano()
	var idle []*HTTPSession
	for _, s := range r.snapshot() {
		if !s.idle() {
			continue
		}
		if r.opts.IdleTimeout > 0 {
			age := time.Duration(now - s.lastActivityTicks.Load())
			if age > r.opts.IdleTimeout {
				r.TryRemove(s.ID)
				s.Close()
				continue
			}
		}
		idle = append(idle, s)
	}
	if r.opts.MaxIdleSessionCount > 0 && len(idle) > r.opts.MaxIdleSessionCount {
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].lastActivityTicks.Load() < idle[j].lastActivityTicks.Load()
		})
		overflow := idle[:len(idle)-r.opts.MaxIdleSessionCount]
		for _, s := range overflow {
			r.TryRemove(s.ID)
			s.Close()
		}
		slog.Error("mcp: idle session count exceeded MaxIdleSessionCount", "count", len(idle), "max", r.opts.MaxIdleSessionCount)
	}
}

// Shutdown stops the sweeper and disposes every remaining session.
func (r *SessionRegistry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.stopped
}
