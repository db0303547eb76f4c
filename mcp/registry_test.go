// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"testing"
	"time"
)

func TestSessionRegistryAddGetRemove(t *testing.T) {
	r := NewSessionRegistry(SessionRegistryOptions{SweepInterval: time.Hour})
	defer r.Shutdown()

	s := newHTTPSession("s1", NewStreamableServerTransport("s1"), nil)
	if !r.TryAdd(s) {
		t.Fatal("TryAdd on a fresh id should succeed")
	}
	if r.TryAdd(s) {
		t.Fatal("TryAdd on a duplicate id should fail")
	}

	got, ok := r.TryGet("s1")
	if !ok || got != s {
		t.Fatalf("TryGet(s1) = %v, %v", got, ok)
	}

	removed, ok := r.TryRemove("s1")
	if !ok || removed != s {
		t.Fatalf("TryRemove(s1) = %v, %v", removed, ok)
	}
	if _, ok := r.TryGet("s1"); ok {
		t.Fatal("session still present after TryRemove")
	}
}

func TestUserIDClaimEqual(t *testing.T) {
	a := &UserIDClaim{Type: "jwt", Value: "alice", Issuer: "issuer"}
	b := &UserIDClaim{Type: "jwt", Value: "alice", Issuer: "issuer"}
	c := &UserIDClaim{Type: "jwt", Value: "bob", Issuer: "issuer"}

	if !a.Equal(b) {
		t.Fatal("identical claims should be equal")
	}
	if a.Equal(c) {
		t.Fatal("differing claims should not be equal")
	}
	if !(*UserIDClaim)(nil).Equal(nil) {
		t.Fatal("two nil claims (anonymous) should be equal")
	}
	if a.Equal(nil) || (*UserIDClaim)(nil).Equal(a) {
		t.Fatal("a claim and anonymous should never be equal")
	}
}

// TestSweepIdleTimeout verifies §4.6: a session idle longer than IdleTimeout
// is closed by the sweeper.
func TestSweepIdleTimeout(t *testing.T) {
	r := NewSessionRegistry(SessionRegistryOptions{IdleTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	defer r.Shutdown()

	s := newHTTPSession("idle", NewStreamableServerTransport("idle"), nil)
	r.TryAdd(s)

	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was never swept")
	}
	if _, ok := r.TryGet("idle"); ok {
		t.Fatal("swept session should have been removed from the registry")
	}
}

// TestSweepRespectsRefCount verifies a session with a nonzero reference
// count (an in-flight HTTP request) is never evicted even past IdleTimeout.
func TestSweepRespectsRefCount(t *testing.T) {
	r := NewSessionRegistry(SessionRegistryOptions{IdleTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	defer r.Shutdown()

	s := newHTTPSession("busy", NewStreamableServerTransport("busy"), nil)
	s.Acquire()
	r.TryAdd(s)

	time.Sleep(100 * time.Millisecond)

	if _, ok := r.TryGet("busy"); !ok {
		t.Fatal("busy session should not have been swept")
	}
	s.Release()
}

// TestSweepMaxIdleSessionCountEvictsOldest verifies the documented overflow
// strategy: when idle sessions exceed MaxIdleSessionCount, the oldest (by
// last activity) are closed first.
func TestSweepMaxIdleSessionCountEvictsOldest(t *testing.T) {
	r := NewSessionRegistry(SessionRegistryOptions{MaxIdleSessionCount: 1, SweepInterval: 5 * time.Millisecond})
	defer r.Shutdown()

	oldest := newHTTPSession("oldest", NewStreamableServerTransport("oldest"), nil)
	oldest.lastActivityTicks.Store(time.Now().Add(-time.Hour).UnixNano())
	r.TryAdd(oldest)

	newest := newHTTPSession("newest", NewStreamableServerTransport("newest"), nil)
	r.TryAdd(newest)

	select {
	case <-oldest.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("oldest session was never evicted on overflow")
	}
	if _, ok := r.TryGet("newest"); !ok {
		t.Fatal("newest session should have survived the overflow eviction")
	}
}

func TestHTTPSessionCloseIdempotent(t *testing.T) {
	s := newHTTPSession("x", NewStreamableServerTransport("x"), nil)
	s.Close()
	s.Close() // must not panic
	select {
	case <-s.closed:
	default:
		t.Fatal("closed channel should be closed")
	}
}

func TestTryStartGETAtMostOne(t *testing.T) {
	s := newHTTPSession("x", NewStreamableServerTransport("x"), nil)
	if !s.tryStartGET() {
		t.Fatal("first tryStartGET should succeed")
	}
	if s.tryStartGET() {
		t.Fatal("second concurrent tryStartGET should fail")
	}
	s.endGET()
	if !s.tryStartGET() {
		t.Fatal("tryStartGET should succeed again after endGET")
	}
}

// TestShutdownDisposesRemainingSessions verifies SessionRegistry.Shutdown
// closes every session still registered, not just those swept for idleness.
func TestShutdownDisposesRemainingSessions(t *testing.T) {
	r := NewSessionRegistry(SessionRegistryOptions{SweepInterval: time.Hour})
	s := newHTTPSession("s", NewStreamableServerTransport("s"), nil)
	r.TryAdd(s)

	r.Shutdown()

	select {
	case <-s.closed:
	default:
		t.Fatal("session should be closed after registry Shutdown")
	}
}
