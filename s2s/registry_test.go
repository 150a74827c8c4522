// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"testing"
	"time"
)

func TestRegistryOneSessionPerPair(t *testing.T) {
	ln, port := listen(t)
	ln.Close()
	reg := NewRegistry(
		Secret([]byte("test secret")),
		Resolver(testResolver(port)),
	)
	defer reg.Close()

	s1 := reg.connection(testLocal, testRemote)
	s2 := reg.connection(testLocal, testRemote)
	if s1 != s2 {
		t.Fatal("two live sessions for the same pair")
	}
	if s3 := reg.connection(testLocal, "other.example"); s3 == s1 {
		t.Fatal("distinct pairs share a session")
	}
}

func TestRegistryTerminateIfWaitingDelay(t *testing.T) {
	ln, port := listen(t)
	ln.Close()
	reg := NewRegistry(
		Secret([]byte("test secret")),
		Resolver(testResolver(port)),
	)
	defer reg.Close()

	s := reg.connection(testLocal, testRemote)

	// The session needs a moment to fail its connection attempt and reach
	// the retry hold; keep poking until the command lands.
	deadline := time.After(5 * time.Second)
	for {
		reg.TerminateIfWaitingDelay(testLocal, testRemote)
		select {
		case <-s.Done():
			if _, ok := reg.GetConnection(testLocal, testRemote); ok {
				t.Fatal("terminated session still registered")
			}
			return
		case <-deadline:
			t.Fatal("session never left the retry hold")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistryStaleRemoveKeepsReplacement(t *testing.T) {
	reg := NewRegistry(Secret([]byte("test secret")))
	stale := newSession(reg, reg.cfg, testLocal, testRemote, RoleNew, nil)
	repl := newSession(reg, reg.cfg, testLocal, testRemote, RoleNew, nil)

	k := pairKey{local: testLocal, remote: testRemote}
	reg.sessions[k] = repl

	// A session that already lost its slot must not evict its replacement.
	reg.removeConnection(stale)
	if reg.sessions[k] != repl {
		t.Fatal("stale removal evicted the replacement session")
	}
	reg.removeConnection(repl)
	if _, ok := reg.sessions[k]; ok {
		t.Fatal("owner removal left the slot occupied")
	}
}

func TestRegistryDuplicateVerify(t *testing.T) {
	ln, port := listen(t)
	ln.Close()
	reg := NewRegistry(
		Secret([]byte("test secret")),
		Resolver(testResolver(port)),
	)
	defer reg.Close()

	first := make(chan bool, 1)
	second := make(chan bool, 1)
	reg.SendVerify(testLocal, testRemote, "in-1", "key", func(valid bool) { first <- valid })
	reg.SendVerify(testLocal, testRemote, "in-1", "key", func(valid bool) { second <- valid })

	select {
	case valid := <-second:
		if valid {
			t.Fatal("duplicate verification reported valid")
		}
	case <-time.After(time.Second):
		t.Fatal("duplicate verification not rejected promptly")
	}
}
