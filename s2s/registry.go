// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mellium.im/xmppd/router"
)

// pairKey identifies an outgoing connection slot: at most one authoritative
// session exists per (local domain, remote domain) pair.
type pairKey struct {
	local  string
	remote string
}

// verifyKey identifies an outstanding dialback verification: the pair of
// domains plus the stream ID being validated.
type verifyKey struct {
	local  string
	remote string
	id     string
}

// Registry tracks the outgoing sessions of this server, one per domain pair.
// It implements router.Router so it can be plugged in as the federation hop
// of a stanza router: routing a stanza lazily creates (or reuses) the session
// for its pair.
type Registry struct {
	cfg *Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[pairKey]*Session
	verifies map[verifyKey]func(valid bool)
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := newConfig(opts...)
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[pairKey]*Session),
		verifies: make(map[verifyKey]func(bool)),
	}
}

// Route implements router.Router. The stanza's from and to domains select
// the session.
func (r *Registry) Route(ctx context.Context, st router.Stanza) error {
	return r.Send(ctx, st.From.Domainpart(), st.To.Domainpart(), st)
}

// Send queues a stanza on the session for the given pair, creating the
// session if the pair has none. The stanza is delivered once the stream is
// established, or bounced if establishment fails.
func (r *Registry) Send(ctx context.Context, local, remote string, st router.Stanza) error {
	if local == "" || remote == "" {
		return errNoRoute
	}
	// A session can terminate between lookup and enqueue; when that happens
	// the slot is free again, so a second lookup starts a fresh session.
	for i := 0; i < 2; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := r.connection(local, remote)
		if s.enqueue(st) {
			return nil
		}
	}
	return errNoRoute
}

// connection returns the live session for the pair, starting one if needed.
func (r *Registry) connection(local, remote string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey{local: local, remote: remote}
	if s, ok := r.sessions[k]; ok && !s.terminated() {
		return s
	}
	s := newSession(r, r.cfg, local, remote, RoleNew, nil)
	r.sessions[k] = s
	s.start()
	return s
}

// GetConnection returns the live session for the pair, if any.
func (r *Registry) GetConnection(local, remote string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[pairKey{local: local, remote: remote}]
	if !ok || s.terminated() {
		return nil, false
	}
	return s, true
}

// removeConnection frees the pair's slot, but only if it is still held by
// sess: the session pointer acts as the registration token, so a session
// that lost its slot to a replacement cannot evict the replacement.
func (r *Registry) removeConnection(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey{local: sess.local, remote: sess.remote}
	if r.sessions[k] == sess {
		delete(r.sessions, k)
	}
}

// TerminateIfWaitingDelay tears down the pair's session if it is sitting in
// retry backoff, so that the next stanza triggers an immediate reconnection
// attempt. Sessions in any other state are left alone.
func (r *Registry) TerminateIfWaitingDelay(local, remote string) {
	if s, ok := r.GetConnection(local, remote); ok {
		s.terminateIfWaiting()
	}
}

// SendVerify starts a verifier session that carries a dialback challenge to
// the authoritative server for remote: the key was asserted on an incoming
// stream with the given stream ID and claims to originate from remote. The
// result callback runs exactly once, with false if the verifier could not
// get an answer.
func (r *Registry) SendVerify(local, remote, streamID, key string, result func(valid bool)) {
	k := verifyKey{local: local, remote: remote, id: streamID}
	r.mu.Lock()
	if _, dup := r.verifies[k]; dup {
		r.mu.Unlock()
		r.log.Warn("duplicate dialback verification",
			zap.String("remote", remote),
			zap.String("stream_id", streamID),
		)
		result(false)
		return
	}
	r.verifies[k] = result
	r.mu.Unlock()

	s := newSession(r, r.cfg, local, remote, RoleVerify, &verifyRequest{
		streamID: streamID,
		key:      key,
	})
	s.start()
}

// resolveVerify settles an outstanding verification. Extra answers for the
// same challenge are ignored.
func (r *Registry) resolveVerify(local, remote, streamID string, valid bool) {
	k := verifyKey{local: local, remote: remote, id: streamID}
	r.mu.Lock()
	result, ok := r.verifies[k]
	if ok {
		delete(r.verifies, k)
	}
	r.mu.Unlock()
	if ok {
		result(valid)
	}
}

// Close stops every session. Queued stanzas are bounced by the terminating
// sessions.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.stop()
		<-s.Done()
	}
}
