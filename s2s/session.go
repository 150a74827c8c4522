// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"mellium.im/xmppd/dialback"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/router"
)

// Role distinguishes authoritative sessions from dialback verifier
// sub-sessions.
type Role int

const (
	// RoleNew is an authoritative session that asserts a dialback key for
	// its own domain pair and relays stanzas once established.
	RoleNew Role = iota

	// RoleVerify is a short-lived session that carries somebody else's
	// dialback challenge to the authoritative server for the remote domain.
	// Verifier sessions are not indexed in the registry and carry no stanza
	// queue.
	RoleVerify
)

// verifyRequest is the challenge carried by a RoleVerify session: the stream
// ID of the incoming stream being validated and the key asserted on it.
type verifyRequest struct {
	streamID string
	key      string
}

// Commands delivered through the session mailbox alongside reader events.
type (
	cmdSend               struct{ st router.Stanza }
	cmdTerminateIfWaiting struct{}
	cmdStop               struct{}
)

// Session is the state machine of a single outgoing stream. All mutable
// state is owned by the run goroutine; other goroutines interact with the
// session exclusively through the mailbox and the done channel.
type Session struct {
	cfg *Config
	reg *Registry
	log *zap.Logger

	local  string
	remote string
	role   Role
	verify *verifyRequest

	mailbox  chan interface{}
	done     chan struct{}
	doneOnce sync.Once

	// Owned by the run goroutine.
	state           State
	gen             int
	tp              *transport
	streamID        string
	key             string
	useV10          bool
	tlsOffered      bool
	tlsRequired     bool
	tlsEnabled      bool
	authenticated   bool
	dialbackEnabled bool
	mayTryAuth      bool
	queue           []router.Stanza
	retryDelay      time.Duration

	stateTimer *time.Timer
	stateArmed bool
	idleTimer  *time.Timer
	idleArmed  bool
}

func newSession(reg *Registry, cfg *Config, local, remote string, role Role, verify *verifyRequest) *Session {
	s := &Session{
		cfg:        cfg,
		reg:        reg,
		local:      local,
		remote:     remote,
		role:       role,
		verify:     verify,
		mailbox:    make(chan interface{}, cfg.MaxQueue+64),
		done:       make(chan struct{}),
		useV10:     true,
		mayTryAuth: true,
	}
	kind := "new"
	if role == RoleVerify {
		kind = "verify"
	}
	s.log = cfg.Logger.With(
		zap.String("local", local),
		zap.String("remote", remote),
		zap.String("role", kind),
	)
	return s
}

func (s *Session) start() {
	go s.run()
}

// Local returns the local domain of the session's pair.
func (s *Session) Local() string { return s.local }

// Remote returns the remote domain of the session's pair.
func (s *Session) Remote() string { return s.remote }

// Done returns a channel closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue hands a stanza to the session. It reports false if the session has
// already terminated and the caller must arrange a fresh session. A full
// mailbox bounces the stanza immediately rather than blocking the router.
func (s *Session) enqueue(st router.Stanza) bool {
	if s.terminated() {
		return false
	}
	select {
	case s.mailbox <- cmdSend{st: st}:
		return true
	case <-s.done:
		return false
	default:
		s.log.Warn("session mailbox full, bouncing stanza")
		s.bounce(st, stanza.Error{Type: stanza.Wait, Condition: stanza.ResourceConstraint})
		return true
	}
}

func (s *Session) terminateIfWaiting() {
	select {
	case s.mailbox <- cmdTerminateIfWaiting{}:
	case <-s.done:
	}
}

func (s *Session) stop() {
	select {
	case s.mailbox <- cmdStop{}:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer s.finish()

	s.stateTimer = time.NewTimer(time.Hour)
	s.stateTimer.Stop()
	s.idleTimer = time.NewTimer(time.Hour)
	s.idleTimer.Stop()

	s.connect()
	for s.state != StateTerminated {
		select {
		case m := <-s.mailbox:
			s.handle(m)
		case <-s.stateTimerC():
			s.onStateTimeout()
		case <-s.idleTimerC():
			s.log.Debug("idle watchdog expired")
			s.terminate()
		}
	}
}

// Timer plumbing. A nil channel blocks forever in select, so unarmed timers
// simply disappear from the event loop.

func (s *Session) armStateTimer(d time.Duration) {
	if !s.stateTimer.Stop() {
		select {
		case <-s.stateTimer.C:
		default:
		}
	}
	s.stateArmed = d > 0
	if s.stateArmed {
		s.stateTimer.Reset(d)
	}
}

func (s *Session) stateTimerC() <-chan time.Time {
	if !s.stateArmed {
		return nil
	}
	return s.stateTimer.C
}

func (s *Session) armIdleTimer(d time.Duration) {
	if !s.idleTimer.Stop() {
		select {
		case <-s.idleTimer.C:
		default:
		}
	}
	s.idleArmed = d > 0
	if s.idleArmed {
		s.idleTimer.Reset(d)
	}
}

func (s *Session) idleTimerC() <-chan time.Time {
	if !s.idleArmed {
		return nil
	}
	return s.idleTimer.C
}

func (s *Session) transition(to State) {
	s.state = to
	s.log.Debug("state transition", zap.Stringer("state", to))
	switch to {
	case StateStreamEstablished:
		s.armStateTimer(0)
		s.armIdleTimer(s.cfg.IdleTimeout)
	case StateWaitForValidation:
		// Dialback involves the remote server making its own outgoing
		// connection back to us, so it is granted a much longer deadline.
		s.armStateTimer(6 * s.cfg.StateTimeout)
	case StateWaitBeforeRetry:
		s.armStateTimer(s.retryDelay)
	case StateTerminated:
		s.armStateTimer(0)
		s.armIdleTimer(0)
	default:
		s.armStateTimer(s.cfg.StateTimeout)
	}
}

func (s *Session) terminate() {
	s.transition(StateTerminated)
}

// connect resolves the remote domain and opens the stream on the first
// reachable candidate. Total connect failure enters the retry backoff state.
func (s *Session) connect() {
	s.transition(StateOpenSocket)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StateTimeout)
	tp, err := dialTransport(ctx, s.cfg, s.remote)
	cancel()
	if err != nil {
		s.log.Debug("connect failed", zap.Error(err))
		s.enterRetry()
		return
	}
	s.tp = tp
	if err := s.sendOpening(); err != nil {
		s.tp.close()
		s.enterRetry()
		return
	}
	s.startReader()
	s.transition(StateWaitForStream)
}

// reopen closes the current socket and starts over, typically after a failed
// authentication attempt or to force pre-1.0 dialback.
func (s *Session) reopen() {
	s.transition(StateReopenSocket)
	s.gen++ // invalidate any events still in flight from the old reader
	if s.tp != nil {
		s.tp.close()
	}
	s.tlsEnabled = false
	s.connect()
}

func (s *Session) startReader() {
	s.gen++
	go s.readStream(s.gen, s.tp)
}

func (s *Session) sendOpening() error {
	var b bytes.Buffer
	b.WriteString("<?xml version='1.0'?>")
	fmt.Fprintf(&b, "<stream:stream xmlns:stream='%s' xmlns='%s' xmlns:db='%s' from='%s' to='%s'",
		ns.Stream, ns.Server, ns.Dialback, s.local, s.remote)
	if s.useV10 {
		b.WriteString(" version='1.0'")
	}
	b.WriteByte('>')
	return s.tp.send(b.Bytes())
}

func (s *Session) sendStreamError(cond string) {
	msg := fmt.Sprintf("<stream:error><%s xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>", cond)
	if err := s.tp.send([]byte(msg)); err != nil {
		s.log.Debug("failed to send stream error", zap.Error(err))
	}
}

func (s *Session) handle(m interface{}) {
	if gen, ok := eventGen(m); ok && gen != s.gen {
		// Event from a reader belonging to a previous stream generation.
		return
	}

	switch m := m.(type) {
	case cmdSend:
		s.onSend(m.st)
	case cmdTerminateIfWaiting:
		if s.state == StateWaitBeforeRetry {
			s.log.Debug("terminating session in retry hold")
			s.terminate()
		}
	case cmdStop:
		s.terminate()
	case evStreamStart:
		s.onStreamStart(m)
	case evFeatures:
		s.onFeatures(m)
	case evProceed:
		s.onProceed()
	case evTLSFailure:
		s.log.Debug("remote refused starttls")
		s.terminate()
	case evSASLSuccess:
		s.onAuthSuccess()
	case evSASLFailure:
		s.onAuthFailure()
	case evDialbackResult:
		s.onDialbackResult(m)
	case evDialbackVerify:
		s.onDialbackVerify(m)
	case evStreamEnd:
		s.log.Debug("stream closed by peer")
		s.terminate()
	case evStreamError:
		s.log.Debug("stream error from peer", zap.String("condition", m.cond))
		s.terminate()
	case evClosed:
		s.log.Debug("connection closed", zap.Error(m.err))
		s.terminate()
	}
}

func (s *Session) onSend(st router.Stanza) {
	switch {
	case s.state.established():
		s.writeStanza(st)
	case s.state == StateWaitBeforeRetry:
		// The pair is in backoff; fail fast instead of holding the stanza
		// for the whole retry delay.
		s.bounce(st, stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound})
	default:
		s.queue = append(s.queue, st)
	}
}

func (s *Session) writeStanza(st router.Stanza) {
	if err := s.tp.send(st.Bytes()); err != nil {
		s.log.Debug("send failed", zap.Error(err))
		s.queue = append([]router.Stanza{st}, s.queue...)
		s.terminate()
		return
	}
	s.armIdleTimer(s.cfg.IdleTimeout)
}

func (s *Session) onStreamStart(ev evStreamStart) {
	if s.state != StateWaitForStream {
		return
	}
	if ev.defaultNS != ns.Server {
		s.sendStreamError("invalid-namespace")
		s.terminate()
		return
	}
	s.streamID = ev.id
	if ev.dialback {
		s.dialbackEnabled = true
	}

	if ev.version == "1.0" && s.useV10 {
		s.transition(StateWaitForFeatures)
		return
	}

	// Pre-1.0 stream: Server Dialback is the only authentication available.
	if !s.dialbackEnabled {
		s.log.Debug("peer speaks neither XMPP 1.0 nor dialback")
		s.sendStreamError("bad-format")
		s.terminate()
		return
	}
	s.sendDialbackRequest()
}

func (s *Session) onFeatures(ev evFeatures) {
	if s.state != StateWaitForFeatures {
		return
	}
	s.tlsOffered = ev.startTLS
	s.tlsRequired = ev.tlsRequired
	if ev.dialback {
		s.dialbackEnabled = true
	}

	if s.role == RoleVerify {
		// Verifiers need no stream security of their own; deliver the
		// challenge as soon as the peer lets us.
		s.sendDialbackRequest()
		return
	}

	switch {
	case ev.external && s.mayTryAuth && !s.authenticated:
		if err := s.sendExternalAuth(); err != nil {
			s.log.Debug("failed to start sasl external", zap.Error(err))
			s.terminate()
			return
		}
		s.transition(StateWaitForAuthResult)
	case ev.startTLS && s.cfg.UseStartTLS && !s.tlsEnabled:
		if err := s.tp.send([]byte("<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")); err != nil {
			s.terminate()
			return
		}
		s.transition(StateWaitForStartTLSProceed)
	case ev.tlsRequired && !s.cfg.UseStartTLS:
		// The remote server requires TLS but it is disabled locally. Retry
		// the whole stream as pre-1.0 so plain dialback is negotiated.
		s.log.Debug("peer requires starttls, falling back to pre-1.0 dialback")
		s.useV10 = false
		s.reopen()
	case s.authenticated:
		s.establish()
	case s.dialbackEnabled:
		s.sendDialbackRequest()
	default:
		s.log.Debug("no usable authentication mechanism offered")
		s.terminate()
	}
}

// sendDialbackRequest sends either this session's own key assertion or the
// verify challenge it is carrying, and waits for validation.
func (s *Session) sendDialbackRequest() {
	var msg string
	if s.role == RoleVerify {
		msg = fmt.Sprintf("<db:verify from='%s' to='%s' id='%s'>%s</db:verify>",
			s.local, s.remote, s.verify.streamID, s.verify.key)
	} else {
		s.key = dialback.Key(s.cfg.Secret, s.remote, s.local, s.streamID)
		msg = fmt.Sprintf("<db:result from='%s' to='%s'>%s</db:result>",
			s.local, s.remote, s.key)
	}
	if err := s.tp.send([]byte(msg)); err != nil {
		s.terminate()
		return
	}
	s.transition(StateWaitForValidation)
}

func (s *Session) sendExternalAuth() error {
	resp, err := externalResponse(s.local)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("<auth xmlns='%s' mechanism='EXTERNAL'>%s</auth>",
		ns.SASL, base64.StdEncoding.EncodeToString(resp))
	return s.tp.send([]byte(msg))
}

func (s *Session) onProceed() {
	if s.state != StateWaitForStartTLSProceed {
		return
	}
	var cfg *tls.Config
	if s.cfg.TLSConfig != nil {
		cfg = s.cfg.TLSConfig(s.local, s.remote)
	}
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.remote
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StateTimeout)
	err := s.tp.starttls(ctx, cfg)
	cancel()
	if err != nil {
		s.log.Debug("tls handshake failed", zap.Error(err))
		s.terminate()
		return
	}
	s.tlsEnabled = true
	if err := s.sendOpening(); err != nil {
		s.terminate()
		return
	}
	s.startReader()
	s.transition(StateWaitForStream)
}

func (s *Session) onAuthSuccess() {
	if s.state != StateWaitForAuthResult {
		return
	}
	s.authenticated = true
	s.tp.resetParser()
	if err := s.sendOpening(); err != nil {
		s.terminate()
		return
	}
	s.startReader()
	s.transition(StateWaitForStream)
}

func (s *Session) onAuthFailure() {
	if s.state != StateWaitForAuthResult {
		return
	}
	// Do not try SASL again on the next stream; fall back to dialback.
	s.mayTryAuth = false
	s.reopen()
}

func (s *Session) onDialbackResult(ev evDialbackResult) {
	if s.state != StateWaitForValidation || s.role != RoleNew {
		return
	}
	if ev.typ == "valid" {
		s.establish()
		return
	}
	s.log.Debug("dialback validation failed", zap.String("type", ev.typ))
	s.terminate()
}

func (s *Session) onDialbackVerify(ev evDialbackVerify) {
	// Verify answers can arrive on the verifier's own stream or coalesced
	// onto any established stream for the pair; either way the registry
	// knows who is waiting for it.
	s.reg.resolveVerify(s.local, s.remote, ev.id, ev.typ == "valid")
	if s.role == RoleVerify && ev.id == s.verify.streamID {
		s.terminate()
	}
}

func (s *Session) establish() {
	s.transition(StateStreamEstablished)
	s.log.Info("stream established", zap.Int("queued", len(s.queue)))
	queue := s.queue
	s.queue = nil
	for i, st := range queue {
		if s.state != StateStreamEstablished {
			// A failed write re-queues the remainder for the bounce in
			// finish.
			s.queue = append(s.queue, queue[i+1:]...)
			return
		}
		s.writeStanza(st)
	}
}

// enterRetry bounces the pending queue and holds the session in backoff so
// repeated failures do not hammer the remote server. The retry timer firing
// terminates the session; the next stanza for the pair starts a fresh one.
func (s *Session) enterRetry() {
	if s.role == RoleVerify {
		// Verifiers do not retry; the incoming stream being validated will
		// time out on its own.
		s.terminate()
		return
	}
	s.retryDelay = nextRetryDelay(s.retryDelay, s.cfg.MaxRetryDelay, nil)
	s.log.Debug("entering retry hold", zap.Duration("delay", s.retryDelay))
	for _, st := range s.queue {
		s.bounce(st, stanza.Error{Type: stanza.Cancel, Condition: stanza.RemoteServerNotFound})
	}
	s.queue = nil
	s.transition(StateWaitBeforeRetry)
}

func (s *Session) onStateTimeout() {
	if s.state == StateWaitBeforeRetry {
		s.log.Debug("retry hold expired")
		s.terminate()
		return
	}
	s.log.Debug("negotiation timed out", zap.Stringer("state", s.state))
	s.terminate()
}

// finish releases everything the session owns: the socket, the registry
// slot, any unresolved verify challenge, and the stanzas still queued, which
// are bounced so nothing is silently lost.
func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })

	if s.tp != nil {
		// Best effort polite close.
		s.tp.send([]byte("</stream:stream>"))
		s.tp.close()
	}
	s.reg.removeConnection(s)
	if s.role == RoleVerify {
		s.reg.resolveVerify(s.local, s.remote, s.verify.streamID, false)
	}

	for _, st := range s.queue {
		s.bounce(st, stanza.Error{Type: stanza.Wait, Condition: stanza.RemoteServerTimeout})
	}
	s.queue = nil
drain:
	for {
		select {
		case m := <-s.mailbox:
			if m, ok := m.(cmdSend); ok {
				s.bounce(m.st, stanza.Error{Type: stanza.Wait, Condition: stanza.RemoteServerTimeout})
			}
		default:
			break drain
		}
	}
	s.log.Debug("session terminated")
}

// eventGen extracts the reader generation from an event, if it has one.
func eventGen(m interface{}) (int, bool) {
	switch m := m.(type) {
	case evStreamStart:
		return m.gen, true
	case evFeatures:
		return m.gen, true
	case evProceed:
		return m.gen, true
	case evTLSFailure:
		return m.gen, true
	case evSASLSuccess:
		return m.gen, true
	case evSASLFailure:
		return m.gen, true
	case evDialbackResult:
		return m.gen, true
	case evDialbackVerify:
		return m.gen, true
	case evStreamEnd:
		return m.gen, true
	case evStreamError:
		return m.gen, true
	case evClosed:
		return m.gen, true
	}
	return 0, false
}
