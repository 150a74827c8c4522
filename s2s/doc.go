// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package s2s manages outgoing server-to-server XMPP streams.
//
// A Registry owns at most one authoritative Session per ordered
// (local domain, remote domain) pair. Each Session is a goroutine driving an
// XML stream state machine through DNS discovery, TCP connect, STARTTLS,
// SASL EXTERNAL, and Server Dialback, relaying stanzas once the stream is
// established. Stanzas routed to a pair before its stream is established are
// queued in order and either flushed over the negotiated stream or bounced
// back to their senders with remote-server-not-found when the connection
// attempt is abandoned.
package s2s // import "mellium.im/xmppd/s2s"
