// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmppd contains the server-side federation core of an XMPP server:
// an outgoing server-to-server (s2s) connection manager and a
// publish-subscribe (XEP-0060) service.
//
// The root package only holds documentation. The interesting packages are:
//
//   - discover: SRV based discovery of remote server addresses
//   - dialback: key generation for XEP-0220 Server Dialback
//   - s2s: outgoing session state machines and the per-domain-pair registry
//   - pubsub: node tree, request handling, and notification fan out
//   - router: the seam between these components and the stanza router
//   - storage: the table layer backing the pubsub node tree
package xmppd // import "mellium.im/xmppd"
