// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants used by the federation packages.
package ns // import "mellium.im/xmppd/internal/ns"

// List of commonly used namespaces.
const (
	Server   = "jabber:server"
	Dialback = "jabber:server:dialback"
	Stream   = "http://etherx.jabber.org/streams"
	SASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	StartTLS = "urn:ietf:params:xml:ns:xmpp-tls"
)
