// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package pubsub implements the service side of the XMPP publish-subscribe
// protocol: a node tree with per-node access policies, affiliation and
// subscription tables, bounded item retention, and notification fan-out.
//
// A Service owns the nodes of one host. Hosts are service domains for
// regular pubsub or user bare JIDs for PEP. All node state lives in a
// storage.DB; notifications leave through a router.Router, which may deliver
// locally or relay over federation.
package pubsub // import "mellium.im/xmppd/pubsub"

// Various namespaces used by this package, provided as a convenience.
const (
	NS           = `http://jabber.org/protocol/pubsub`
	NSErrors     = `http://jabber.org/protocol/pubsub#errors`
	NSEvent      = `http://jabber.org/protocol/pubsub#event`
	NSOptions    = `http://jabber.org/protocol/pubsub#subscription-options`
	NSOwner      = `http://jabber.org/protocol/pubsub#owner`
	NSNodeConfig = `http://jabber.org/protocol/pubsub#node_config`
	NSSubAuth    = `http://jabber.org/protocol/pubsub#subscribe_authorization`
	NSSHIM       = `http://jabber.org/protocol/shim`
	NSAddress    = `http://jabber.org/protocol/address`
)
