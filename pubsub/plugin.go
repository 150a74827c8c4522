// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"strings"

	"mellium.im/xmpp/jid"
)

// Plugin is a node type: a capability table that controls which protocol
// features are available on nodes of this type, their default configuration,
// and who may create them. The built-in variants share defaults through
// basePlugin and override selectively.
type Plugin interface {
	// Name is the node type stored on each node record.
	Name() string

	// Features lists the XEP-0060 feature names supported by this type.
	Features() []string

	// DefaultOptions returns the configuration applied to new nodes before
	// any submitted form is merged in.
	DefaultOptions(cfg *HostConfig) NodeOptions

	// AllowCreate reports whether owner may create the node. access is the
	// host's access_createnode rule, already evaluated to a boolean for
	// non-structural rules.
	AllowCreate(host, path string, owner jid.JID, allowed bool) bool

	// DirtyReads reports whether read paths and item writes may use the
	// store's dirty mode instead of full transactions.
	DirtyReads() bool
}

// baseFeatures are the features every built-in plugin supports.
var baseFeatures = []string{
	"create-nodes",
	"delete-nodes",
	"delete-items",
	"instant-nodes",
	"item-ids",
	"outcast-affiliation",
	"persistent-items",
	"publish",
	"purge-nodes",
	"retract-items",
	"retrieve-affiliations",
	"retrieve-items",
	"retrieve-subscriptions",
	"subscribe",
	"subscription-notifications",
	"subscription-options",
	"config-node",
	"modify-affiliations",
	"manage-subscriptions",
	"access-open",
	"access-presence",
	"access-roster",
	"access-authorize",
	"access-whitelist",
}

type basePlugin struct{}

func (basePlugin) Features() []string { return baseFeatures }

func (basePlugin) DefaultOptions(cfg *HostConfig) NodeOptions {
	return defaultOptions(cfg.MaxItemsNode)
}

func (basePlugin) AllowCreate(host, path string, owner jid.JID, allowed bool) bool {
	return allowed
}

func (basePlugin) DirtyReads() bool { return true }

// flatPlugin is the default service node type: a flat namespace where any
// entity passing the host's create rule may create any path.
type flatPlugin struct{ basePlugin }

// Flat returns the flat node type.
func Flat() Plugin { return flatPlugin{} }

func (flatPlugin) Name() string { return "flat" }

// homeTreePlugin restricts creation to a filesystem-like layout rooted at
// /home: users own the subtree /home/<host>/<localpart>.
type homeTreePlugin struct{ basePlugin }

// HomeTree returns the hometree node type.
func HomeTree() Plugin { return homeTreePlugin{} }

func (homeTreePlugin) Name() string { return "hometree" }

func (homeTreePlugin) AllowCreate(host, path string, owner jid.JID, allowed bool) bool {
	if !allowed {
		return false
	}
	prefix := "/home/" + owner.Domainpart() + "/" + owner.Localpart()
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Transactions only: hometree paths form a tree that create and delete walk.
func (homeTreePlugin) DirtyReads() bool { return false }

// pepPlugin serves nodes hosted on a user's bare JID. Only the user may
// create nodes, nodes auto-create on first publish, and the last published
// item is pushed on presence.
type pepPlugin struct{ basePlugin }

// PEP returns the PEP node type.
func PEP() Plugin { return pepPlugin{} }

func (pepPlugin) Name() string { return "pep" }

func (pepPlugin) Features() []string {
	return append([]string{
		"auto-create",
		"filtered-notifications",
		"last-published",
	}, baseFeatures...)
}

func (p pepPlugin) DefaultOptions(cfg *HostConfig) NodeOptions {
	opts := defaultOptions(cfg.MaxItemsNode)
	opts.AccessModel = AccessPresence
	opts.SendLastPublishedItem = SendLastOnSubPresence
	opts.PresenceBasedDelivery = true
	return opts
}

func (pepPlugin) AllowCreate(host, path string, owner jid.JID, allowed bool) bool {
	// A PEP host is the user's own bare JID.
	return owner.Bare().String() == host
}

func pluginHasFeature(p Plugin, feature string) bool {
	for _, f := range p.Features() {
		if f == feature {
			return true
		}
	}
	return false
}
