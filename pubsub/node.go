// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"time"

	"mellium.im/xmppd/storage"
)

// Affiliation is an entity's relationship to a node.
type Affiliation string

// The affiliations defined by XEP-0060.
const (
	AffiliationOwner     Affiliation = "owner"
	AffiliationPublisher Affiliation = "publisher"
	AffiliationMember    Affiliation = "member"
	AffiliationOutcast   Affiliation = "outcast"
	AffiliationNone      Affiliation = "none"
)

// SubState is the state of one subscription.
type SubState string

// Subscription states.
const (
	SubStateSubscribed   SubState = "subscribed"
	SubStatePending      SubState = "pending"
	SubStateUnconfigured SubState = "unconfigured"
	SubStateNone         SubState = "none"
)

// Node is a pubsub node. Host is a service domain for regular pubsub or a
// user bare JID for PEP. Idx is the stable numeric key used by the per-node
// tables.
type Node struct {
	Host    string
	Path    string
	Idx     int64
	Type    string
	Parents []string
	Owners  []string
	Options NodeOptions
}

func nodeFromRecord(rec *storage.NodeRecord, defaults NodeOptions) (*Node, error) {
	opts := defaults
	if err := opts.apply(rec.Options); err != nil {
		return nil, err
	}
	return &Node{
		Host:    rec.Host,
		Path:    rec.Path,
		Idx:     rec.Idx,
		Type:    rec.Type,
		Parents: rec.Parents,
		Owners:  rec.Owners,
		Options: opts,
	}, nil
}

func (n *Node) record() *storage.NodeRecord {
	return &storage.NodeRecord{
		Host:    n.Host,
		Path:    n.Path,
		Idx:     n.Idx,
		Type:    n.Type,
		Parents: n.Parents,
		Owners:  n.Owners,
		Options: n.Options.values(),
	}
}

// isOwner reports whether the bare JID is in the node's owner set.
func (n *Node) isOwner(bare string) bool {
	for _, o := range n.Owners {
		if o == bare {
			return true
		}
	}
	return false
}

// Subscription is one entity's subscription to a node.
type Subscription struct {
	Entity string // bare JID
	Node   string
	SubID  string
	State  SubState
}

// AffiliationEntry pairs an entity with its affiliation, for the owner
// management protocol.
type AffiliationEntry struct {
	Entity      string
	Affiliation Affiliation
}

// Item is a published item.
type Item struct {
	ID        string
	Payload   []byte
	Publisher string // bare JID
	Created   time.Time
	Modified  time.Time
}

func itemFromRecord(rec *storage.ItemRecord) Item {
	return Item{
		ID:        rec.ID,
		Payload:   rec.Payload,
		Publisher: rec.ModifiedBy,
		Created:   rec.CreatedAt,
		Modified:  rec.ModifiedAt,
	}
}
