// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/storage"
)

// checkAccess evaluates the node's access model for a subscription attempt
// and returns the state the new subscription should get. Failure is an
// *Error carrying the condition to report.
func (s *Service) checkAccess(tx storage.Tx, n *Node, requester jid.JID) (SubState, error) {
	switch n.Options.AccessModel {
	case AccessOpen:
		return SubStateSubscribed, nil

	case AccessPresence:
		ok, err := s.hasOwnerPresence(n, requester)
		if err != nil {
			return SubStateNone, err
		}
		if !ok {
			return SubStateNone, errNotAuthorized("presence-subscription-required")
		}
		return SubStateSubscribed, nil

	case AccessRoster:
		ok, err := s.hasOwnerPresence(n, requester)
		if err != nil {
			return SubStateNone, err
		}
		if ok {
			ok, err = s.inAllowedGroup(n, requester)
			if err != nil {
				return SubStateNone, err
			}
		}
		if !ok {
			return SubStateNone, errNotAuthorized("not-in-roster-group")
		}
		return SubStateSubscribed, nil

	case AccessAuthorize:
		return SubStatePending, nil

	case AccessWhitelist:
		st, err := tx.State(requester.Bare().String(), n.Idx)
		if err != nil && err != storage.ErrNotFound {
			return SubStateNone, err
		}
		if st != nil {
			switch Affiliation(st.Affiliation) {
			case AffiliationOwner, AffiliationPublisher, AffiliationMember:
				return SubStateSubscribed, nil
			}
		}
		return SubStateNone, errNotAllowed("closed-node")
	}
	return SubStateNone, errInternal()
}

// hasOwnerPresence reports whether any node owner has granted the requester
// a presence subscription.
func (s *Service) hasOwnerPresence(n *Node, requester jid.JID) (bool, error) {
	if s.roster == nil {
		return false, nil
	}
	for _, o := range n.Owners {
		owner, err := jid.Parse(o)
		if err != nil {
			continue
		}
		ok, err := s.roster.HasPresenceSubscription(owner, requester.Bare())
		if err != nil {
			return false, errInternal()
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// inAllowedGroup reports whether the requester is filed under one of the
// node's allowed roster groups in any owner's roster.
func (s *Service) inAllowedGroup(n *Node, requester jid.JID) (bool, error) {
	if s.roster == nil || len(n.Options.RosterGroupsAllowed) == 0 {
		return false, nil
	}
	allowed := make(map[string]bool, len(n.Options.RosterGroupsAllowed))
	for _, g := range n.Options.RosterGroupsAllowed {
		allowed[g] = true
	}
	for _, o := range n.Owners {
		owner, err := jid.Parse(o)
		if err != nil {
			continue
		}
		groups, err := s.roster.RosterGroups(owner, requester.Bare())
		if err != nil {
			return false, errInternal()
		}
		for _, g := range groups {
			if allowed[g] {
				return true, nil
			}
		}
	}
	return false, nil
}

// canPublish evaluates the node's publish model for the given entity.
func canPublish(n *Node, st *storage.StateRecord, bare string) bool {
	aff := AffiliationNone
	if st != nil {
		aff = Affiliation(st.Affiliation)
	}
	if aff == AffiliationOutcast {
		return false
	}
	switch n.Options.PublishModel {
	case PublishOpen:
		return true
	case PublishPublishers:
		return aff == AffiliationOwner || aff == AffiliationPublisher
	case PublishSubscribers:
		if aff == AffiliationOwner || aff == AffiliationPublisher {
			return true
		}
		if st == nil {
			return false
		}
		for _, sub := range st.Subscriptions {
			if SubState(sub.State) == SubStateSubscribed {
				return true
			}
		}
	}
	return false
}
