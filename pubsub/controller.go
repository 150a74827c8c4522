// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"bytes"
	"context"
	"encoding/xml"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/form"
	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/internal/attr"
	"mellium.im/xmppd/storage"
)

// CreateNode creates a node on host owned by owner. An empty path requests
// an instant node with a server-generated path; the final path is returned.
// typ selects the node type ("" uses the host default) and config is the
// submitted configuration form, if any.
func (s *Service) CreateNode(ctx context.Context, host, path string, owner jid.JID, typ string, config *form.Data) (string, error) {
	var node *Node
	err := s.do(ctx, func() error {
		p := s.plugin(host, typ)
		if path == "" {
			if !pluginHasFeature(p, "instant-nodes") {
				return Unsupported("instant-nodes")
			}
			path = attr.RandomID()
		}
		opts := p.DefaultOptions(s.Config())
		if err := opts.apply(formValues(config)); err != nil {
			return errNotAcceptable()
		}
		if !s.mayCreate(p, host, path, owner) {
			return errForbidden()
		}
		err := s.transact(func(tx storage.Tx) error {
			if _, err := tx.NodeByPath(host, path); err == nil {
				return errConflict()
			} else if err != storage.ErrNotFound {
				return err
			}
			for _, parent := range opts.Collection {
				if _, err := tx.NodeByPath(host, parent); err == storage.ErrNotFound {
					return errItemNotFound()
				} else if err != nil {
					return err
				}
			}
			idx, err := tx.NextNodeIdx()
			if err != nil {
				return err
			}
			node = &Node{
				Host:    host,
				Path:    path,
				Idx:     idx,
				Type:    p.Name(),
				Owners:  []string{owner.Bare().String()},
				Options: opts,
			}
			if err := tx.PutNode(node.record()); err != nil {
				return err
			}
			return tx.PutState(&storage.StateRecord{
				Entity:      owner.Bare().String(),
				NodeIdx:     idx,
				Affiliation: string(AffiliationOwner),
			})
		})
		if err != nil {
			return err
		}
		s.log.Info("node created",
			zap.String("node", path),
			zap.String("owner", owner.Bare().String()),
		)
		return s.db.Dirty(func(tx storage.Tx) error {
			s.broadcast(tx, node, true, createEvent(node), owner)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return node.Path, nil
}

// Subscribe subscribes subscriber to the node. The returned subscription
// state is "pending" when the access model defers to owner authorization.
func (s *Service) Subscribe(ctx context.Context, host, path string, requester, subscriber jid.JID, options *form.Data) (*Subscription, error) {
	var (
		result *Subscription
		node   *Node
	)
	err := s.do(ctx, func() error {
		if !requester.Bare().Equal(subscriber.Bare()) {
			return errBadRequest("invalid-jid")
		}
		bare := subscriber.Bare().String()
		err := s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			node = n
			p := s.plugin(host, n.Type)
			if !pluginHasFeature(p, "subscribe") || !n.Options.Subscribe {
				return Unsupported("subscribe")
			}
			if options != nil && !pluginHasFeature(p, "subscription-options") {
				return Unsupported("subscription-options")
			}

			st, err := tx.State(bare, n.Idx)
			if err == storage.ErrNotFound {
				st = nil
			} else if err != nil {
				return err
			}
			if st != nil && Affiliation(st.Affiliation) == AffiliationOutcast {
				return errForbidden()
			}
			if st != nil {
				for _, e := range st.Subscriptions {
					if SubState(e.State) == SubStateSubscribed {
						// Multi-subscribe is not enabled; the existing
						// subscription is returned as-is.
						result = &Subscription{Entity: bare, Node: path, SubID: e.SubID, State: SubStateSubscribed}
						return nil
					}
				}
			}

			state, err := s.checkAccess(tx, n, subscriber)
			if err != nil {
				return err
			}
			subID := attr.RandomID()
			if st == nil {
				st = &storage.StateRecord{Entity: bare, NodeIdx: n.Idx, Affiliation: string(AffiliationNone)}
			}
			st.Subscriptions = append(st.Subscriptions, storage.SubEntry{State: string(state), SubID: subID})
			if err := tx.PutState(st); err != nil {
				return err
			}
			if options != nil {
				opts := defaultSubOptions()
				if err := opts.apply(formValues(options)); err != nil {
					return errNotAcceptable()
				}
				if err := tx.PutSubOptions(&storage.SubOptionsRecord{
					SubID:   subID,
					Entity:  bare,
					NodeIdx: n.Idx,
					Options: opts.values(),
				}); err != nil {
					return err
				}
			}
			result = &Subscription{Entity: bare, Node: path, SubID: subID, State: state}
			return nil
		})
		if err != nil {
			return err
		}

		switch result.State {
		case SubStatePending:
			s.sendAuthRequests(node, *result)
		case SubStateSubscribed:
			if node.Options.SendLastPublishedItem != SendLastNever {
				s.sendLastItem(node, subscriber)
			}
			if node.Options.NotifySub {
				s.notifyOwnersSub(node, *result)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unsubscribe removes a subscription. An empty subID is accepted when the
// entity holds exactly one subscription to the node.
func (s *Service) Unsubscribe(ctx context.Context, host, path string, requester, subscriber jid.JID, subID string) error {
	return s.do(ctx, func() error {
		if !requester.Bare().Equal(subscriber.Bare()) {
			return errForbidden()
		}
		bare := subscriber.Bare().String()
		return s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			st, err := tx.State(bare, n.Idx)
			if err == storage.ErrNotFound {
				return errItemNotFound()
			}
			if err != nil {
				return err
			}
			if subID == "" && len(st.Subscriptions) > 1 {
				return errBadRequest("subid-required")
			}
			kept := st.Subscriptions[:0]
			removed := false
			for _, e := range st.Subscriptions {
				if !removed && (subID == "" || e.SubID == subID) {
					removed = true
					if err := tx.DeleteSubOptions(e.SubID); err != nil {
						return err
					}
					continue
				}
				kept = append(kept, e)
			}
			if !removed {
				return errItemNotFound()
			}
			st.Subscriptions = kept
			if len(st.Subscriptions) == 0 && Affiliation(st.Affiliation) == AffiliationNone {
				return tx.DeleteState(bare, n.Idx)
			}
			return tx.PutState(st)
		})
	})
}

// Publish stores an item on the node and broadcasts it. An empty itemID is
// replaced with a generated one; the effective ID is returned. Nodes whose
// type supports auto-create are created on first publish.
func (s *Service) Publish(ctx context.Context, host, path string, publisher jid.JID, itemID string, payload []byte) (string, error) {
	if itemID == "" {
		itemID = attr.RandomID()
	}
	err := s.do(ctx, func() error {
		cfg := s.Config()
		if isPEPHost(host) {
			if mapped, ok := cfg.PEPMapping[path]; ok {
				path = mapped
			}
		}
		bare := publisher.Bare().String()

		node, err := s.publishNode(host, path, publisher)
		if err != nil {
			return err
		}
		p := s.plugin(host, node.Type)
		if !pluginHasFeature(p, "publish") {
			return Unsupported("publish")
		}
		if err := checkPayload(node, payload); err != nil {
			return err
		}

		var (
			evicted []string
			item    = Item{
				ID:        itemID,
				Payload:   payload,
				Publisher: bare,
				Created:   time.Now().UTC(),
				Modified:  time.Now().UTC(),
			}
		)
		err = s.view(p, func(tx storage.Tx) error {
			st, err := tx.State(bare, node.Idx)
			if err == storage.ErrNotFound {
				st = nil
			} else if err != nil {
				return err
			}
			if !canPublish(node, st, bare) {
				return errForbidden()
			}
			if node.Options.PersistItems && node.Options.MaxItems > 0 {
				rec := &storage.ItemRecord{
					NodeIdx:    node.Idx,
					ID:         item.ID,
					Payload:    payload,
					CreatedAt:  item.Created,
					CreatedBy:  bare,
					ModifiedAt: item.Modified,
					ModifiedBy: bare,
				}
				if prev, err := tx.Item(node.Idx, item.ID); err == nil {
					rec.CreatedAt = prev.CreatedAt
					rec.CreatedBy = prev.CreatedBy
				} else if err != storage.ErrNotFound {
					return err
				}
				if err := tx.PutItem(rec); err != nil {
					return err
				}
				items, err := tx.Items(node.Idx)
				if err != nil {
					return err
				}
				for _, extra := range items[min(len(items), node.Options.MaxItems):] {
					if err := tx.DeleteItem(node.Idx, extra.ID); err != nil {
						return err
					}
					evicted = append(evicted, extra.ID)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if cfg.LastItemCache || !node.Options.PersistItems {
			s.last.put(node.Idx, item)
		}

		if isPEPHost(host) && cfg.IgnorePEPFromOffline && s.presence != nil &&
			len(s.presence.Resources(publisher.Bare())) == 0 {
			s.log.Debug("suppressing notifications for offline publisher",
				zap.String("node", path),
				zap.String("publisher", bare),
			)
			return nil
		}
		return s.db.Dirty(func(tx storage.Tx) error {
			s.broadcast(tx, node, false, itemsEvent(node, &item, node.Options.DeliverPayloads), publisher)
			if len(evicted) > 0 && node.Options.NotifyRetract {
				s.broadcast(tx, node, false, retractEvent(node, evicted), publisher)
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return itemID, nil
}

// publishNode loads the target node, creating it when the type supports
// auto-create.
func (s *Service) publishNode(host, path string, publisher jid.JID) (*Node, error) {
	var node *Node
	err := s.db.Dirty(func(tx storage.Tx) error {
		n, err := s.loadNode(tx, host, path)
		if err == nil {
			node = n
		}
		return err
	})
	if err == nil {
		return node, nil
	}
	psErr, ok := err.(*Error)
	if !ok || psErr.Condition() != "item-not-found" {
		return nil, err
	}
	p := s.plugin(host, "")
	if !pluginHasFeature(p, "auto-create") {
		return nil, errItemNotFound()
	}
	if _, err := s.createNodeLocked(host, path, publisher, p, nil); err != nil {
		return nil, err
	}
	err = s.db.Dirty(func(tx storage.Tx) error {
		n, err := s.loadNode(tx, host, path)
		if err == nil {
			node = n
		}
		return err
	})
	return node, err
}

// createNodeLocked inserts a node without going through the service
// mailbox; it must only be called from the service task.
func (s *Service) createNodeLocked(host, path string, owner jid.JID, p Plugin, config map[string][]string) (*Node, error) {
	opts := p.DefaultOptions(s.Config())
	if err := opts.apply(config); err != nil {
		return nil, errNotAcceptable()
	}
	if !s.mayCreate(p, host, path, owner) {
		return nil, errForbidden()
	}
	var node *Node
	err := s.transact(func(tx storage.Tx) error {
		if _, err := tx.NodeByPath(host, path); err == nil {
			return errConflict()
		} else if err != storage.ErrNotFound {
			return err
		}
		idx, err := tx.NextNodeIdx()
		if err != nil {
			return err
		}
		node = &Node{
			Host:    host,
			Path:    path,
			Idx:     idx,
			Type:    p.Name(),
			Owners:  []string{owner.Bare().String()},
			Options: opts,
		}
		if err := tx.PutNode(node.record()); err != nil {
			return err
		}
		return tx.PutState(&storage.StateRecord{
			Entity:      owner.Bare().String(),
			NodeIdx:     idx,
			Affiliation: string(AffiliationOwner),
		})
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// checkPayload enforces the node's payload rules.
func checkPayload(n *Node, payload []byte) error {
	needPayload := n.Options.DeliverPayloads || n.Options.PersistItems
	if needPayload && len(payload) == 0 {
		return errBadRequest("payload-required")
	}
	if !needPayload && len(payload) > 0 {
		return errBadRequest("item-forbidden")
	}
	if len(payload) == 0 {
		return nil
	}
	if n.Options.MaxPayloadSize > 0 && len(payload) > n.Options.MaxPayloadSize {
		return &Error{
			Err:    errNotAcceptable().Err,
			PubSub: "payload-too-big",
		}
	}
	if n.Options.Type != "" {
		dec := xml.NewDecoder(bytes.NewReader(payload))
		count := 0
		for {
			tok, err := dec.Token()
			if err != nil {
				break
			}
			se, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}
			count++
			if se.Name.Space != n.Options.Type {
				return errBadRequest("invalid-payload")
			}
			if err := dec.Skip(); err != nil {
				break
			}
		}
		if count != 1 {
			return errBadRequest("invalid-payload")
		}
	}
	return nil
}

// Retract removes a single item. forceNotify broadcasts the retraction even
// when the node is not configured to notify.
func (s *Service) Retract(ctx context.Context, host, path string, publisher jid.JID, itemID string, forceNotify bool) error {
	return s.do(ctx, func() error {
		var node *Node
		bare := publisher.Bare().String()
		err := s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			node = n
			p := s.plugin(host, n.Type)
			if !pluginHasFeature(p, "persistent-items") || !pluginHasFeature(p, "delete-items") {
				return Unsupported("delete-items")
			}
			it, err := tx.Item(n.Idx, itemID)
			if err == storage.ErrNotFound {
				return errItemNotFound()
			}
			if err != nil {
				return err
			}
			st, err := tx.State(bare, n.Idx)
			if err == storage.ErrNotFound {
				st = nil
			} else if err != nil {
				return err
			}
			if !canPublish(n, st, bare) && it.CreatedBy != bare {
				return errForbidden()
			}
			return tx.DeleteItem(n.Idx, itemID)
		})
		if err != nil {
			return err
		}
		s.last.dropItem(node.Idx, itemID)
		if node.Options.NotifyRetract || forceNotify {
			return s.db.Dirty(func(tx storage.Tx) error {
				s.broadcast(tx, node, false, retractEvent(node, []string{itemID}), publisher)
				return nil
			})
		}
		return nil
	})
}

// Purge removes every item on the node.
func (s *Service) Purge(ctx context.Context, host, path string, requester jid.JID) error {
	return s.do(ctx, func() error {
		var node *Node
		err := s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			node = n
			if !pluginHasFeature(s.plugin(host, n.Type), "purge-nodes") {
				return Unsupported("purge-nodes")
			}
			if !n.isOwner(requester.Bare().String()) {
				return errForbidden()
			}
			return tx.DeleteNodeItems(n.Idx)
		})
		if err != nil {
			return err
		}
		s.last.drop(node.Idx)
		return s.db.Dirty(func(tx storage.Tx) error {
			s.broadcast(tx, node, false, purgeEvent(node), requester)
			return nil
		})
	})
}

// Delete removes the node and every node beneath it in the collection tree.
func (s *Service) Delete(ctx context.Context, host, path string, requester jid.JID) error {
	type deleteNotice struct {
		node *Node
		recs []recipient
	}
	return s.do(ctx, func() error {
		var (
			doomed  []*Node
			notices []deleteNotice
		)
		err := s.transact(func(tx storage.Tx) error {
			doomed = doomed[:0]
			notices = notices[:0]
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if !pluginHasFeature(s.plugin(host, n.Type), "delete-nodes") {
				return Unsupported("delete-nodes")
			}
			if !n.isOwner(requester.Bare().String()) {
				return errForbidden()
			}

			// Collect the subtree, then delete leaves-up.
			queue := []*Node{n}
			seen := map[string]bool{n.Path: true}
			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				doomed = append(doomed, cur)
				children, err := s.childPaths(tx, cur)
				if err != nil {
					return err
				}
				for _, c := range children {
					if seen[c] {
						continue
					}
					seen[c] = true
					child, err := s.loadNode(tx, host, c)
					if err != nil {
						continue
					}
					queue = append(queue, child)
				}
			}
			// Snapshot the recipient sets before any state is destroyed:
			// once the subscriptions are gone there is nobody left to
			// compute a notification for.
			for _, d := range doomed {
				if !d.Options.NotifyDelete || !d.Options.DeliverNotifications {
					continue
				}
				recs, err := s.recipients(tx, d, true)
				if err != nil {
					return err
				}
				if len(recs) > 0 {
					notices = append(notices, deleteNotice{node: d, recs: recs})
				}
			}
			for i := len(doomed) - 1; i >= 0; i-- {
				d := doomed[i]
				if err := tx.DeleteNodeItems(d.Idx); err != nil {
					return err
				}
				if err := tx.DeleteNodeStates(d.Idx); err != nil {
					return err
				}
				if err := tx.DeleteNode(d.Host, d.Path); err != nil {
					return err
				}
				if err := tx.ReleaseNodeIdx(d.Idx); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, d := range doomed {
			s.last.drop(d.Idx)
		}
		for _, notice := range notices {
			s.deliver(notice.node, notice.recs, deleteEvent(notice.node), requester)
		}
		return nil
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Items returns up to max items, newest first. max <= 0 uses the node's
// max_items.
func (s *Service) Items(ctx context.Context, host, path string, requester jid.JID, max int) ([]Item, error) {
	var out []Item
	err := s.do(ctx, func() error {
		return s.db.Dirty(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if err := s.canRetrieve(tx, n, requester); err != nil {
				return err
			}
			if max <= 0 {
				max = n.Options.MaxItems
			}
			recs, err := tx.Items(n.Idx)
			if err != nil {
				return err
			}
			for _, rec := range recs[:min(len(recs), max)] {
				out = append(out, itemFromRecord(rec))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Item returns a single item by ID.
func (s *Service) Item(ctx context.Context, host, path string, requester jid.JID, id string) (Item, error) {
	var out Item
	err := s.do(ctx, func() error {
		return s.db.Dirty(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if err := s.canRetrieve(tx, n, requester); err != nil {
				return err
			}
			rec, err := tx.Item(n.Idx, id)
			if err == storage.ErrNotFound {
				return errItemNotFound()
			}
			if err != nil {
				return err
			}
			out = itemFromRecord(rec)
			return nil
		})
	})
	return out, err
}

// canRetrieve applies the access model to item retrieval.
func (s *Service) canRetrieve(tx storage.Tx, n *Node, requester jid.JID) error {
	bare := requester.Bare().String()
	if n.isOwner(bare) {
		return nil
	}
	st, err := tx.State(bare, n.Idx)
	if err == storage.ErrNotFound {
		st = nil
	} else if err != nil {
		return err
	}
	if st != nil && Affiliation(st.Affiliation) == AffiliationOutcast {
		return errForbidden()
	}
	switch n.Options.AccessModel {
	case AccessOpen:
		return nil
	case AccessPresence, AccessRoster:
		_, err := s.checkAccess(tx, n, requester)
		return err
	case AccessAuthorize, AccessWhitelist:
		if st != nil {
			switch Affiliation(st.Affiliation) {
			case AffiliationPublisher, AffiliationMember:
				return nil
			}
			for _, sub := range st.Subscriptions {
				if SubState(sub.State) == SubStateSubscribed {
					return nil
				}
			}
		}
		return errNotAllowed("closed-node")
	}
	return errInternal()
}

// Affiliations returns the node's affiliation table. Owner-only.
func (s *Service) Affiliations(ctx context.Context, host, path string, requester jid.JID) ([]AffiliationEntry, error) {
	var out []AffiliationEntry
	err := s.do(ctx, func() error {
		return s.db.Dirty(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if !n.isOwner(requester.Bare().String()) {
				return errForbidden()
			}
			states, err := tx.StatesByNode(n.Idx)
			if err != nil {
				return err
			}
			for _, st := range states {
				if Affiliation(st.Affiliation) == AffiliationNone {
					continue
				}
				out = append(out, AffiliationEntry{Entity: st.Entity, Affiliation: Affiliation(st.Affiliation)})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetAffiliations applies affiliation changes. Owner-only. Granting "owner"
// adds the entity to the node owner set; setting "none" removes the
// affiliation. Removing the last owner is refused.
func (s *Service) SetAffiliations(ctx context.Context, host, path string, requester jid.JID, changes []AffiliationEntry) error {
	return s.do(ctx, func() error {
		return s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if !n.isOwner(requester.Bare().String()) {
				return errForbidden()
			}
			for _, ch := range changes {
				switch ch.Affiliation {
				case AffiliationOwner, AffiliationPublisher, AffiliationMember, AffiliationOutcast, AffiliationNone:
				default:
					return errBadRequest("")
				}
				st, err := tx.State(ch.Entity, n.Idx)
				if err == storage.ErrNotFound {
					st = &storage.StateRecord{Entity: ch.Entity, NodeIdx: n.Idx, Affiliation: string(AffiliationNone)}
				} else if err != nil {
					return err
				}
				wasOwner := Affiliation(st.Affiliation) == AffiliationOwner
				if wasOwner && ch.Affiliation != AffiliationOwner {
					if len(n.Owners) == 1 && n.Owners[0] == ch.Entity {
						return errNotAcceptable()
					}
					kept := n.Owners[:0]
					for _, o := range n.Owners {
						if o != ch.Entity {
							kept = append(kept, o)
						}
					}
					n.Owners = kept
				}
				if !wasOwner && ch.Affiliation == AffiliationOwner && !n.isOwner(ch.Entity) {
					n.Owners = append(n.Owners, ch.Entity)
				}
				st.Affiliation = string(ch.Affiliation)
				if ch.Affiliation == AffiliationNone && len(st.Subscriptions) == 0 {
					if err := tx.DeleteState(ch.Entity, n.Idx); err != nil {
						return err
					}
					continue
				}
				if err := tx.PutState(st); err != nil {
					return err
				}
			}
			return tx.PutNode(n.record())
		})
	})
}

// Subscriptions lists subscriptions on the node: all of them for owners,
// the requester's own otherwise.
func (s *Service) Subscriptions(ctx context.Context, host, path string, requester jid.JID) ([]Subscription, error) {
	var out []Subscription
	err := s.do(ctx, func() error {
		return s.db.Dirty(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			bare := requester.Bare().String()
			owner := n.isOwner(bare)
			states, err := tx.StatesByNode(n.Idx)
			if err != nil {
				return err
			}
			for _, st := range states {
				if !owner && st.Entity != bare {
					continue
				}
				for _, e := range st.Subscriptions {
					out = append(out, Subscription{
						Entity: st.Entity,
						Node:   path,
						SubID:  e.SubID,
						State:  SubState(e.State),
					})
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSubscriptions applies subscription state changes. Owner-only. Entries
// are applied independently, each in its own transaction: a failing entry
// does not roll back earlier ones, and the first failure is reported after
// all entries were attempted.
func (s *Service) SetSubscriptions(ctx context.Context, host, path string, requester jid.JID, changes []Subscription) error {
	return s.do(ctx, func() error {
		var node *Node
		err := s.db.Dirty(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			node = n
			if !n.isOwner(requester.Bare().String()) {
				return errForbidden()
			}
			return nil
		})
		if err != nil {
			return err
		}

		var firstErr error
		for _, ch := range changes {
			err := s.transact(func(tx storage.Tx) error {
				return applySubChange(tx, node, ch)
			})
			if err != nil {
				s.log.Debug("subscription change failed",
					zap.String("node", path),
					zap.String("entity", ch.Entity),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = errNotAcceptable()
				}
				continue
			}
			s.notifySubChange(node, ch)
		}
		return firstErr
	})
}

func applySubChange(tx storage.Tx, n *Node, ch Subscription) error {
	switch ch.State {
	case SubStateSubscribed, SubStatePending, SubStateUnconfigured, SubStateNone:
	default:
		return errBadRequest("")
	}
	st, err := tx.State(ch.Entity, n.Idx)
	if err == storage.ErrNotFound {
		if ch.State == SubStateNone {
			return nil
		}
		st = &storage.StateRecord{Entity: ch.Entity, NodeIdx: n.Idx, Affiliation: string(AffiliationNone)}
	} else if err != nil {
		return err
	}

	if ch.State == SubStateNone {
		kept := st.Subscriptions[:0]
		for _, e := range st.Subscriptions {
			if ch.SubID == "" || e.SubID == ch.SubID {
				if err := tx.DeleteSubOptions(e.SubID); err != nil {
					return err
				}
				continue
			}
			kept = append(kept, e)
		}
		st.Subscriptions = kept
		if len(st.Subscriptions) == 0 && Affiliation(st.Affiliation) == AffiliationNone {
			return tx.DeleteState(ch.Entity, n.Idx)
		}
		return tx.PutState(st)
	}

	updated := false
	for i, e := range st.Subscriptions {
		if ch.SubID == "" || e.SubID == ch.SubID {
			st.Subscriptions[i].State = string(ch.State)
			updated = true
			break
		}
	}
	if !updated {
		subID := ch.SubID
		if subID == "" {
			subID = attr.RandomID()
		}
		st.Subscriptions = append(st.Subscriptions, storage.SubEntry{State: string(ch.State), SubID: subID})
	}
	return tx.PutState(st)
}

// notifySubChange tells the affected entity about its new subscription
// state.
func (s *Service) notifySubChange(n *Node, ch Subscription) {
	to, err := jid.Parse(ch.Entity)
	if err != nil {
		return
	}
	from, err := jid.Parse(n.Host)
	if err != nil {
		return
	}
	s.sendDirect(to, from, "headline", subscriptionEvent(n, ch, s.Config().LegacySubAttr))
}

// Configure validates and applies a submitted node configuration form.
// Owner-only. Unknown fields are ignored.
func (s *Service) Configure(ctx context.Context, host, path string, requester jid.JID, config *form.Data) error {
	return s.do(ctx, func() error {
		var node *Node
		err := s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if !pluginHasFeature(s.plugin(host, n.Type), "config-node") {
				return Unsupported("config-node")
			}
			if !n.isOwner(requester.Bare().String()) {
				return errForbidden()
			}
			if err := n.Options.apply(formValues(config)); err != nil {
				return errNotAcceptable()
			}
			node = n
			return tx.PutNode(n.record())
		})
		if err != nil {
			return err
		}
		s.log.Info("node reconfigured", zap.String("node", path))
		if node.Options.NotifyConfig {
			return s.db.Dirty(func(tx storage.Tx) error {
				s.broadcast(tx, node, true, configEvent(node), requester)
				return nil
			})
		}
		return nil
	})
}

// ConfigForm returns the node configuration form with current values.
// Owner-only.
func (s *Service) ConfigForm(ctx context.Context, host, path string, requester jid.JID) (*form.Data, error) {
	var data *form.Data
	err := s.do(ctx, func() error {
		return s.db.Dirty(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if !n.isOwner(requester.Bare().String()) {
				return errForbidden()
			}
			data = n.Options.Form()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DefaultConfigForm returns the configuration form a new node on host would
// get.
func (s *Service) DefaultConfigForm(host string) *form.Data {
	opts := s.plugin(host, "").DefaultOptions(s.Config())
	return opts.Form()
}

// SubscriptionOptions returns the options form for one subscription.
func (s *Service) SubscriptionOptions(ctx context.Context, host, path string, requester jid.JID, subID string) (*form.Data, error) {
	var data *form.Data
	err := s.do(ctx, func() error {
		return s.db.Dirty(func(tx storage.Tx) error {
			opts := defaultSubOptions()
			rec, err := tx.SubOptions(subID)
			if err == nil {
				if rec.Entity != requester.Bare().String() {
					return errForbidden()
				}
				if err := opts.apply(rec.Options); err != nil {
					return errInternal()
				}
			} else if err != storage.ErrNotFound {
				return err
			}
			data = opts.Form()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SetSubscriptionOptions stores submitted subscription options.
func (s *Service) SetSubscriptionOptions(ctx context.Context, host, path string, requester jid.JID, subID string, options *form.Data) error {
	return s.do(ctx, func() error {
		bare := requester.Bare().String()
		return s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			st, err := tx.State(bare, n.Idx)
			if err == storage.ErrNotFound {
				return errItemNotFound()
			}
			if err != nil {
				return err
			}
			found := false
			for _, e := range st.Subscriptions {
				if e.SubID == subID {
					found = true
					break
				}
			}
			if !found {
				return errItemNotFound()
			}
			opts := defaultSubOptions()
			if rec, err := tx.SubOptions(subID); err == nil {
				if err := opts.apply(rec.Options); err != nil {
					return errInternal()
				}
			} else if err != storage.ErrNotFound {
				return err
			}
			if err := opts.apply(formValues(options)); err != nil {
				return errNotAcceptable()
			}
			return tx.PutSubOptions(&storage.SubOptionsRecord{
				SubID:   subID,
				Entity:  bare,
				NodeIdx: n.Idx,
				Options: opts.values(),
			})
		})
	})
}

// Authorize resolves a pending subscription: allow promotes it to
// subscribed, refusal removes it. Owner-only. The subject is notified of
// the outcome either way.
func (s *Service) Authorize(ctx context.Context, host, path string, owner, subscriber jid.JID, allow bool) error {
	return s.do(ctx, func() error {
		var (
			node   *Node
			result Subscription
		)
		bare := subscriber.Bare().String()
		err := s.transact(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			node = n
			if !n.isOwner(owner.Bare().String()) {
				return errForbidden()
			}
			st, err := tx.State(bare, n.Idx)
			if err == storage.ErrNotFound {
				return errItemNotFound()
			}
			if err != nil {
				return err
			}
			for i, e := range st.Subscriptions {
				if SubState(e.State) != SubStatePending {
					continue
				}
				if allow {
					st.Subscriptions[i].State = string(SubStateSubscribed)
					result = Subscription{Entity: bare, Node: path, SubID: e.SubID, State: SubStateSubscribed}
				} else {
					st.Subscriptions = append(st.Subscriptions[:i], st.Subscriptions[i+1:]...)
					result = Subscription{Entity: bare, Node: path, SubID: e.SubID, State: SubStateNone}
				}
				return tx.PutState(st)
			}
			return errItemNotFound()
		})
		if err != nil {
			return err
		}
		s.notifySubChange(node, result)
		if allow && node.Options.SendLastPublishedItem != SendLastNever {
			s.sendLastItem(node, subscriber)
		}
		return nil
	})
}

// sendAuthRequests delivers the subscription approval form to every owner.
func (s *Service) sendAuthRequests(n *Node, sub Subscription) {
	data := form.New(
		form.Title("PubSub subscriber request"),
		form.Instructions("An entity wishes to subscribe to this node. Submit pubsub#allow=true to approve."),
		form.Hidden("FORM_TYPE", form.Value(NSSubAuth)),
		form.Text("pubsub#node", form.Label("Node"), form.Value(n.Path)),
		form.JID("pubsub#subscriber_jid", form.Label("Subscriber address"), form.Value(sub.Entity)),
		form.Boolean("pubsub#allow", form.Label("Allow this subscription?"), form.Value("false")),
	)
	payload, err := xml.Marshal(data)
	if err != nil {
		s.log.Error("failed to marshal authorization form", zap.Error(err))
		return
	}
	from, err := jid.Parse(n.Host)
	if err != nil {
		return
	}
	for _, o := range n.Owners {
		to, err := jid.Parse(o)
		if err != nil {
			continue
		}
		s.sendDirect(to, from, "", payload)
	}
}

// notifyOwnersSub tells the node owners about a new subscriber
// (notify_sub).
func (s *Service) notifyOwnersSub(n *Node, sub Subscription) {
	from, err := jid.Parse(n.Host)
	if err != nil {
		return
	}
	event := subscriptionEvent(n, sub, s.Config().LegacySubAttr)
	for _, o := range n.Owners {
		to, err := jid.Parse(o)
		if err != nil {
			continue
		}
		s.sendDirect(to, from, "headline", event)
	}
}

// sendLastItem pushes the most recent item to a single subscriber.
func (s *Service) sendLastItem(n *Node, to jid.JID) {
	item, ok := s.last.get(n.Idx)
	if !ok {
		err := s.db.Dirty(func(tx storage.Tx) error {
			recs, err := tx.Items(n.Idx)
			if err != nil || len(recs) == 0 {
				return err
			}
			item = itemFromRecord(recs[0])
			ok = true
			return nil
		})
		if err != nil || !ok {
			return
		}
	}
	from, err := jid.Parse(n.Host)
	if err != nil {
		return
	}
	s.sendDirect(to, from, n.Options.NotificationType, itemsEvent(n, &item, n.Options.DeliverPayloads))
}
