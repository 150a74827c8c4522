// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/storage"
)

// PresenceAvailable tells the service that a resource came online. Nodes
// the bare JID is subscribed to with send_last_published_item set to
// on_sub_and_presence push their most recent item to the new resource.
// Each (node, resource) pair is pushed at most once, so presence updates
// from an already-online resource do not repeat items.
func (s *Service) PresenceAvailable(ctx context.Context, res jid.JID) error {
	return s.do(ctx, func() error {
		bare := res.Bare().String()
		var pushes []*Node
		err := s.db.Dirty(func(tx storage.Tx) error {
			states, err := tx.StatesByEntity(bare)
			if err != nil {
				return err
			}
			for _, st := range states {
				subscribed := false
				for _, e := range st.Subscriptions {
					if SubState(e.State) == SubStateSubscribed {
						subscribed = true
						break
					}
				}
				if !subscribed {
					continue
				}
				rec, err := tx.NodeByIdx(st.NodeIdx)
				if err == storage.ErrNotFound {
					continue
				}
				if err != nil {
					return err
				}
				n, err := s.loadNode(tx, rec.Host, rec.Path)
				if err != nil {
					continue
				}
				if n.Options.SendLastPublishedItem != SendLastOnSubPresence {
					continue
				}
				key := pepSentKey{nodeIdx: n.Idx, resource: res.String()}
				if s.pepSent[key] {
					continue
				}
				s.pepSent[key] = true
				pushes = append(pushes, n)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, n := range pushes {
			s.sendLastItem(n, res)
		}
		return nil
	})
}

// PresenceUnavailable tells the service that a resource went offline.
// last reports that it was the user's final available resource; nodes
// configured with purge_offline, both the user's own PEP nodes and nodes
// on the service host, then drop the items the user published, notifying
// subscribers of the retractions.
func (s *Service) PresenceUnavailable(ctx context.Context, res jid.JID, last bool) error {
	return s.do(ctx, func() error {
		full := res.String()
		for key := range s.pepSent {
			if key.resource == full {
				delete(s.pepSent, key)
			}
		}
		if !last {
			return nil
		}
		bare := res.Bare().String()

		type purge struct {
			node *Node
			ids  []string
		}
		var purged []purge
		// Both the user's own PEP nodes and service nodes the user published
		// to are scanned; on service nodes only the departing user's items
		// are dropped.
		hosts := []string{bare}
		if s.host != bare {
			hosts = append(hosts, s.host)
		}
		err := s.transact(func(tx storage.Tx) error {
			purged = purged[:0]
			for _, host := range hosts {
				recs, err := tx.NodesByHost(host)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					n, err := s.loadNode(tx, rec.Host, rec.Path)
					if err != nil {
						continue
					}
					if !n.Options.PurgeOffline {
						continue
					}
					if host == bare && !n.isOwner(bare) {
						continue
					}
					items, err := tx.Items(n.Idx)
					if err != nil {
						return err
					}
					var ids []string
					for _, it := range items {
						if it.CreatedBy != bare {
							continue
						}
						if err := tx.DeleteItem(n.Idx, it.ID); err != nil {
							return err
						}
						ids = append(ids, it.ID)
					}
					if len(ids) > 0 {
						purged = append(purged, purge{node: n, ids: ids})
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(purged) == 0 {
			return nil
		}
		return s.db.Dirty(func(tx storage.Tx) error {
			for _, p := range purged {
				s.last.drop(p.node.Idx)
				s.log.Debug("purged offline items",
					zap.String("node", p.node.Path),
					zap.Int("items", len(p.ids)),
				)
				if p.node.Options.NotifyRetract {
					s.broadcast(tx, p.node, false, retractEvent(p.node, p.ids), res)
				}
			}
			return nil
		})
	})
}
