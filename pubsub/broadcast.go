// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"bytes"
	"context"
	"encoding/xml"
	"sort"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/internal/attr"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/storage"
)

// recipient is one bare JID receiving a notification, with every
// subscription that matched merged in.
type recipient struct {
	bare   string
	subids []string

	// collection is the path of the subscribed ancestor when the match came
	// through the collection chain rather than the event node itself.
	collection string
}

// recipients computes the deduplicated recipient set for an event on n.
// structural selects node-event subscriptions (create, delete, configure)
// instead of item subscriptions.
func (s *Service) recipients(tx storage.Tx, n *Node, structural bool) ([]recipient, error) {
	chain := []ancestor{{node: n, distance: 0}}
	parents, err := s.ancestors(tx, n)
	if err != nil {
		return nil, err
	}
	chain = append(chain, parents...)

	var filter func(jid.JID, string) bool
	if isPEPHost(n.Host) {
		filter = s.Config().PEPFilter
	}

	now := time.Now()
	merged := make(map[string]*recipient)
	var order []string
	for _, link := range chain {
		states, err := tx.StatesByNode(link.node.Idx)
		if err != nil {
			return nil, err
		}
		for _, st := range states {
			for _, sub := range st.Subscriptions {
				if SubState(sub.State) != SubStateSubscribed {
					continue
				}
				opts := defaultSubOptions()
				if rec, err := tx.SubOptions(sub.SubID); err == nil {
					if err := opts.apply(rec.Options); err != nil {
						continue
					}
				} else if err != storage.ErrNotFound {
					return nil, err
				}
				if !opts.Deliver || opts.expired(now) || !opts.matchesType(structural) {
					continue
				}
				if opts.Depth != DepthAll && link.distance > opts.Depth {
					continue
				}
				if !s.passesPresence(n, opts, st.Entity) {
					continue
				}
				if filter != nil {
					bj, err := jid.Parse(st.Entity)
					if err != nil || !filter(bj, n.Path) {
						continue
					}
				}
				r, ok := merged[st.Entity]
				if !ok {
					r = &recipient{bare: st.Entity}
					if link.distance > 0 {
						r.collection = link.node.Path
					}
					merged[st.Entity] = r
					order = append(order, st.Entity)
				}
				r.subids = append(r.subids, sub.SubID)
			}
		}
	}
	sort.Strings(order)
	out := make([]recipient, 0, len(order))
	for _, bare := range order {
		out = append(out, *merged[bare])
	}
	return out, nil
}

// passesPresence applies the node's presence-based delivery flag and the
// subscription's show-state filter.
func (s *Service) passesPresence(n *Node, opts SubOptions, bare string) bool {
	if !n.Options.PresenceBasedDelivery && len(opts.ShowValues) == 0 {
		return true
	}
	if s.presence == nil {
		// No presence collaborator wired; fail open for presence-based
		// delivery but closed for explicit show filters.
		return len(opts.ShowValues) == 0
	}
	bj, err := jid.Parse(bare)
	if err != nil {
		return false
	}
	resources := s.presence.Resources(bj.Bare())
	if len(resources) == 0 {
		return false
	}
	if len(opts.ShowValues) == 0 {
		return true
	}
	for _, res := range resources {
		show := res.Show
		if show == "" {
			show = "online"
		}
		for _, want := range opts.ShowValues {
			if show == want {
				return true
			}
		}
	}
	return false
}

// event payload builders. Payloads are built by hand the same way stanzas
// are serialized: the notification inner XML is opaque to the router.

func itemsEvent(n *Node, it *Item, includePayload bool) []byte {
	var b bytes.Buffer
	b.WriteString(`<event xmlns="`)
	b.WriteString(NSEvent)
	b.WriteString(`"><items node="`)
	xml.EscapeText(&b, []byte(n.Path))
	b.WriteString(`"><item id="`)
	xml.EscapeText(&b, []byte(it.ID))
	b.WriteByte('"')
	if it.Publisher != "" {
		b.WriteString(` publisher="`)
		xml.EscapeText(&b, []byte(it.Publisher))
		b.WriteByte('"')
	}
	if includePayload && len(it.Payload) > 0 {
		b.WriteByte('>')
		b.Write(it.Payload)
		b.WriteString(`</item>`)
	} else {
		b.WriteString(`/>`)
	}
	b.WriteString(`</items></event>`)
	return b.Bytes()
}

func retractEvent(n *Node, ids []string) []byte {
	var b bytes.Buffer
	b.WriteString(`<event xmlns="`)
	b.WriteString(NSEvent)
	b.WriteString(`"><items node="`)
	xml.EscapeText(&b, []byte(n.Path))
	b.WriteString(`">`)
	for _, id := range ids {
		b.WriteString(`<retract id="`)
		xml.EscapeText(&b, []byte(id))
		b.WriteString(`"/>`)
	}
	b.WriteString(`</items></event>`)
	return b.Bytes()
}

func purgeEvent(n *Node) []byte {
	var b bytes.Buffer
	b.WriteString(`<event xmlns="`)
	b.WriteString(NSEvent)
	b.WriteString(`"><purge node="`)
	xml.EscapeText(&b, []byte(n.Path))
	b.WriteString(`"/></event>`)
	return b.Bytes()
}

func deleteEvent(n *Node) []byte {
	var b bytes.Buffer
	b.WriteString(`<event xmlns="`)
	b.WriteString(NSEvent)
	b.WriteString(`"><delete node="`)
	xml.EscapeText(&b, []byte(n.Path))
	b.WriteString(`"/></event>`)
	return b.Bytes()
}

func createEvent(n *Node) []byte {
	var b bytes.Buffer
	b.WriteString(`<event xmlns="`)
	b.WriteString(NSEvent)
	b.WriteString(`"><create node="`)
	xml.EscapeText(&b, []byte(n.Path))
	b.WriteString(`"/></event>`)
	return b.Bytes()
}

func configEvent(n *Node) []byte {
	var b bytes.Buffer
	b.WriteString(`<event xmlns="`)
	b.WriteString(NSEvent)
	b.WriteString(`"><configuration node="`)
	xml.EscapeText(&b, []byte(n.Path))
	b.WriteString(`"/></event>`)
	return b.Bytes()
}

// subscriptionEvent announces a subscription state change. The attribute is
// spelled correctly; the historical misspelling is added only behind the
// host's compatibility flag.
func subscriptionEvent(n *Node, sub Subscription, legacyAttr bool) []byte {
	var b bytes.Buffer
	b.WriteString(`<event xmlns="`)
	b.WriteString(NSEvent)
	b.WriteString(`"><subscription node="`)
	xml.EscapeText(&b, []byte(n.Path))
	b.WriteString(`" jid="`)
	xml.EscapeText(&b, []byte(sub.Entity))
	b.WriteString(`" subscription="`)
	b.WriteString(string(sub.State))
	b.WriteByte('"')
	if legacyAttr {
		b.WriteString(` subsription="`)
		b.WriteString(string(sub.State))
		b.WriteByte('"')
	}
	if sub.SubID != "" {
		b.WriteString(` subid="`)
		xml.EscapeText(&b, []byte(sub.SubID))
		b.WriteByte('"')
	}
	b.WriteString(`/></event>`)
	return b.Bytes()
}

// broadcast fans an event out to the recipient set. The stanza sender is
// the service host, or the publisher's bare JID for PEP nodes (which also
// get a replyto extended address pointing at the full publisher JID).
func (s *Service) broadcast(tx storage.Tx, n *Node, structural bool, event []byte, publisher jid.JID) {
	if !n.Options.DeliverNotifications {
		return
	}
	recipients, err := s.recipients(tx, n, structural)
	if err != nil {
		s.log.Error("failed to compute recipients",
			zap.String("node", n.Path),
			zap.Error(err),
		)
		return
	}
	s.deliver(n, recipients, event, publisher)
}

// deliver fans an event out to an already-computed recipient set. It is
// split from broadcast so that delete notifications can be sent from a set
// snapshotted before the subscription state is destroyed.
func (s *Service) deliver(n *Node, recipients []recipient, event []byte, publisher jid.JID) {
	if len(recipients) == 0 {
		return
	}

	pep := isPEPHost(n.Host)
	var from jid.JID
	if pep {
		from = publisher.Bare()
	} else {
		var err error
		from, err = jid.Parse(n.Host)
		if err != nil {
			s.log.Error("bad node host", zap.String("host", n.Host), zap.Error(err))
			return
		}
	}

	sent := 0
	for _, r := range recipients {
		to, err := jid.Parse(r.bare)
		if err != nil {
			continue
		}
		var inner bytes.Buffer
		inner.Write(event)
		writeSHIMHeaders(&inner, r)
		if pep && publisher.Resourcepart() != "" {
			writeReplyTo(&inner, publisher)
		}
		st := router.Stanza{
			Kind:     router.Message,
			Type:     n.Options.NotificationType,
			ID:       attr.RandomID(),
			To:       to,
			From:     from,
			InnerXML: inner.Bytes(),
		}
		if err := s.router.Route(context.Background(), st); err != nil {
			s.log.Warn("failed to deliver notification",
				zap.String("node", n.Path),
				zap.String("to", r.bare),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	s.log.Debug("broadcast complete",
		zap.String("node", n.Path),
		zap.Int("recipients", sent),
	)
}

// writeSHIMHeaders appends the Collection header when the match came via an
// ancestor collection, and one SubId header per subid when the recipient
// holds several subscriptions.
func writeSHIMHeaders(b *bytes.Buffer, r recipient) {
	if r.collection == "" && len(r.subids) < 2 {
		return
	}
	b.WriteString(`<headers xmlns="`)
	b.WriteString(NSSHIM)
	b.WriteString(`">`)
	if r.collection != "" {
		b.WriteString(`<header name="Collection">`)
		xml.EscapeText(b, []byte(r.collection))
		b.WriteString(`</header>`)
	}
	if len(r.subids) > 1 {
		for _, id := range r.subids {
			b.WriteString(`<header name="SubId">`)
			xml.EscapeText(b, []byte(id))
			b.WriteString(`</header>`)
		}
	}
	b.WriteString(`</headers>`)
}

func writeReplyTo(b *bytes.Buffer, publisher jid.JID) {
	b.WriteString(`<addresses xmlns="`)
	b.WriteString(NSAddress)
	b.WriteString(`"><address type="replyto" jid="`)
	xml.EscapeText(b, []byte(publisher.String()))
	b.WriteString(`"/></addresses>`)
}

// sendDirect delivers a single message (authorization requests, last-item
// pushes, subscription change notices) outside the broadcast path.
func (s *Service) sendDirect(to jid.JID, from jid.JID, msgType string, inner []byte) {
	st := router.Stanza{
		Kind:     router.Message,
		Type:     msgType,
		ID:       attr.RandomID(),
		To:       to,
		From:     from,
		InnerXML: inner,
	}
	if err := s.router.Route(context.Background(), st); err != nil {
		s.log.Warn("failed to deliver message",
			zap.String("to", to.String()),
			zap.Error(err),
		)
	}
}

func isPEPHost(host string) bool {
	for i := 0; i < len(host); i++ {
		if host[i] == '@' {
			return true
		}
	}
	return false
}
