// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"sort"

	"mellium.im/xmpp/disco/info"
	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/storage"
)

// DiscoInfo answers a service discovery info query against the service or,
// when path is non-empty, against a single node. The node query applies the
// same access rules as item retrieval.
func (s *Service) DiscoInfo(ctx context.Context, host, path string, requester jid.JID) ([]info.Identity, []info.Feature, error) {
	var (
		identities []info.Identity
		features   []info.Feature
	)
	err := s.do(ctx, func() error {
		if path == "" {
			identities, features = s.serviceInfo(host)
			return nil
		}
		return s.db.Dirty(func(tx storage.Tx) error {
			n, err := s.loadNode(tx, host, path)
			if err != nil {
				return err
			}
			if err := s.canRetrieve(tx, n, requester); err != nil {
				return err
			}
			typ := "leaf"
			children, err := s.childPaths(tx, n)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				typ = "collection"
			}
			identities = []info.Identity{{
				Category: "pubsub",
				Type:     typ,
				Name:     n.Options.Title,
			}}
			features = []info.Feature{{Var: NS}}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return identities, features, nil
}

// serviceInfo builds the host-level identity and feature list from the
// enabled plugins.
func (s *Service) serviceInfo(host string) ([]info.Identity, []info.Feature) {
	typ := "service"
	if isPEPHost(host) {
		typ = "pep"
	}
	identities := []info.Identity{{Category: "pubsub", Type: typ}}

	set := make(map[string]bool)
	if isPEPHost(host) {
		for _, f := range s.plugins["pep"].Features() {
			set[f] = true
		}
	} else {
		for _, name := range s.Config().Plugins {
			p, ok := s.plugins[name]
			if !ok {
				continue
			}
			for _, f := range p.Features() {
				set[f] = true
			}
		}
	}
	names := make([]string, 0, len(set))
	for f := range set {
		names = append(names, f)
	}
	sort.Strings(names)

	features := make([]info.Feature, 0, len(names)+1)
	features = append(features, info.Feature{Var: NS})
	for _, f := range names {
		features = append(features, info.Feature{Var: NS + "#" + f})
	}
	return identities, features
}

// DiscoItems lists the node paths visible on host. Nodes whose access model
// hides them from the requester are omitted.
func (s *Service) DiscoItems(ctx context.Context, host string, requester jid.JID) ([]string, error) {
	var out []string
	err := s.do(ctx, func() error {
		return s.db.Dirty(func(tx storage.Tx) error {
			recs, err := tx.NodesByHost(host)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				n, err := s.loadNode(tx, rec.Host, rec.Path)
				if err != nil {
					continue
				}
				if err := s.canRetrieve(tx, n, requester); err != nil {
					continue
				}
				out = append(out, n.Path)
			}
			sort.Strings(out)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
