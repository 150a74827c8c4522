// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import "mellium.im/xmppd/storage"

// ancestor is a node in the collection chain above a publishing node,
// annotated with its distance from it (the direct parents are distance 1).
type ancestor struct {
	node     *Node
	distance int
}

// ancestors walks the collection graph upward from n. Parent links are path
// strings, so deleted or dangling parents simply drop out of the chain; the
// visited set bounds the walk on (nominally acyclic) graphs that acquired a
// cycle through misconfiguration.
func (s *Service) ancestors(tx storage.Tx, n *Node) ([]ancestor, error) {
	var (
		out     []ancestor
		visited = map[string]bool{n.Path: true}
		frontier = parentPaths(n)
		distance = 1
	)
	for len(frontier) > 0 {
		var next []string
		for _, path := range frontier {
			if visited[path] {
				continue
			}
			visited[path] = true
			parent, err := s.loadNode(tx, n.Host, path)
			if err != nil {
				if _, ok := err.(*Error); ok {
					continue // dangling parent reference
				}
				return nil, err
			}
			out = append(out, ancestor{node: parent, distance: distance})
			next = append(next, parentPaths(parent)...)
		}
		frontier = next
		distance++
	}
	return out, nil
}

// parentPaths merges the node's structural parents with the collections it
// was configured into.
func parentPaths(n *Node) []string {
	if len(n.Options.Collection) == 0 {
		return n.Parents
	}
	seen := make(map[string]bool, len(n.Parents)+len(n.Options.Collection))
	var out []string
	for _, p := range n.Parents {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range n.Options.Collection {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// childPaths returns the paths of nodes that list n as parent or collection,
// for delete cascades.
func (s *Service) childPaths(tx storage.Tx, n *Node) ([]string, error) {
	recs, err := tx.NodesByHost(n.Host)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rec := range recs {
		child, err := nodeFromRecord(rec, s.plugin(rec.Host, rec.Type).DefaultOptions(s.Config()))
		if err != nil {
			continue
		}
		for _, p := range parentPaths(child) {
			if p == n.Path {
				out = append(out, child.Path)
				break
			}
		}
	}
	return out, nil
}
