// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package memstore is an in-memory implementation of the pubsub node store.
//
// Transactions are serialized under a single lock, so isolation is trivial
// and ErrConflict is never returned. It is the store used by tests and by
// deployments that do not need persistence.
package memstore // import "mellium.im/xmppd/storage/memstore"

import (
	"sort"
	"sync"

	"mellium.im/xmppd/storage"
)

type nodeKey struct {
	host string
	path string
}

type stateKey struct {
	entity string
	idx    int64
}

type itemKey struct {
	idx int64
	id  string
}

// DB is an in-memory storage.DB. The zero value is not usable; use New.
type DB struct {
	mu       sync.Mutex
	nodes    map[nodeKey]*storage.NodeRecord
	byIdx    map[int64]*storage.NodeRecord
	states   map[stateKey]*storage.StateRecord
	items    map[itemKey]*storage.ItemRecord
	itemSeq  uint64 // insertion order tiebreak for equal timestamps
	itemSeqs map[itemKey]uint64
	subOpts  map[string]*storage.SubOptionsRecord
	nextIdx  int64
	freeIdxs []int64
}

// New returns an empty in-memory store.
func New() *DB {
	return &DB{
		nodes:    make(map[nodeKey]*storage.NodeRecord),
		byIdx:    make(map[int64]*storage.NodeRecord),
		states:   make(map[stateKey]*storage.StateRecord),
		items:    make(map[itemKey]*storage.ItemRecord),
		itemSeqs: make(map[itemKey]uint64),
		subOpts:  make(map[string]*storage.SubOptionsRecord),
		nextIdx:  1,
	}
}

// Dirty implements storage.DB.
func (db *DB) Dirty(fn func(storage.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn((*tx)(db))
}

// Transaction implements storage.DB. Mutations are applied directly; the
// single lock serializes transactions so conflicts cannot occur, but a
// returned error leaves earlier writes in place, so multi-write callers
// should not rely on rollback with this backend.
func (db *DB) Transaction(fn func(storage.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return fn((*tx)(db))
}

// Close implements storage.DB.
func (db *DB) Close() error { return nil }

type tx DB

func copyNode(n *storage.NodeRecord) *storage.NodeRecord {
	c := *n
	c.Parents = append([]string(nil), n.Parents...)
	c.Owners = append([]string(nil), n.Owners...)
	c.Options = copyOptions(n.Options)
	return &c
}

func copyOptions(opts map[string][]string) map[string][]string {
	if opts == nil {
		return nil
	}
	c := make(map[string][]string, len(opts))
	for k, v := range opts {
		c[k] = append([]string(nil), v...)
	}
	return c
}

func copyState(s *storage.StateRecord) *storage.StateRecord {
	c := *s
	c.Subscriptions = append([]storage.SubEntry(nil), s.Subscriptions...)
	return &c
}

func copyItem(it *storage.ItemRecord) *storage.ItemRecord {
	c := *it
	c.Payload = append([]byte(nil), it.Payload...)
	return &c
}

func (t *tx) NodeByPath(host, path string) (*storage.NodeRecord, error) {
	n, ok := t.nodes[nodeKey{host: host, path: path}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyNode(n), nil
}

func (t *tx) NodeByIdx(idx int64) (*storage.NodeRecord, error) {
	n, ok := t.byIdx[idx]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyNode(n), nil
}

func (t *tx) NodesByHost(host string) ([]*storage.NodeRecord, error) {
	var out []*storage.NodeRecord
	for k, n := range t.nodes {
		if k.host == host {
			out = append(out, copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (t *tx) PutNode(n *storage.NodeRecord) error {
	c := copyNode(n)
	t.nodes[nodeKey{host: c.Host, path: c.Path}] = c
	t.byIdx[c.Idx] = c
	return nil
}

func (t *tx) DeleteNode(host, path string) error {
	k := nodeKey{host: host, path: path}
	n, ok := t.nodes[k]
	if !ok {
		return storage.ErrNotFound
	}
	delete(t.nodes, k)
	delete(t.byIdx, n.Idx)
	return nil
}

func (t *tx) NextNodeIdx() (int64, error) {
	if n := len(t.freeIdxs); n > 0 {
		idx := t.freeIdxs[n-1]
		t.freeIdxs = t.freeIdxs[:n-1]
		return idx, nil
	}
	idx := t.nextIdx
	t.nextIdx++
	return idx, nil
}

func (t *tx) ReleaseNodeIdx(idx int64) error {
	t.freeIdxs = append(t.freeIdxs, idx)
	return nil
}

func (t *tx) State(entity string, idx int64) (*storage.StateRecord, error) {
	s, ok := t.states[stateKey{entity: entity, idx: idx}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyState(s), nil
}

func (t *tx) StatesByNode(idx int64) ([]*storage.StateRecord, error) {
	var out []*storage.StateRecord
	for k, s := range t.states {
		if k.idx == idx {
			out = append(out, copyState(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (t *tx) StatesByEntity(entity string) ([]*storage.StateRecord, error) {
	var out []*storage.StateRecord
	for k, s := range t.states {
		if k.entity == entity {
			out = append(out, copyState(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeIdx < out[j].NodeIdx })
	return out, nil
}

func (t *tx) PutState(s *storage.StateRecord) error {
	t.states[stateKey{entity: s.Entity, idx: s.NodeIdx}] = copyState(s)
	return nil
}

func (t *tx) DeleteState(entity string, idx int64) error {
	delete(t.states, stateKey{entity: entity, idx: idx})
	return nil
}

func (t *tx) DeleteNodeStates(idx int64) error {
	for k := range t.states {
		if k.idx == idx {
			delete(t.states, k)
		}
	}
	return nil
}

func (t *tx) Item(idx int64, id string) (*storage.ItemRecord, error) {
	it, ok := t.items[itemKey{idx: idx, id: id}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyItem(it), nil
}

func (t *tx) Items(idx int64) ([]*storage.ItemRecord, error) {
	type seqItem struct {
		it  *storage.ItemRecord
		seq uint64
	}
	var out []seqItem
	for k, it := range t.items {
		if k.idx == idx {
			out = append(out, seqItem{it: copyItem(it), seq: t.itemSeqs[k]})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.it.ModifiedAt.Equal(b.it.ModifiedAt) {
			return a.it.ModifiedAt.After(b.it.ModifiedAt)
		}
		return a.seq > b.seq
	})
	items := make([]*storage.ItemRecord, len(out))
	for i, si := range out {
		items[i] = si.it
	}
	return items, nil
}

func (t *tx) PutItem(it *storage.ItemRecord) error {
	k := itemKey{idx: it.NodeIdx, id: it.ID}
	t.items[k] = copyItem(it)
	t.itemSeq++
	t.itemSeqs[k] = t.itemSeq
	return nil
}

func (t *tx) DeleteItem(idx int64, id string) error {
	k := itemKey{idx: idx, id: id}
	if _, ok := t.items[k]; !ok {
		return storage.ErrNotFound
	}
	delete(t.items, k)
	delete(t.itemSeqs, k)
	return nil
}

func (t *tx) DeleteNodeItems(idx int64) error {
	for k := range t.items {
		if k.idx == idx {
			delete(t.items, k)
			delete(t.itemSeqs, k)
		}
	}
	return nil
}

func (t *tx) SubOptions(subID string) (*storage.SubOptionsRecord, error) {
	o, ok := t.subOpts[subID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *o
	c.Options = copyOptions(o.Options)
	return &c, nil
}

func (t *tx) PutSubOptions(o *storage.SubOptionsRecord) error {
	c := *o
	c.Options = copyOptions(o.Options)
	t.subOpts[o.SubID] = &c
	return nil
}

func (t *tx) DeleteSubOptions(subID string) error {
	delete(t.subOpts, subID)
	return nil
}
