// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package storage defines the record types and transactional interface
// backing the pubsub node tree.
//
// The store is an opaque record/index engine: it knows nothing about XMPP
// beyond the fact that entities are bare JID strings. Two access modes are
// provided. Dirty runs the function against the store with no isolation and
// is meant for single-record reads and hot-path item writes. Transaction
// provides atomicity and isolation; callers retry once on ErrConflict.
package storage // import "mellium.im/xmppd/storage"

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: record not found")

	// ErrConflict is returned when a transaction cannot commit because of a
	// concurrent update. The caller may retry.
	ErrConflict = errors.New("storage: transaction conflict")
)

// NodeRecord is a pubsub node. Host is a service domain for regular pubsub
// or a bare JID for PEP. Idx is the stable numeric key used by the per-node
// tables; it is unique process-wide and never changes once assigned.
type NodeRecord struct {
	Host    string
	Path    string
	Idx     int64
	Type    string
	Parents []string
	Owners  []string
	Options map[string][]string
}

// SubEntry is one subscription of an entity to a node.
type SubEntry struct {
	State string // subscribed, pending, or unconfigured
	SubID string
}

// StateRecord is the affiliation and subscription list of one entity on one
// node.
type StateRecord struct {
	Entity        string // bare JID
	NodeIdx       int64
	Affiliation   string
	Subscriptions []SubEntry
}

// ItemRecord is a published item. Payload is the serialized XML fragment
// list exactly as published.
type ItemRecord struct {
	NodeIdx    int64
	ID         string
	Payload    []byte
	CreatedAt  time.Time
	CreatedBy  string // publisher bare JID
	ModifiedAt time.Time
	ModifiedBy string
}

// SubOptionsRecord stores the delivery options of a single subscription.
type SubOptionsRecord struct {
	SubID   string
	Entity  string
	NodeIdx int64
	Options map[string][]string
}

// Tx is the set of record operations available inside either access mode.
type Tx interface {
	// Nodes.
	NodeByPath(host, path string) (*NodeRecord, error)
	NodeByIdx(idx int64) (*NodeRecord, error)
	NodesByHost(host string) ([]*NodeRecord, error)
	PutNode(*NodeRecord) error
	DeleteNode(host, path string) error

	// Node index. NextNodeIdx assigns monotonically increasing values
	// starting from 1, reusing released values first.
	NextNodeIdx() (int64, error)
	ReleaseNodeIdx(idx int64) error

	// Entity state.
	State(entity string, idx int64) (*StateRecord, error)
	StatesByNode(idx int64) ([]*StateRecord, error)
	StatesByEntity(entity string) ([]*StateRecord, error)
	PutState(*StateRecord) error
	DeleteState(entity string, idx int64) error
	DeleteNodeStates(idx int64) error

	// Items, newest first.
	Item(idx int64, id string) (*ItemRecord, error)
	Items(idx int64) ([]*ItemRecord, error)
	PutItem(*ItemRecord) error
	DeleteItem(idx int64, id string) error
	DeleteNodeItems(idx int64) error

	// Subscription options.
	SubOptions(subID string) (*SubOptionsRecord, error)
	PutSubOptions(*SubOptionsRecord) error
	DeleteSubOptions(subID string) error
}

// DB is a store supporting both access modes.
type DB interface {
	// Dirty runs fn with no isolation guarantees. Meant for single-record
	// operations on plugins that opt in to dirty reads.
	Dirty(fn func(Tx) error) error

	// Transaction runs fn atomically and in isolation. It returns
	// ErrConflict when the transaction lost a race and may be retried.
	Transaction(fn func(Tx) error) error

	Close() error
}
