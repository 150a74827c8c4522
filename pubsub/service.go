// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/router"
	"mellium.im/xmppd/storage"
)

// ErrClosed is returned by operations on a closed service.
var ErrClosed = errors.New("pubsub: service closed")

// HostConfig is the per-host service configuration. It is published by
// atomic swap, so a config value is never mutated after Reload.
type HostConfig struct {
	// CreateACL decides whether an entity passes the host's node creation
	// rule. Nil allows everyone. Plugins may restrict further.
	CreateACL func(owner jid.JID) bool

	// IgnorePEPFromOffline drops PEP publishes from users with no available
	// resource.
	IgnorePEPFromOffline bool

	// LastItemCache keeps the most recent item of every node in RAM.
	LastItemCache bool

	// MaxItemsNode is the default max_items for new nodes.
	MaxItemsNode int

	// PEPMapping renames PEP node paths on publish (XEP-0163 profile
	// mapping).
	PEPMapping map[string]string

	// PEPFilter, when set, is consulted before delivering a PEP notification
	// to an entity; returning false drops the recipient. This is the hook for
	// entity-capabilities based "+notify" filtering, which is owned by the
	// surrounding server.
	PEPFilter func(subscriber jid.JID, node string) bool

	// Plugins is the list of enabled node types; the first entry is the
	// default type for new nodes.
	Plugins []string

	// NodeTree selects the node tree implementation. Only "tree" is
	// currently defined.
	NodeTree string

	// LegacySubAttr additionally emits the historical misspelled
	// "subsription" attribute on subscription change notifications for
	// peers that match on the typo.
	LegacySubAttr bool
}

func (c HostConfig) withDefaults() HostConfig {
	if c.MaxItemsNode <= 0 {
		c.MaxItemsNode = 10
	}
	if len(c.Plugins) == 0 {
		c.Plugins = []string{"flat"}
	}
	if c.NodeTree == "" {
		c.NodeTree = "tree"
	}
	return c
}

// RosterChecker answers roster questions about local users. It is a
// collaborator implemented by the roster module of the surrounding server.
type RosterChecker interface {
	// HasPresenceSubscription reports whether contact has a presence
	// subscription from owner (subscription state "from" or "both").
	HasPresenceSubscription(owner, contact jid.JID) (bool, error)

	// RosterGroups returns the groups contact is filed under in owner's
	// roster.
	RosterGroups(owner, contact jid.JID) ([]string, error)
}

// ResourcePresence is the presence of one available resource.
type ResourcePresence struct {
	JID  jid.JID // full JID
	Show string  // online, away, chat, dnd, or xa
}

// PresenceSource reports the available resources of local users.
type PresenceSource interface {
	Resources(bare jid.JID) []ResourcePresence
}

// Service runs the pubsub nodes of one host: a single task consumes a
// mailbox of operations, so node state transitions are serialized per host.
// The Host is a service domain; PEP nodes on user bare JIDs are reached
// through the same service by passing the bare JID as the node host.
type Service struct {
	host     string
	db       storage.DB
	cfg      atomic.Pointer[HostConfig]
	router   router.Router
	roster   RosterChecker
	presence PresenceSource
	log      *zap.Logger
	plugins  map[string]Plugin
	last     *lastItemCache

	// pepSent tracks which resources already received the last published
	// item of a node, so presence flapping does not repeat it. Owned by the
	// service task.
	pepSent map[pepSentKey]bool

	calls chan func()
	done  chan struct{}
}

type pepSentKey struct {
	nodeIdx  int64
	resource string // full JID
}

// A ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRouter sets the router notifications are delivered through.
func WithRouter(r router.Router) ServiceOption {
	return func(s *Service) { s.router = r }
}

// WithRoster sets the roster collaborator used by the presence and roster
// access models.
func WithRoster(r RosterChecker) ServiceOption {
	return func(s *Service) { s.roster = r }
}

// WithPresence sets the presence collaborator used by delivery filters and
// PEP.
func WithPresence(p PresenceSource) ServiceOption {
	return func(s *Service) { s.presence = p }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithConfig sets the initial host configuration.
func WithConfig(cfg HostConfig) ServiceOption {
	return func(s *Service) {
		c := cfg.withDefaults()
		s.cfg.Store(&c)
	}
}

// WithPlugin registers an additional node type.
func WithPlugin(p Plugin) ServiceOption {
	return func(s *Service) { s.plugins[p.Name()] = p }
}

// NewService creates and starts the service for host.
func NewService(host string, db storage.DB, opts ...ServiceOption) *Service {
	s := &Service{
		host:   host,
		db:     db,
		router: router.Discard,
		log:    zap.NewNop(),
		plugins: map[string]Plugin{
			"flat":     Flat(),
			"hometree": HomeTree(),
			"pep":      PEP(),
		},
		last:    newLastItemCache(),
		pepSent: make(map[pepSentKey]bool),
		calls:   make(chan func(), 64),
		done:    make(chan struct{}),
	}
	cfg := HostConfig{}.withDefaults()
	s.cfg.Store(&cfg)
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("host", host))
	go s.run()
	return s
}

// Host returns the service domain.
func (s *Service) Host() string { return s.host }

// Config returns the current host configuration.
func (s *Service) Config() *HostConfig { return s.cfg.Load() }

// Reload atomically replaces the host configuration. In-flight operations
// keep the config they started with.
func (s *Service) Reload(cfg HostConfig) {
	c := cfg.withDefaults()
	s.cfg.Store(&c)
	s.log.Info("host configuration reloaded")
}

// Close stops the service task. Pending operations fail with ErrClosed.
func (s *Service) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Service) run() {
	for {
		select {
		case fn := <-s.calls:
			fn()
		case <-s.done:
			return
		}
	}
}

// do runs fn on the service task and waits for its result.
func (s *Service) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.calls <- func() { errc <- fn() }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// plugin resolves the node type for a host and stored type name. Nodes on a
// user bare JID are PEP nodes.
func (s *Service) plugin(host, typ string) Plugin {
	if typ != "" {
		if p, ok := s.plugins[typ]; ok {
			return p
		}
	}
	if isPEPHost(host) {
		return s.plugins["pep"]
	}
	cfg := s.Config()
	if p, ok := s.plugins[cfg.Plugins[0]]; ok {
		return p
	}
	return s.plugins["flat"]
}

// transact runs fn in a transaction, retrying once on conflict. A second
// conflict is logged and surfaces as internal-server-error.
func (s *Service) transact(fn func(storage.Tx) error) error {
	err := s.db.Transaction(fn)
	if err == storage.ErrConflict {
		err = s.db.Transaction(fn)
	}
	if err == storage.ErrConflict {
		s.log.Error("transaction aborted twice")
		return errInternal()
	}
	return err
}

// view runs a read path in the plugin's preferred access mode.
func (s *Service) view(p Plugin, fn func(storage.Tx) error) error {
	if p.DirtyReads() {
		return s.db.Dirty(fn)
	}
	return s.transact(fn)
}

// loadNode fetches a node and parses its stored options over the plugin
// defaults.
func (s *Service) loadNode(tx storage.Tx, host, path string) (*Node, error) {
	rec, err := tx.NodeByPath(host, path)
	if err == storage.ErrNotFound {
		return nil, errItemNotFound()
	}
	if err != nil {
		return nil, err
	}
	p := s.plugin(host, rec.Type)
	n, err := nodeFromRecord(rec, p.DefaultOptions(s.Config()))
	if err != nil {
		return nil, errInternal()
	}
	return n, nil
}

// mayCreate evaluates the host create rule plus the plugin restriction.
func (s *Service) mayCreate(p Plugin, host, path string, owner jid.JID) bool {
	cfg := s.Config()
	allowed := cfg.CreateACL == nil || cfg.CreateACL(owner)
	return p.AllowCreate(host, path, owner, allowed)
}
