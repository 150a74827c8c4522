// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sqlite is a SQLite backed implementation of the pubsub node store.
package sqlite // import "mellium.im/xmppd/storage/sqlite"

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"mellium.im/xmppd/storage"
)

// DB is a storage.DB backed by a SQLite database file.
type DB struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the database at path and applies any
// pending schema migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// SQLite handles one writer at a time; more connections just add busy
	// errors.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// Dirty implements storage.DB. Each statement runs in its own implicit
// transaction.
func (d *DB) Dirty(fn func(storage.Tx) error) error {
	return translateErr(fn(&tx{q: d.db}))
}

// Transaction implements storage.DB.
func (d *DB) Transaction(fn func(storage.Tx) error) error {
	sqlTx, err := d.db.Begin()
	if err != nil {
		return translateErr(err)
	}
	if err := fn(&tx{q: sqlTx}); err != nil {
		sqlTx.Rollback()
		return translateErr(err)
	}
	return translateErr(sqlTx.Commit())
}

// Close implements storage.DB.
func (d *DB) Close() error { return d.db.Close() }

// translateErr maps driver-level locking failures to storage.ErrConflict so
// callers can apply their retry policy without importing the driver.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked {
			return storage.ErrConflict
		}
	}
	return err
}

// querier is the common subset of *sql.DB and *sql.Tx used by tx.
type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

type tx struct {
	q querier
}

func encodeJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func decodeStrings(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeOptions(b []byte) (map[string][]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out map[string][]string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) NodeByPath(host, path string) (*storage.NodeRecord, error) {
	row := t.q.QueryRow(
		`SELECT host, path, idx, type, parents, owners, options FROM pubsub_node WHERE host = ? AND path = ?`,
		host, path,
	)
	return scanNode(row)
}

func (t *tx) NodeByIdx(idx int64) (*storage.NodeRecord, error) {
	row := t.q.QueryRow(
		`SELECT host, path, idx, type, parents, owners, options FROM pubsub_node WHERE idx = ?`,
		idx,
	)
	return scanNode(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*storage.NodeRecord, error) {
	var (
		n       storage.NodeRecord
		parents []byte
		owners  []byte
		options []byte
	)
	err := row.Scan(&n.Host, &n.Path, &n.Idx, &n.Type, &parents, &owners, &options)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if n.Parents, err = decodeStrings(parents); err != nil {
		return nil, err
	}
	if n.Owners, err = decodeStrings(owners); err != nil {
		return nil, err
	}
	if n.Options, err = decodeOptions(options); err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *tx) NodesByHost(host string) ([]*storage.NodeRecord, error) {
	rows, err := t.q.Query(
		`SELECT host, path, idx, type, parents, owners, options FROM pubsub_node WHERE host = ? ORDER BY path`,
		host,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.NodeRecord
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *tx) PutNode(n *storage.NodeRecord) error {
	parents, err := encodeJSON(n.Parents)
	if err != nil {
		return err
	}
	owners, err := encodeJSON(n.Owners)
	if err != nil {
		return err
	}
	options, err := encodeJSON(n.Options)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(
		`INSERT INTO pubsub_node (host, path, idx, type, parents, owners, options)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (host, path) DO UPDATE SET
		   type = excluded.type, parents = excluded.parents,
		   owners = excluded.owners, options = excluded.options`,
		n.Host, n.Path, n.Idx, n.Type, parents, owners, options,
	)
	return err
}

func (t *tx) DeleteNode(host, path string) error {
	res, err := t.q.Exec(`DELETE FROM pubsub_node WHERE host = ? AND path = ?`, host, path)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *tx) NextNodeIdx() (int64, error) {
	var idx int64
	err := t.q.QueryRow(`SELECT idx FROM pubsub_index_free ORDER BY idx LIMIT 1`).Scan(&idx)
	switch {
	case err == nil:
		_, err = t.q.Exec(`DELETE FROM pubsub_index_free WHERE idx = ?`, idx)
		return idx, err
	case err != sql.ErrNoRows:
		return 0, err
	}
	if _, err := t.q.Exec(`UPDATE pubsub_index SET next = next + 1`); err != nil {
		return 0, err
	}
	if err := t.q.QueryRow(`SELECT next - 1 FROM pubsub_index`).Scan(&idx); err != nil {
		return 0, err
	}
	return idx, nil
}

func (t *tx) ReleaseNodeIdx(idx int64) error {
	_, err := t.q.Exec(`INSERT OR IGNORE INTO pubsub_index_free (idx) VALUES (?)`, idx)
	return err
}

func (t *tx) State(entity string, idx int64) (*storage.StateRecord, error) {
	var (
		s    storage.StateRecord
		subs []byte
	)
	err := t.q.QueryRow(
		`SELECT entity, node_idx, affiliation, subscriptions FROM pubsub_state WHERE entity = ? AND node_idx = ?`,
		entity, idx,
	).Scan(&s.Entity, &s.NodeIdx, &s.Affiliation, &subs)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(subs, &s.Subscriptions); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *tx) statesQuery(query string, arg interface{}) ([]*storage.StateRecord, error) {
	rows, err := t.q.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.StateRecord
	for rows.Next() {
		var (
			s    storage.StateRecord
			subs []byte
		)
		if err := rows.Scan(&s.Entity, &s.NodeIdx, &s.Affiliation, &subs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(subs, &s.Subscriptions); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (t *tx) StatesByNode(idx int64) ([]*storage.StateRecord, error) {
	return t.statesQuery(
		`SELECT entity, node_idx, affiliation, subscriptions FROM pubsub_state WHERE node_idx = ? ORDER BY entity`,
		idx,
	)
}

func (t *tx) StatesByEntity(entity string) ([]*storage.StateRecord, error) {
	return t.statesQuery(
		`SELECT entity, node_idx, affiliation, subscriptions FROM pubsub_state WHERE entity = ? ORDER BY node_idx`,
		entity,
	)
}

func (t *tx) PutState(s *storage.StateRecord) error {
	subs, err := json.Marshal(s.Subscriptions)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(
		`INSERT INTO pubsub_state (entity, node_idx, affiliation, subscriptions)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity, node_idx) DO UPDATE SET
		   affiliation = excluded.affiliation, subscriptions = excluded.subscriptions`,
		s.Entity, s.NodeIdx, s.Affiliation, subs,
	)
	return err
}

func (t *tx) DeleteState(entity string, idx int64) error {
	_, err := t.q.Exec(`DELETE FROM pubsub_state WHERE entity = ? AND node_idx = ?`, entity, idx)
	return err
}

func (t *tx) DeleteNodeStates(idx int64) error {
	_, err := t.q.Exec(`DELETE FROM pubsub_state WHERE node_idx = ?`, idx)
	return err
}

func (t *tx) Item(idx int64, id string) (*storage.ItemRecord, error) {
	var it storage.ItemRecord
	err := t.q.QueryRow(
		`SELECT node_idx, id, payload, created_at, created_by, modified_at, modified_by
		 FROM pubsub_item WHERE node_idx = ? AND id = ?`,
		idx, id,
	).Scan(&it.NodeIdx, &it.ID, &it.Payload, &it.CreatedAt, &it.CreatedBy, &it.ModifiedAt, &it.ModifiedBy)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (t *tx) Items(idx int64) ([]*storage.ItemRecord, error) {
	rows, err := t.q.Query(
		`SELECT node_idx, id, payload, created_at, created_by, modified_at, modified_by
		 FROM pubsub_item WHERE node_idx = ? ORDER BY modified_at DESC, rowid DESC`,
		idx,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.ItemRecord
	for rows.Next() {
		var it storage.ItemRecord
		if err := rows.Scan(&it.NodeIdx, &it.ID, &it.Payload, &it.CreatedAt, &it.CreatedBy, &it.ModifiedAt, &it.ModifiedBy); err != nil {
			return nil, err
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (t *tx) PutItem(it *storage.ItemRecord) error {
	_, err := t.q.Exec(
		`INSERT INTO pubsub_item (node_idx, id, payload, created_at, created_by, modified_at, modified_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (node_idx, id) DO UPDATE SET
		   payload = excluded.payload, modified_at = excluded.modified_at,
		   modified_by = excluded.modified_by`,
		it.NodeIdx, it.ID, it.Payload, it.CreatedAt, it.CreatedBy, it.ModifiedAt, it.ModifiedBy,
	)
	return err
}

func (t *tx) DeleteItem(idx int64, id string) error {
	res, err := t.q.Exec(`DELETE FROM pubsub_item WHERE node_idx = ? AND id = ?`, idx, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *tx) DeleteNodeItems(idx int64) error {
	_, err := t.q.Exec(`DELETE FROM pubsub_item WHERE node_idx = ?`, idx)
	return err
}

func (t *tx) SubOptions(subID string) (*storage.SubOptionsRecord, error) {
	var (
		o    storage.SubOptionsRecord
		opts []byte
	)
	err := t.q.QueryRow(
		`SELECT sub_id, entity, node_idx, options FROM pubsub_subscription WHERE sub_id = ?`,
		subID,
	).Scan(&o.SubID, &o.Entity, &o.NodeIdx, &opts)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Options, err = decodeOptions(opts); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *tx) PutSubOptions(o *storage.SubOptionsRecord) error {
	opts, err := encodeJSON(o.Options)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(
		`INSERT INTO pubsub_subscription (sub_id, entity, node_idx, options)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (sub_id) DO UPDATE SET options = excluded.options`,
		o.SubID, o.Entity, o.NodeIdx, opts,
	)
	return err
}

func (t *tx) DeleteSubOptions(subID string) error {
	_, err := t.q.Exec(`DELETE FROM pubsub_subscription WHERE sub_id = ?`, subID)
	return err
}

// Schema migrations, applied in order. Each entry runs inside one
// transaction together with the version bump.
var migrations = []string{
	// v1: base tables.
	`CREATE TABLE pubsub_node (
		host    TEXT NOT NULL,
		path    TEXT NOT NULL,
		idx     INTEGER NOT NULL UNIQUE,
		type    TEXT NOT NULL,
		parents BLOB,
		owners  BLOB,
		options BLOB,
		PRIMARY KEY (host, path)
	);
	CREATE TABLE pubsub_state (
		entity        TEXT NOT NULL,
		node_idx      INTEGER NOT NULL,
		affiliation   TEXT NOT NULL,
		subscriptions BLOB,
		PRIMARY KEY (entity, node_idx)
	);
	CREATE INDEX pubsub_state_node ON pubsub_state (node_idx);
	CREATE TABLE pubsub_item (
		node_idx    INTEGER NOT NULL,
		id          TEXT NOT NULL,
		payload     BLOB,
		created_at  TIMESTAMP NOT NULL,
		created_by  TEXT NOT NULL,
		modified_at TIMESTAMP NOT NULL,
		modified_by TEXT NOT NULL,
		PRIMARY KEY (node_idx, id)
	);
	CREATE TABLE pubsub_index (next INTEGER NOT NULL);
	INSERT INTO pubsub_index (next) VALUES (1);
	CREATE TABLE pubsub_index_free (idx INTEGER PRIMARY KEY);`,

	// v2: per-subscription delivery options.
	`CREATE TABLE pubsub_subscription (
		sub_id   TEXT PRIMARY KEY,
		entity   TEXT NOT NULL,
		node_idx INTEGER NOT NULL,
		options  BLOB
	);
	CREATE INDEX pubsub_subscription_entity ON pubsub_subscription (entity, node_idx);`,
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return err
	}
	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: migration to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, v+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
