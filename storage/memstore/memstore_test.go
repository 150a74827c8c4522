// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package memstore_test

import (
	"fmt"
	"testing"
	"time"

	"mellium.im/xmppd/storage"
	"mellium.im/xmppd/storage/memstore"
)

func TestNodeIdxAllocation(t *testing.T) {
	db := memstore.New()
	err := db.Transaction(func(tx storage.Tx) error {
		for want := int64(1); want <= 3; want++ {
			idx, err := tx.NextNodeIdx()
			if err != nil {
				return err
			}
			if idx != want {
				t.Errorf("NextNodeIdx() = %d, want %d", idx, want)
			}
		}
		// Released values are reused before the counter advances.
		if err := tx.ReleaseNodeIdx(2); err != nil {
			return err
		}
		idx, err := tx.NextNodeIdx()
		if err != nil {
			return err
		}
		if idx != 2 {
			t.Errorf("NextNodeIdx() after release = %d, want 2", idx)
		}
		idx, err = tx.NextNodeIdx()
		if err != nil {
			return err
		}
		if idx != 4 {
			t.Errorf("NextNodeIdx() = %d, want 4", idx)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestItemsNewestFirst(t *testing.T) {
	db := memstore.New()
	base := time.Now()
	err := db.Dirty(func(tx storage.Tx) error {
		for i := 0; i < 3; i++ {
			it := &storage.ItemRecord{
				NodeIdx:    1,
				ID:         fmt.Sprintf("item-%d", i),
				Payload:    []byte("<x/>"),
				CreatedAt:  base.Add(time.Duration(i) * time.Second),
				CreatedBy:  "juliet@example.net",
				ModifiedAt: base.Add(time.Duration(i) * time.Second),
				ModifiedBy: "juliet@example.net",
			}
			if err := tx.PutItem(it); err != nil {
				return err
			}
		}
		items, err := tx.Items(1)
		if err != nil {
			return err
		}
		want := []string{"item-2", "item-1", "item-0"}
		if len(items) != len(want) {
			t.Fatalf("got %d items, want %d", len(items), len(want))
		}
		for i, it := range items {
			if it.ID != want[i] {
				t.Errorf("items[%d] = %q, want %q", i, it.ID, want[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("dirty: %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	db := memstore.New()
	err := db.Transaction(func(tx storage.Tx) error {
		if _, err := tx.State("juliet@example.net", 1); err != storage.ErrNotFound {
			t.Errorf("missing state error = %v, want ErrNotFound", err)
		}
		s := &storage.StateRecord{
			Entity:      "juliet@example.net",
			NodeIdx:     1,
			Affiliation: "owner",
			Subscriptions: []storage.SubEntry{
				{State: "subscribed", SubID: "sub-1"},
			},
		}
		if err := tx.PutState(s); err != nil {
			return err
		}
		// Mutating the caller's record must not change the stored copy.
		s.Affiliation = "outcast"
		got, err := tx.State("juliet@example.net", 1)
		if err != nil {
			return err
		}
		if got.Affiliation != "owner" {
			t.Errorf("stored affiliation = %q, want owner", got.Affiliation)
		}
		if len(got.Subscriptions) != 1 || got.Subscriptions[0].SubID != "sub-1" {
			t.Errorf("stored subscriptions = %v", got.Subscriptions)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
