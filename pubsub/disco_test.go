// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"testing"

	"mellium.im/xmpp/form"
)

func TestDiscoServiceInfo(t *testing.T) {
	svc, _ := newTestService(t)
	identities, features, err := svc.DiscoInfo(context.Background(), testHost, "", owner)
	if err != nil {
		t.Fatalf("disco info: %v", err)
	}
	if len(identities) != 1 || identities[0].Category != "pubsub" || identities[0].Type != "service" {
		t.Errorf("wrong identity: %v", identities)
	}
	want := map[string]bool{
		NS:                false,
		NS + "#publish":   false,
		NS + "#subscribe": false,
		NS + "#purge-nodes": false,
	}
	for _, f := range features {
		if _, ok := want[f.Var]; ok {
			want[f.Var] = true
		}
	}
	for v, found := range want {
		if !found {
			t.Errorf("missing feature %s", v)
		}
	}
}

func TestDiscoPEPInfo(t *testing.T) {
	svc, _ := newTestService(t)
	identities, features, err := svc.DiscoInfo(context.Background(), pepHost, "", juliet)
	if err != nil {
		t.Fatalf("disco info: %v", err)
	}
	if len(identities) != 1 || identities[0].Type != "pep" {
		t.Errorf("wrong identity: %v", identities)
	}
	found := false
	for _, f := range features {
		if f.Var == NS+"#auto-create" {
			found = true
		}
		// Presence-driven subscription is not implemented and must not be
		// advertised.
		if f.Var == NS+"#auto-subscribe" {
			t.Errorf("unsupported feature advertised: %s", f.Var)
		}
	}
	if !found {
		t.Error("PEP host must advertise auto-create")
	}
}

func TestDiscoNodeInfo(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "root", nil)
	mustCreate(t, svc, "leaf", form.New(
		form.ListMulti("pubsub#collection", form.Value("root")),
	))

	identities, _, err := svc.DiscoInfo(ctx, testHost, "leaf", owner)
	if err != nil {
		t.Fatalf("disco info: %v", err)
	}
	if identities[0].Type != "leaf" {
		t.Errorf("want leaf, got %s", identities[0].Type)
	}
	identities, _, err = svc.DiscoInfo(ctx, testHost, "root", owner)
	if err != nil {
		t.Fatalf("disco info: %v", err)
	}
	if identities[0].Type != "collection" {
		t.Errorf("want collection, got %s", identities[0].Type)
	}
}

func TestDiscoItemsHidesClosedNodes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "public", nil)
	mustCreate(t, svc, "private", form.New(
		form.List("pubsub#access_model", form.Value("whitelist")),
	))

	items, err := svc.DiscoItems(ctx, testHost, stranger)
	if err != nil {
		t.Fatalf("disco items: %v", err)
	}
	if len(items) != 1 || items[0] != "public" {
		t.Errorf("stranger should only see the open node, got %v", items)
	}

	items, err = svc.DiscoItems(ctx, testHost, owner)
	if err != nil {
		t.Fatalf("disco items: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("owner should see both nodes, got %v", items)
	}
}
