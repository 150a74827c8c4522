// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"testing"
	"time"
)

func TestSubOptionsApply(t *testing.T) {
	tests := []struct {
		name   string
		values map[string][]string
		err    bool
		check  func(SubOptions) bool
	}{
		{
			name:   "deliver off",
			values: map[string][]string{"pubsub#deliver": {"false"}},
			check:  func(o SubOptions) bool { return !o.Deliver },
		},
		{
			name:   "depth all",
			values: map[string][]string{"pubsub#subscription_depth": {"all"}},
			check:  func(o SubOptions) bool { return o.Depth == DepthAll },
		},
		{
			name:   "depth number",
			values: map[string][]string{"pubsub#subscription_depth": {"3"}},
			check:  func(o SubOptions) bool { return o.Depth == 3 },
		},
		{
			name:   "negative depth",
			values: map[string][]string{"pubsub#subscription_depth": {"-2"}},
			err:    true,
		},
		{
			name:   "type",
			values: map[string][]string{"pubsub#subscription_type": {"nodes"}},
			check:  func(o SubOptions) bool { return o.Type == "nodes" },
		},
		{
			name:   "bad type",
			values: map[string][]string{"pubsub#subscription_type": {"everything"}},
			err:    true,
		},
		{
			name:   "show values",
			values: map[string][]string{"pubsub#show-values": {"chat online"}},
			check:  func(o SubOptions) bool { return len(o.ShowValues) == 2 },
		},
		{
			name:   "bad show value",
			values: map[string][]string{"pubsub#show-values": {"invisible"}},
			err:    true,
		},
		{
			name:   "expire presence",
			values: map[string][]string{"pubsub#expire": {"presence"}},
			check:  func(o SubOptions) bool { return o.Expire.IsZero() },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := defaultSubOptions()
			err := o.apply(tc.values)
			if tc.err {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !tc.check(o) {
				t.Errorf("value not applied: %+v", o)
			}
		})
	}
}

func TestSubOptionsMatching(t *testing.T) {
	o := defaultSubOptions()
	if !o.matchesType(false) || !o.matchesType(true) {
		t.Error("default subscriptions receive both event classes")
	}
	o.Type = "items"
	if !o.matchesType(false) || o.matchesType(true) {
		t.Error("items subscriptions must not receive structural events")
	}
	o.Type = "nodes"
	if o.matchesType(false) || !o.matchesType(true) {
		t.Error("nodes subscriptions must not receive item events")
	}
}

func TestSubOptionsExpiry(t *testing.T) {
	now := time.Now()
	o := defaultSubOptions()
	if o.expired(now) {
		t.Error("zero expiry never lapses")
	}
	o.Expire = now.Add(-time.Minute)
	if !o.expired(now) {
		t.Error("past expiry must lapse")
	}
	o.Expire = now.Add(time.Minute)
	if o.expired(now) {
		t.Error("future expiry must not lapse")
	}
}
