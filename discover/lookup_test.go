// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package discover_test

import (
	"math/rand"
	"net"
	"testing"

	"mellium.im/xmppd/discover"
)

var sortTestCases = [...]struct {
	in   []*net.SRV
	want []string
}{
	0: {
		in:   nil,
		want: []string{},
	},
	1: {
		// Zero weight records sort after weighted records of equal priority.
		in: []*net.SRV{
			{Target: "a", Priority: 10, Weight: 0, Port: 5269},
			{Target: "b", Priority: 10, Weight: 5, Port: 5269},
			{Target: "c", Priority: 20, Weight: 0, Port: 5269},
		},
		want: []string{"b", "a", "c"},
	},
	2: {
		// Priority dominates weight entirely.
		in: []*net.SRV{
			{Target: "low", Priority: 30, Weight: 65535, Port: 5269},
			{Target: "high", Priority: 1, Weight: 0, Port: 5269},
		},
		want: []string{"high", "low"},
	},
}

func TestSortSRV(t *testing.T) {
	for i, tc := range sortTestCases {
		rnd := rand.New(rand.NewSource(0))
		discover.SortSRV(tc.in, rnd.Float64)
		if len(tc.in) != len(tc.want) {
			t.Fatalf("%d: wrong length: want=%d, got=%d", i, len(tc.want), len(tc.in))
		}
		for j, rec := range tc.in {
			if rec.Target != tc.want[j] {
				t.Errorf("%d: wrong target at %d: want=%q, got=%q", i, j, tc.want[j], rec.Target)
			}
		}
	}
}

func TestSortSRVMaxWeight(t *testing.T) {
	// The maximum legal weight must not wrap to zero when the sort key is
	// computed; a 65535 weight record at equal priority should win against a
	// near-zero weight record almost every time.
	heavyFirst := 0
	for seed := int64(0); seed < 100; seed++ {
		in := []*net.SRV{
			{Target: "light", Priority: 10, Weight: 1},
			{Target: "heavy", Priority: 10, Weight: 65535},
		}
		rnd := rand.New(rand.NewSource(seed))
		discover.SortSRV(in, rnd.Float64)
		if in[0].Target == "heavy" {
			heavyFirst++
		}
	}
	if heavyFirst < 90 {
		t.Errorf("heavy record sorted first in only %d/100 trials", heavyFirst)
	}
}

func TestSortSRVStable(t *testing.T) {
	// Two records of equal priority where one has most of the weight should
	// normally sort with the heavy record first, but both must always precede
	// higher priority values no matter the random source.
	for seed := int64(0); seed < 32; seed++ {
		in := []*net.SRV{
			{Target: "c", Priority: 20, Weight: 100},
			{Target: "a", Priority: 10, Weight: 1},
			{Target: "b", Priority: 10, Weight: 100},
		}
		rnd := rand.New(rand.NewSource(seed))
		discover.SortSRV(in, rnd.Float64)
		if in[2].Target != "c" {
			t.Fatalf("seed %d: higher priority record did not sort last: %v", seed, in)
		}
	}
}
