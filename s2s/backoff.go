// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"math/rand"
	"time"
)

// Bounds of the first retry delay. The first delay is drawn uniformly from
// [minFirstRetry, maxFirstRetry) and every later failure doubles the
// previous delay up to the configured maximum.
const (
	minFirstRetry = 1 * time.Second
	maxFirstRetry = 15 * time.Second
)

// nextRetryDelay computes the delay before the next connection attempt.
// A zero prev means this is the first failure. The result is never less than
// prev and never more than max.
func nextRetryDelay(prev, max time.Duration, random func() float64) time.Duration {
	if random == nil {
		random = rand.Float64
	}
	if max <= 0 {
		max = DefaultMaxRetryDelay
	}
	var next time.Duration
	if prev <= 0 {
		next = minFirstRetry + time.Duration(random()*float64(maxFirstRetry-minFirstRetry))
	} else {
		next = prev * 2
	}
	if next > max {
		next = max
	}
	if next < prev {
		next = prev
	}
	return next
}
