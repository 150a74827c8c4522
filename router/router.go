// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router defines the seam between the federation components and the
// stanza router that owns local delivery.
//
// The router itself is a collaborator: the s2s registry is a Router for
// remote domains, and the pubsub service emits its notifications through
// whatever Router it is constructed with.
package router // import "mellium.im/xmppd/router"

import (
	"context"
)

// Router routes a stanza towards its destination. Implementations must be
// safe for concurrent use.
type Router interface {
	Route(ctx context.Context, st Stanza) error
}

// Func is an adapter that allows ordinary functions to be used as Routers.
type Func func(ctx context.Context, st Stanza) error

// Route satisfies the Router interface.
func (f Func) Route(ctx context.Context, st Stanza) error {
	return f(ctx, st)
}

// Discard is a Router that drops every stanza. It is mostly useful in tests.
var Discard Router = Func(func(context.Context, Stanza) error {
	return nil
})
