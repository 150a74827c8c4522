// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"

	"go.uber.org/zap"
	"mellium.im/xmpp/stanza"

	"mellium.im/xmppd/router"
)

// bounce returns an undeliverable stanza to its sender as a synthesized
// error reply. Stanzas that must not generate errors (error stanzas and IQ
// results) are dropped instead, which keeps two servers from bouncing errors
// back and forth forever.
func (s *Session) bounce(st router.Stanza, e stanza.Error) {
	if st.Terminal() {
		return
	}
	reply := st.ErrorReply(e)
	if err := s.cfg.Router.Route(context.Background(), reply); err != nil {
		s.log.Warn("failed to bounce stanza",
			zap.String("id", st.ID),
			zap.Error(err),
		)
	}
}
