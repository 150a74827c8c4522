// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dialback generates and checks Server Dialback keys.
//
// Keys follow the recommendation of XEP-0185: the key asserted for a stream
// is an HMAC-SHA256 of the receiving domain, the originating domain, and the
// stream ID, using the hex encoded SHA-256 of a site-wide secret as the HMAC
// key.
package dialback // import "mellium.im/xmppd/dialback"

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Key generates the dialback key asserted by from when connecting to to on
// the stream identified by streamID.
func Key(secret []byte, to, from, streamID string) string {
	sum := sha256.Sum256(secret)
	mac := hmac.New(sha256.New, []byte(hex.EncodeToString(sum[:])))
	// Hash writes never return an error.
	io.WriteString(mac, to)
	io.WriteString(mac, " ")
	io.WriteString(mac, from)
	io.WriteString(mac, " ")
	io.WriteString(mac, streamID)
	return hex.EncodeToString(mac.Sum(nil))
}

// Check reports whether key is the valid dialback key for the given domains
// and stream ID. The comparison is constant time.
func Check(secret []byte, to, from, streamID, key string) bool {
	return hmac.Equal([]byte(Key(secret, to, from, streamID)), []byte(key))
}
