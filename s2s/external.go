// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"mellium.im/sasl"
)

// tlsAuth returns a SASL mechanism that asks the remote server to
// authenticate the connection using the TLS client certificate.
// This is an implementation of SASL EXTERNAL specifically tailored to XMPP
// server-to-server streams: the authorization identity is the asserting
// domain.
func tlsAuth() sasl.Mechanism {
	return sasl.Mechanism{
		Name: "EXTERNAL",
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			_, _, identity := m.Credentials()
			return false, identity, nil, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, _ interface{}) (bool, []byte, interface{}, error) {
			// An outgoing session is always the initiating side and EXTERNAL
			// is a single message mechanism, so this step is never reached on
			// a well behaved stream.
			return false, nil, nil, sasl.ErrTooManySteps
		},
	}
}

// externalResponse computes the initial response for SASL EXTERNAL asserting
// the given local domain.
func externalResponse(localDomain string) ([]byte, error) {
	client := sasl.NewClient(
		tlsAuth(),
		sasl.Credentials(func() ([]byte, []byte, []byte) {
			return nil, nil, []byte(localDomain)
		}),
	)
	_, resp, err := client.Step(nil)
	return resp, err
}
