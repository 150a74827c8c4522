// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

// State is the negotiation state of an outgoing session.
type State int

// States of the outgoing session state machine, in the rough order a
// successful negotiation passes through them.
const (
	StateOpenSocket State = iota
	StateWaitForStream
	StateWaitForFeatures
	StateWaitForStartTLSProceed
	StateWaitForAuthResult
	StateWaitForValidation
	StateReopenSocket
	StateWaitBeforeRetry
	StateStreamEstablished
	StateTerminated
)

// String satisfies fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateOpenSocket:
		return "open_socket"
	case StateWaitForStream:
		return "wait_for_stream"
	case StateWaitForFeatures:
		return "wait_for_features"
	case StateWaitForStartTLSProceed:
		return "wait_for_starttls_proceed"
	case StateWaitForAuthResult:
		return "wait_for_auth_result"
	case StateWaitForValidation:
		return "wait_for_validation"
	case StateReopenSocket:
		return "reopen_socket"
	case StateWaitBeforeRetry:
		return "wait_before_retry"
	case StateStreamEstablished:
		return "stream_established"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// established reports whether the state accepts direct stanza writes.
func (s State) established() bool {
	return s == StateStreamEstablished
}
