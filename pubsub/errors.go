// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmpp/stanza"
)

// Error is a pubsub request failure: a standard stanza error optionally
// extended with a pubsub#errors child element.
type Error struct {
	Err stanza.Error

	// PubSub is the local name of the pubsub#errors child, if any
	// (for example "closed-node" or "presence-subscription-required").
	PubSub string

	// Feature is the feature attribute of the "unsupported" child.
	Feature string
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := string(e.Err.Condition)
	if e.PubSub != "" {
		s += " (" + e.PubSub
		if e.Feature != "" {
			s += " " + e.Feature
		}
		s += ")"
	}
	return s
}

// Condition returns the stanza error condition.
func (e *Error) Condition() stanza.Condition {
	return e.Err.Condition
}

// StanzaError returns the wrapped stanza error.
func (e *Error) StanzaError() stanza.Error {
	return e.Err
}

// AppendXML appends the serialized error element, including the extended
// pubsub child, to b.
func (e *Error) AppendXML(b *bytes.Buffer) {
	b.WriteString(`<error type="`)
	b.WriteString(string(e.Err.Type))
	b.WriteString(`"><`)
	b.WriteString(string(e.Err.Condition))
	b.WriteString(` xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>`)
	if e.PubSub != "" {
		b.WriteByte('<')
		b.WriteString(e.PubSub)
		b.WriteString(` xmlns="`)
		b.WriteString(NSErrors)
		b.WriteByte('"')
		if e.Feature != "" {
			b.WriteString(` feature="`)
			xml.EscapeText(b, []byte(e.Feature))
			b.WriteByte('"')
		}
		b.WriteString(`/>`)
	}
	b.WriteString(`</error>`)
}

// Unsupported returns the feature-not-implemented error with the extended
// unsupported child naming the missing feature.
func Unsupported(feature string) *Error {
	return &Error{
		Err:     stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented},
		PubSub:  "unsupported",
		Feature: feature,
	}
}

func errForbidden() *Error {
	return &Error{Err: stanza.Error{Type: stanza.Auth, Condition: stanza.Forbidden}}
}

func errConflict() *Error {
	return &Error{Err: stanza.Error{Type: stanza.Cancel, Condition: stanza.Conflict}}
}

func errNotAcceptable() *Error {
	return &Error{Err: stanza.Error{Type: stanza.Modify, Condition: stanza.NotAcceptable}}
}

func errItemNotFound() *Error {
	return &Error{Err: stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound}}
}

func errNotAuthorized(pubsubCond string) *Error {
	return &Error{
		Err:    stanza.Error{Type: stanza.Auth, Condition: stanza.NotAuthorized},
		PubSub: pubsubCond,
	}
}

func errNotAllowed(pubsubCond string) *Error {
	return &Error{
		Err:    stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed},
		PubSub: pubsubCond,
	}
}

func errBadRequest(pubsubCond string) *Error {
	return &Error{
		Err:    stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest},
		PubSub: pubsubCond,
	}
}

func errInternal() *Error {
	return &Error{Err: stanza.Error{Type: stanza.Wait, Condition: stanza.InternalServerError}}
}
