// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Kind is the top level element name of a stanza.
type Kind string

// The three stanza kinds defined by RFC 6120.
const (
	Message  Kind = "message"
	IQ       Kind = "iq"
	Presence Kind = "presence"
)

// Stanza is a routable stanza: the header attributes plus the serialized
// child elements. Children are carried as raw XML so that stanzas can be
// relayed without reparsing payloads this layer does not understand.
type Stanza struct {
	Kind Kind
	Type string
	ID   string
	To   jid.JID
	From jid.JID

	// InnerXML is the serialized children of the stanza element, without the
	// stanza element itself.
	InnerXML []byte
}

// Bytes serializes the stanza. Within a server-to-server stream the default
// namespace is jabber:server, so no xmlns attribute is written.
func (st Stanza) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(string(st.Kind))
	writeAttr(&buf, "to", st.To.String())
	writeAttr(&buf, "from", st.From.String())
	if st.ID != "" {
		writeAttr(&buf, "id", st.ID)
	}
	if st.Type != "" {
		writeAttr(&buf, "type", st.Type)
	}
	if len(st.InnerXML) == 0 {
		buf.WriteString("/>")
		return buf.Bytes()
	}
	buf.WriteByte('>')
	buf.Write(st.InnerXML)
	buf.WriteString("</")
	buf.WriteString(string(st.Kind))
	buf.WriteByte('>')
	return buf.Bytes()
}

// ErrorReply synthesizes an error reply for the stanza: addresses are
// swapped, the type becomes "error", and the error element is appended after
// the original children. Callers are responsible for not replying to stanzas
// that already have type "error" or "result".
func (st Stanza) ErrorReply(e stanza.Error) Stanza {
	inner := make([]byte, 0, len(st.InnerXML)+64)
	inner = append(inner, st.InnerXML...)
	inner = append(inner, marshalError(e)...)
	return Stanza{
		Kind:     st.Kind,
		Type:     "error",
		ID:       st.ID,
		To:       st.From,
		From:     st.To,
		InnerXML: inner,
	}
}

// Terminal reports whether the stanza must never be answered with an error
// (RFC 6120 §8.3.1: error and result stanzas do not trigger error replies).
func (st Stanza) Terminal() bool {
	return st.Type == "error" || (st.Kind == IQ && st.Type == "result")
}

func marshalError(e stanza.Error) []byte {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if _, err := e.WriteXML(enc); err != nil {
		return nil
	}
	if err := enc.Flush(); err != nil {
		return nil
	}
	return buf.Bytes()
}

func writeAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	// Attribute values never fail to escape.
	xml.EscapeText(buf, []byte(value))
	buf.WriteByte('"')
}
