// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"strings"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/xmppd/router"
)

func TestStanzaBytes(t *testing.T) {
	st := router.Stanza{
		Kind:     router.Message,
		ID:       "abc",
		To:       jid.MustParse("romeo@b.example"),
		From:     jid.MustParse("juliet@a.example/balcony"),
		InnerXML: []byte("<body>hi</body>"),
	}
	got := string(st.Bytes())
	want := `<message to="romeo@b.example" from="juliet@a.example/balcony" id="abc"><body>hi</body></message>`
	if got != want {
		t.Errorf("wrong serialization:\nwant=%s\n got=%s", want, got)
	}
}

func TestStanzaBytesSelfClosing(t *testing.T) {
	st := router.Stanza{
		Kind: router.Presence,
		To:   jid.MustParse("b.example"),
		From: jid.MustParse("a.example"),
	}
	got := string(st.Bytes())
	if !strings.HasSuffix(got, "/>") {
		t.Errorf("childless stanza should self close, got %s", got)
	}
}

func TestErrorReply(t *testing.T) {
	st := router.Stanza{
		Kind:     router.Message,
		ID:       "42",
		To:       jid.MustParse("romeo@b.example"),
		From:     jid.MustParse("juliet@a.example"),
		InnerXML: []byte("<body>hi</body>"),
	}
	reply := st.ErrorReply(stanza.Error{
		Type:      stanza.Cancel,
		Condition: stanza.RemoteServerNotFound,
	})
	if reply.Type != "error" {
		t.Errorf(`want type "error", got %q`, reply.Type)
	}
	if !reply.To.Equal(st.From) || !reply.From.Equal(st.To) {
		t.Errorf("addresses not swapped: to=%v from=%v", reply.To, reply.From)
	}
	body := string(reply.Bytes())
	if !strings.Contains(body, "remote-server-not-found") {
		t.Errorf("missing condition in %s", body)
	}
	if !strings.Contains(body, "<body>hi</body>") {
		t.Errorf("original children missing from %s", body)
	}
}

func TestTerminal(t *testing.T) {
	cases := []struct {
		kind router.Kind
		typ  string
		want bool
	}{
		{router.Message, "", false},
		{router.Message, "error", true},
		{router.IQ, "result", true},
		{router.IQ, "get", false},
		{router.Presence, "error", true},
	}
	for _, tc := range cases {
		st := router.Stanza{Kind: tc.kind, Type: tc.typ}
		if got := st.Terminal(); got != tc.want {
			t.Errorf("%s type=%q: want %t, got %t", tc.kind, tc.typ, tc.want, got)
		}
	}
}
