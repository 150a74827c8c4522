// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"mellium.im/xmppd/dialback"
	"mellium.im/xmppd/discover"
	"mellium.im/xmppd/router"
)

const (
	testLocal  = "example.net"
	testRemote = "127.0.0.1"
)

// testResolver resolves without touching DNS: SRV lookups fail immediately
// through the erroring dialer and fall back to the bare domain, and the
// remote domain used in tests is an IP literal so address lookup
// short-circuits.
func testResolver(port uint16) *discover.Resolver {
	return &discover.Resolver{
		Port:     port,
		Timeout:  10 * time.Millisecond,
		Retries:  1,
		Families: []string{"ip4"},
		Resolver: &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return nil, errors.New("no dns in tests")
			},
		},
	}
}

func listen(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func attrValue(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// peerHeader writes the scripted peer's stream header. An empty version
// makes the peer look like a pre-1.0 server.
func peerHeader(conn net.Conn, streamID, version string) {
	v := ""
	if version != "" {
		v = fmt.Sprintf(" version='%s'", version)
	}
	fmt.Fprintf(conn, "<?xml version='1.0'?><stream:stream"+
		" xmlns:stream='http://etherx.jabber.org/streams'"+
		" xmlns='jabber:server' xmlns:db='jabber:server:dialback'"+
		" from='%s' to='%s' id='%s'%s>", testRemote, testLocal, streamID, v)
}

// answerDialback reads the session's db:result, checks the asserted key, and
// replies with the verdict.
func answerDialback(t *testing.T, conn net.Conn, dec *xml.Decoder, secret []byte, streamID string) {
	t.Helper()
	se, err := nextStart(dec)
	if err != nil {
		t.Errorf("reading db:result: %v", err)
		return
	}
	if se.Name.Space != "jabber:server:dialback" || se.Name.Local != "result" {
		t.Errorf("expected db:result, got %v", se.Name)
		return
	}
	var body struct {
		Key string `xml:",chardata"`
	}
	if err := dec.DecodeElement(&body, &se); err != nil {
		t.Errorf("decoding db:result: %v", err)
		return
	}
	typ := "invalid"
	if body.Key == dialback.Key(secret, testRemote, testLocal, streamID) {
		typ = "valid"
	}
	fmt.Fprintf(conn, "<db:result from='%s' to='%s' type='%s'/>", testRemote, testLocal, typ)
}

func testStanza(id, body string) router.Stanza {
	return router.Stanza{
		Kind:     router.Message,
		ID:       id,
		To:       jid.MustParse("romeo@" + testRemote),
		From:     jid.MustParse("juliet@" + testLocal),
		InnerXML: []byte("<body>" + body + "</body>"),
	}
}

func TestSessionDialbackEstablish(t *testing.T) {
	secret := []byte("test secret")
	ln, port := listen(t)
	gotIDs := make(chan string, 2)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := xml.NewDecoder(conn)
		se, err := nextStart(dec)
		if err != nil {
			t.Errorf("reading stream open: %v", err)
			return
		}
		if got := attrValue(se, "to"); got != testRemote {
			t.Errorf("stream open to = %q, want %q", got, testRemote)
		}
		peerHeader(conn, "stream-1", "")
		answerDialback(t, conn, dec, secret, "stream-1")
		for i := 0; i < 2; i++ {
			se, err := nextStart(dec)
			if err != nil {
				t.Errorf("reading stanza: %v", err)
				return
			}
			if se.Name.Local != "message" {
				t.Errorf("expected message, got %v", se.Name)
			}
			gotIDs <- attrValue(se, "id")
			dec.Skip()
		}
	}()

	reg := NewRegistry(
		Secret(secret),
		Resolver(testResolver(port)),
	)
	defer reg.Close()

	ctx := context.Background()
	// Both stanzas are queued before the stream is established and must be
	// flushed in order.
	if err := reg.Send(ctx, testLocal, testRemote, testStanza("m1", "one")); err != nil {
		t.Fatalf("send m1: %v", err)
	}
	if err := reg.Send(ctx, testLocal, testRemote, testStanza("m2", "two")); err != nil {
		t.Fatalf("send m2: %v", err)
	}

	for _, want := range []string{"m1", "m2"} {
		select {
		case got := <-gotIDs:
			if got != want {
				t.Fatalf("stanza order: got %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for stanza %q", want)
		}
	}

	if _, ok := reg.GetConnection(testLocal, testRemote); !ok {
		t.Fatal("established session missing from registry")
	}
}

func TestSessionTLSRequiredFallsBackToPre10(t *testing.T) {
	secret := []byte("test secret")
	ln, port := listen(t)
	gotID := make(chan string, 1)

	go func() {
		// First stream: advertise mandatory STARTTLS. The session has TLS
		// disabled so it must give up on 1.0 negotiation and reconnect.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		dec := xml.NewDecoder(conn)
		if _, err := nextStart(dec); err != nil {
			t.Errorf("first stream open: %v", err)
			conn.Close()
			return
		}
		peerHeader(conn, "stream-1", "1.0")
		fmt.Fprint(conn, "<stream:features>"+
			"<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls>"+
			"</stream:features>")

		// Second stream: the opening must not claim 1.0 support anymore.
		conn2, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
		defer conn2.Close()
		dec = xml.NewDecoder(conn2)
		se, err := nextStart(dec)
		if err != nil {
			t.Errorf("second stream open: %v", err)
			return
		}
		if v := attrValue(se, "version"); v != "" {
			t.Errorf("reopened stream claims version %q, want pre-1.0", v)
		}
		peerHeader(conn2, "stream-2", "")
		answerDialback(t, conn2, dec, secret, "stream-2")
		se, err = nextStart(dec)
		if err != nil {
			t.Errorf("reading stanza: %v", err)
			return
		}
		gotID <- attrValue(se, "id")
	}()

	reg := NewRegistry(
		Secret(secret),
		Resolver(testResolver(port)),
	)
	defer reg.Close()

	if err := reg.Send(context.Background(), testLocal, testRemote, testStanza("m1", "one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-gotID:
		if got != "m1" {
			t.Fatalf("got stanza %q, want m1", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stanza after pre-1.0 fallback")
	}
}

func TestSessionBouncesOnConnectFailure(t *testing.T) {
	// Grab a free port and close the listener so connections are refused.
	ln, port := listen(t)
	ln.Close()

	bounced := make(chan router.Stanza, 1)
	reg := NewRegistry(
		Secret([]byte("test secret")),
		Resolver(testResolver(port)),
		Router(router.Func(func(ctx context.Context, st router.Stanza) error {
			bounced <- st
			return nil
		})),
	)
	defer reg.Close()

	orig := testStanza("m1", "one")
	if err := reg.Send(context.Background(), testLocal, testRemote, orig); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case reply := <-bounced:
		if reply.Type != "error" {
			t.Errorf("bounce type = %q, want error", reply.Type)
		}
		if !reply.To.Equal(orig.From) || !reply.From.Equal(orig.To) {
			t.Errorf("bounce addressing not swapped: to=%v from=%v", reply.To, reply.From)
		}
		if !strings.Contains(string(reply.InnerXML), "remote-server-not-found") {
			t.Errorf("bounce condition missing, inner = %s", reply.InnerXML)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bounce")
	}
}

func TestSessionVerifyChallenge(t *testing.T) {
	secret := []byte("test secret")
	ln, port := listen(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := xml.NewDecoder(conn)
		if _, err := nextStart(dec); err != nil {
			t.Errorf("stream open: %v", err)
			return
		}
		peerHeader(conn, "stream-1", "")
		se, err := nextStart(dec)
		if err != nil {
			t.Errorf("reading db:verify: %v", err)
			return
		}
		if se.Name.Space != "jabber:server:dialback" || se.Name.Local != "verify" {
			t.Errorf("expected db:verify, got %v", se.Name)
			return
		}
		id := attrValue(se, "id")
		var body struct {
			Key string `xml:",chardata"`
		}
		if err := dec.DecodeElement(&body, &se); err != nil {
			t.Errorf("decoding db:verify: %v", err)
			return
		}
		typ := "invalid"
		if id == "in-42" && body.Key == "the-asserted-key" {
			typ = "valid"
		}
		fmt.Fprintf(conn, "<db:verify from='%s' to='%s' id='%s' type='%s'/>", testRemote, testLocal, id, typ)
	}()

	reg := NewRegistry(
		Secret(secret),
		Resolver(testResolver(port)),
	)
	defer reg.Close()

	result := make(chan bool, 1)
	reg.SendVerify(testLocal, testRemote, "in-42", "the-asserted-key", func(valid bool) {
		result <- valid
	})

	select {
	case valid := <-result:
		if !valid {
			t.Fatal("verification reported invalid, want valid")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for verification result")
	}
}
