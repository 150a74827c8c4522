// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"net"
	"strconv"
	"time"

	"mellium.im/xmppd/internal/attr"
	"mellium.im/xmppd/internal/ns"
)

var errNoRoute = errors.New("s2s: no route to remote server")

// transport owns the socket of a single session: connect, bounded writes,
// TLS upgrade, and parser resets across stream restarts. All methods are
// called from the owning session goroutine only.
type transport struct {
	conn        net.Conn
	dec         *xml.Decoder
	sendTimeout time.Duration
	secured     bool
}

// dialTransport connects to the first reachable candidate for the remote
// domain.
func dialTransport(ctx context.Context, cfg *Config, remote string) (*transport, error) {
	addrs, err := cfg.Resolver.Resolve(ctx, remote)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		LocalAddr: cfg.LocalAddr,
	}
	var lastErr error = errNoRoute
	for _, a := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port))))
		if err != nil {
			lastErr = err
			continue
		}
		tp := &transport{
			conn:        conn,
			sendTimeout: cfg.SendTimeout,
		}
		tp.resetParser()
		return tp, nil
	}
	return nil, lastErr
}

func (tp *transport) send(b []byte) error {
	if err := tp.conn.SetWriteDeadline(time.Now().Add(tp.sendTimeout)); err != nil {
		return err
	}
	_, err := tp.conn.Write(b)
	return err
}

// starttls upgrades the socket to TLS as the client side and resets the
// stream parser. The handshake is bounded by the configured send timeout.
func (tp *transport) starttls(ctx context.Context, cfg *tls.Config) error {
	tlsConn := tls.Client(tp.conn, cfg)
	hctx, cancel := context.WithTimeout(ctx, tp.sendTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return err
	}
	tp.conn = tlsConn
	tp.secured = true
	tp.resetParser()
	return nil
}

// resetParser discards parser state so that a new stream opening can be read
// on the same socket.
func (tp *transport) resetParser() {
	tp.dec = xml.NewDecoder(tp.conn)
}

func (tp *transport) close() {
	if tp.conn != nil {
		tp.conn.Close()
	}
}

// Events produced by the stream reader. Every event carries the generation
// of the reader that produced it so the session can discard events from a
// reader that outlived a stream restart.
type (
	evStreamStart struct {
		gen       int
		id        string
		version   string
		defaultNS string
		dialback  bool
	}
	evFeatures struct {
		gen         int
		startTLS    bool
		tlsRequired bool
		external    bool
		dialback    bool
	}
	evProceed     struct{ gen int }
	evTLSFailure  struct{ gen int }
	evSASLSuccess struct{ gen int }
	evSASLFailure struct{ gen int }
	evDialbackResult struct {
		gen      int
		from, to string
		typ      string
	}
	evDialbackVerify struct {
		gen      int
		from, to string
		id       string
		typ      string
	}
	evStreamEnd   struct{ gen int }
	evStreamError struct {
		gen  int
		cond string
	}
	evClosed struct {
		gen int
		err error
	}
)

type streamFeatures struct {
	XMLName  xml.Name `xml:"http://etherx.jabber.org/streams features"`
	StartTLS *struct {
		Required *struct{} `xml:"required"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
	Mechanisms struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
	Dialback *struct{} `xml:"urn:xmpp:features:dialback dialback"`
}

type streamErrorElem struct {
	XMLName xml.Name `xml:"http://etherx.jabber.org/streams error"`
	Any     struct {
		XMLName xml.Name
	} `xml:",any"`
}

// readStream decodes one stream's worth of top level elements into events.
// It returns after emitting an event that forces a stream restart (STARTTLS
// proceed, SASL success) or ends the stream; the session starts a fresh
// reader for the next stream generation.
func (s *Session) readStream(gen int, tp *transport) {
	sendEvent := func(ev interface{}) bool {
		select {
		case s.mailbox <- ev:
			return true
		case <-s.done:
			return false
		}
	}

	sawStart := false
	for {
		tok, err := tp.dec.Token()
		if err != nil {
			sendEvent(evClosed{gen: gen, err: err})
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !sawStart {
				if t.Name.Space != ns.Stream || t.Name.Local != "stream" {
					sendEvent(evStreamError{gen: gen, cond: "invalid-xml"})
					return
				}
				sawStart = true
				ev := evStreamStart{
					gen:     gen,
					id:      attr.Get(t.Attr, "id"),
					version: attr.Get(t.Attr, "version"),
				}
				for _, a := range t.Attr {
					switch {
					case a.Name.Space == "" && a.Name.Local == "xmlns":
						ev.defaultNS = a.Value
					case a.Name.Space == "xmlns" && a.Name.Local == "db":
						ev.dialback = a.Value == ns.Dialback
					}
				}
				if !sendEvent(ev) {
					return
				}
				continue
			}

			switch {
			case t.Name.Space == ns.Stream && t.Name.Local == "features":
				var parsed streamFeatures
				if err := tp.dec.DecodeElement(&parsed, &t); err != nil {
					sendEvent(evClosed{gen: gen, err: err})
					return
				}
				ev := evFeatures{
					gen:      gen,
					startTLS: parsed.StartTLS != nil,
					dialback: parsed.Dialback != nil,
				}
				if parsed.StartTLS != nil && parsed.StartTLS.Required != nil {
					ev.tlsRequired = true
				}
				for _, m := range parsed.Mechanisms.Mechanism {
					if m == "EXTERNAL" {
						ev.external = true
					}
				}
				if !sendEvent(ev) {
					return
				}
			case t.Name.Space == ns.Stream && t.Name.Local == "error":
				var parsed streamErrorElem
				cond := "undefined-condition"
				if err := tp.dec.DecodeElement(&parsed, &t); err == nil && parsed.Any.XMLName.Local != "" {
					cond = parsed.Any.XMLName.Local
				}
				sendEvent(evStreamError{gen: gen, cond: cond})
				return
			case t.Name.Space == ns.StartTLS && t.Name.Local == "proceed":
				if err := tp.dec.Skip(); err != nil {
					sendEvent(evClosed{gen: gen, err: err})
					return
				}
				// The next bytes on the wire are the TLS handshake; this
				// reader must not touch the socket again.
				sendEvent(evProceed{gen: gen})
				return
			case t.Name.Space == ns.StartTLS && t.Name.Local == "failure":
				tp.dec.Skip()
				sendEvent(evTLSFailure{gen: gen})
				return
			case t.Name.Space == ns.SASL && t.Name.Local == "success":
				if err := tp.dec.Skip(); err != nil {
					sendEvent(evClosed{gen: gen, err: err})
					return
				}
				// Stream restart follows; hand the socket back to the session.
				sendEvent(evSASLSuccess{gen: gen})
				return
			case t.Name.Space == ns.SASL && t.Name.Local == "failure":
				tp.dec.Skip()
				if !sendEvent(evSASLFailure{gen: gen}) {
					return
				}
			case t.Name.Space == ns.Dialback && t.Name.Local == "result":
				ev := evDialbackResult{
					gen:  gen,
					from: attr.Get(t.Attr, "from"),
					to:   attr.Get(t.Attr, "to"),
					typ:  attr.Get(t.Attr, "type"),
				}
				if err := tp.dec.Skip(); err != nil {
					sendEvent(evClosed{gen: gen, err: err})
					return
				}
				if !sendEvent(ev) {
					return
				}
			case t.Name.Space == ns.Dialback && t.Name.Local == "verify":
				ev := evDialbackVerify{
					gen:  gen,
					from: attr.Get(t.Attr, "from"),
					to:   attr.Get(t.Attr, "to"),
					id:   attr.Get(t.Attr, "id"),
					typ:  attr.Get(t.Attr, "type"),
				}
				if err := tp.dec.Skip(); err != nil {
					sendEvent(evClosed{gen: gen, err: err})
					return
				}
				if !sendEvent(ev) {
					return
				}
			default:
				// Inbound stanzas are not expected on an outgoing-only
				// stream; skip them.
				if err := tp.dec.Skip(); err != nil {
					sendEvent(evClosed{gen: gen, err: err})
					return
				}
			}
		case xml.EndElement:
			if t.Name.Space == ns.Stream && t.Name.Local == "stream" {
				sendEvent(evStreamEnd{gen: gen})
				return
			}
		}
	}
}
