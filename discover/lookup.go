// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover resolves remote XMPP server domains to connection
// candidates.
//
// Resolution follows the order required for server-to-server connections:
// SRV records for _xmpp-server._tcp (with _jabber._tcp as a legacy fallback)
// sorted by priority and weight, then address records for each target in a
// configurable address family order.
package discover // import "mellium.im/xmppd/discover"

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sort"
	"time"

	"golang.org/x/net/idna"
)

// Default values used by a zero Resolver.
const (
	DefaultPort    = 5269
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 2
)

// ErrNoAddresses is returned when resolution succeeds at the DNS level but
// produces no usable connection candidates.
var ErrNoAddresses = errors.New("discover: no addresses found")

// Addr is a single connection candidate.
type Addr struct {
	// Host is the DNS name the address was resolved from (the SRV target or
	// the bare domain).
	Host string

	IP   net.IP
	Port uint16
}

// Resolver resolves remote domains to ordered lists of connection candidates.
// The zero value is usable and uses the default resolver, timeout, retry
// count, port, and address family order (IPv4 before IPv6).
type Resolver struct {
	// Timeout bounds each individual DNS query.
	Timeout time.Duration

	// Retries is the number of attempts made for each SRV service before
	// falling back.
	Retries int

	// Port is used when no SRV records exist.
	Port uint16

	// Families is the address family order, a subset of "ip4" and "ip6".
	Families []string

	// Resolver is the underlying DNS resolver.
	Resolver *net.Resolver

	// Rand is the entropy source used for weighted SRV shuffling.
	// If nil the shared math/rand source is used.
	Rand *rand.Rand
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Resolver) retries() int {
	if r.Retries <= 0 {
		return DefaultRetries
	}
	return r.Retries
}

func (r *Resolver) port() uint16 {
	if r.Port == 0 {
		return DefaultPort
	}
	return r.Port
}

func (r *Resolver) families() []string {
	if len(r.Families) == 0 {
		return []string{"ip4", "ip6"}
	}
	return r.Families
}

func (r *Resolver) resolver() *net.Resolver {
	if r.Resolver == nil {
		return net.DefaultResolver
	}
	return r.Resolver
}

func (r *Resolver) float64() float64 {
	if r.Rand == nil {
		return rand.Float64()
	}
	return r.Rand.Float64()
}

// Resolve returns an ordered list of connection candidates for the domain.
// An empty list (with a non-nil error) means the remote server could not be
// found; callers are expected to back off and retry later.
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]Addr, error) {
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	records, err := r.lookupSRV(ctx, ascii)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		// RFC 6120 §3.2.1: a single SRV record with a target of "." means the
		// service is decidedly not available at this domain.
		return nil, ErrNoAddresses
	}

	SortSRV(records, func() float64 { return r.float64() })

	var (
		addrs   []Addr
		lastErr error
	)
	for _, rec := range records {
		ips, err := r.lookupIP(ctx, rec.Target)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ip := range ips {
			addrs = append(addrs, Addr{Host: rec.Target, IP: ip, Port: rec.Port})
		}
	}
	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = ErrNoAddresses
		}
		return nil, lastErr
	}
	return addrs, nil
}

// lookupSRV tries the xmpp-server service and then the legacy jabber service.
// If neither produces records the bare domain with the default port is
// returned as a fake record so address resolution proceeds uniformly.
func (r *Resolver) lookupSRV(ctx context.Context, domain string) ([]*net.SRV, error) {
	for _, service := range []string{"xmpp-server", "jabber"} {
		var lastErr error
		for i := 0; i < r.retries(); i++ {
			lctx, cancel := context.WithTimeout(ctx, r.timeout())
			_, records, err := r.resolver().LookupSRV(lctx, service, "tcp", domain)
			cancel()
			if err != nil {
				if isNotFound(err) {
					lastErr = nil
					break
				}
				lastErr = err
				continue
			}
			if len(records) == 1 && records[0].Target == "." {
				return nil, nil
			}
			if len(records) > 0 {
				return records, nil
			}
			lastErr = nil
			break
		}
		if lastErr != nil && ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return []*net.SRV{{Target: domain, Port: r.port()}}, nil
}

func (r *Resolver) lookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var (
		ips     []net.IP
		lastErr error
	)
	for _, family := range r.families() {
		lctx, cancel := context.WithTimeout(ctx, r.timeout())
		found, err := r.resolver().LookupIP(lctx, family, host)
		cancel()
		if err != nil {
			if !isNotFound(err) {
				lastErr = err
			}
			continue
		}
		ips = append(ips, found...)
	}
	if len(ips) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return ips, nil
}

// SortSRV sorts SRV records in connection order: ascending priority, and
// weighted-random within equal priorities. Each record is assigned the key
//
//	priority*65536 - (weight+1)*u
//
// with u drawn from [0, 1), except that zero-weight records keep the bare
// priority*65536 key, and records are sorted by ascending key. This gives
// heavier records a larger expected head start within their priority band
// while keeping zero-weight records last.
func SortSRV(records []*net.SRV, random func() float64) {
	keys := make(map[*net.SRV]float64, len(records))
	for _, rec := range records {
		key := float64(rec.Priority) * 65536
		if rec.Weight != 0 {
			// The +1 must happen in float64: the maximum legal weight
			// would otherwise wrap to zero.
			key -= (float64(rec.Weight) + 1) * random()
		}
		keys[rec] = key
	}
	sort.SliceStable(records, func(i, j int) bool {
		return keys[records[i]] < keys[records[j]]
	})
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	ok := errors.As(err, &dnsErr)
	return ok && dnsErr.IsNotFound
}
