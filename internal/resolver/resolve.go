// Package resolver turns a destination address into a dialable list of
// socket addresses and maintains a bounded pool of idle upstream
// connections.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nabbar/socks5-acl-proxy/internal/addr"
	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
)

// ErrAddrNotAvailable is returned when resolution yields no usable
// socket addresses.
var ErrAddrNotAvailable = errors.New("resolver: no addresses available")

// Resolver performs destination resolution: literal IPs pass through as
// a single-element result, domains go through the standard resolver and
// have their results reordered so IPv6 entries precede IPv4 while
// preserving relative order within each family.
type Resolver struct {
	lookup func(ctx context.Context, host string) ([]net.IP, error)
	m      *metrics.Metrics
}

// New builds a Resolver using net.DefaultResolver for domain lookups.
func New(m *metrics.Metrics) *Resolver {
	return &Resolver{
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		m:      m,
	}
}

// Resolve returns a non-empty ordered list of net.IP for the given
// destination address.
func (r *Resolver) Resolve(ctx context.Context, dest addr.Address) ([]net.IP, error) {
	if !dest.IsDomain() {
		return []net.IP{dest.IP()}, nil
	}

	ips, err := r.lookup(ctx, dest.Domain())
	if err != nil {
		if r.m != nil {
			r.m.ResolverErrors.Inc()
		}
		return nil, fmt.Errorf("resolver: lookup %q: %w", dest.Domain(), err)
	}
	if len(ips) == 0 {
		if r.m != nil {
			r.m.ResolverErrors.Inc()
		}
		return nil, ErrAddrNotAvailable
	}

	return reorderIPv6First(ips), nil
}

// reorderIPv6First partitions ips into IPv6 and IPv4 groups, each
// preserving its original relative order, with IPv6 entries first.
func reorderIPv6First(ips []net.IP) []net.IP {
	out := make([]net.IP, 0, len(ips))
	var v4 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		} else {
			out = append(out, ip)
		}
	}
	return append(out, v4...)
}
