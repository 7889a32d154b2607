package acl

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nabbar/socks5-acl-proxy/internal/addr"
)

// AddressMatcher tests a destination address. Modeled as a tagged variant
// per matcher kind rather than an inheritance hierarchy, so wildcard and
// exact lookups share one evaluation path.
type AddressMatcher interface {
	MatchAddress(a addr.Address) bool
	String() string
}

// ExactIPMatcher matches a single literal IP address.
type ExactIPMatcher struct {
	IP net.IP
}

func (m ExactIPMatcher) MatchAddress(a addr.Address) bool {
	if a.IsDomain() {
		return false
	}
	return m.IP.Equal(a.IP())
}

func (m ExactIPMatcher) String() string { return "ip:" + m.IP.String() }

// CIDRMatcher matches a literal IP against a CIDR block, rejecting
// mismatched address families.
type CIDRMatcher struct {
	Net *net.IPNet
}

// NewCIDRMatcher parses a CIDR string, validating that the prefix length
// does not exceed the address family's width.
func NewCIDRMatcher(cidr string) (CIDRMatcher, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return CIDRMatcher{}, fmt.Errorf("acl: invalid CIDR %q: %w", cidr, err)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	ones, total := ipNet.Mask.Size()
	if total != bits || ones > bits {
		return CIDRMatcher{}, fmt.Errorf("acl: CIDR %q prefix length exceeds address family width", cidr)
	}
	return CIDRMatcher{Net: ipNet}, nil
}

func (m CIDRMatcher) MatchAddress(a addr.Address) bool {
	if a.IsDomain() {
		return false
	}
	ip := a.IP()
	// Reject mismatched families: net.IPNet.Contains would otherwise
	// coerce a v4-mapped v6 address into matching a v4 CIDR.
	if (m.Net.IP.To4() != nil) != (ip.To4() != nil) {
		return false
	}
	return m.Net.Contains(ip)
}

func (m CIDRMatcher) String() string { return "cidr:" + m.Net.String() }

// DomainExactMatcher matches an exact, case-insensitive domain name.
type DomainExactMatcher struct {
	Domain string // already normalized
}

func NewDomainExactMatcher(domain string) DomainExactMatcher {
	return DomainExactMatcher{Domain: addr.NormalizedDomain(domain)}
}

func (m DomainExactMatcher) MatchAddress(a addr.Address) bool {
	if !a.IsDomain() {
		return false
	}
	return addr.NormalizedDomain(a.Domain()) == m.Domain
}

func (m DomainExactMatcher) String() string { return "domain:" + m.Domain }

// DomainWildcardMatcher matches "*.example.com" against "a.example.com"
// and "x.y.example.com", but NOT "example.com" itself.
type DomainWildcardMatcher struct {
	BaseDomain string // already normalized, without "*."
}

// NewDomainWildcardMatcher builds a matcher from a "*.example.com" style
// pattern.
func NewDomainWildcardMatcher(pattern string) (DomainWildcardMatcher, error) {
	if !strings.HasPrefix(pattern, "*.") {
		return DomainWildcardMatcher{}, fmt.Errorf("acl: wildcard pattern %q must start with \"*.\"", pattern)
	}
	base := addr.NormalizedDomain(strings.TrimPrefix(pattern, "*."))
	if base == "" {
		return DomainWildcardMatcher{}, fmt.Errorf("acl: wildcard pattern %q has empty base domain", pattern)
	}
	return DomainWildcardMatcher{BaseDomain: base}, nil
}

func (m DomainWildcardMatcher) MatchAddress(a addr.Address) bool {
	if !a.IsDomain() {
		return false
	}
	name := addr.NormalizedDomain(a.Domain())
	if name == m.BaseDomain {
		return false // "*.example.com" excludes "example.com"
	}
	return strings.HasSuffix(name, "."+m.BaseDomain)
}

func (m DomainWildcardMatcher) String() string { return "*." + m.BaseDomain }

// PortMatcher tests a destination port.
type PortMatcher struct {
	Lo uint16
	Hi uint16 // inclusive; equals Lo for a single-port matcher
}

// NewPortMatcher builds a single-port matcher.
func NewPortMatcher(port uint16) PortMatcher {
	return PortMatcher{Lo: port, Hi: port}
}

// NewPortRangeMatcher builds an inclusive port range matcher, rejecting
// an inverted range at load time.
func NewPortRangeMatcher(lo, hi uint16) (PortMatcher, error) {
	if lo > hi {
		return PortMatcher{}, fmt.Errorf("acl: invalid port range [%d, %d]: lo > hi", lo, hi)
	}
	return PortMatcher{Lo: lo, Hi: hi}, nil
}

func (m PortMatcher) Match(port uint16) bool {
	return port >= m.Lo && port <= m.Hi
}

func (m PortMatcher) String() string {
	if m.Lo == m.Hi {
		return strconv.Itoa(int(m.Lo))
	}
	return fmt.Sprintf("%d-%d", m.Lo, m.Hi)
}

// ParsePortMatcher parses either "N" or "N-M" into a PortMatcher.
func ParsePortMatcher(s string) (PortMatcher, error) {
	lo, hi, found := strings.Cut(s, "-")
	loN, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil || loN == 0 {
		return PortMatcher{}, fmt.Errorf("acl: invalid port %q", lo)
	}
	if !found {
		return NewPortMatcher(uint16(loN)), nil
	}
	hiN, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil || hiN == 0 {
		return PortMatcher{}, fmt.Errorf("acl: invalid port %q", hi)
	}
	return NewPortRangeMatcher(uint16(loN), uint16(hiN))
}

// TimeWindow restricts a rule to a daily time-of-day window, in minutes
// since midnight, local to the server's clock.
type TimeWindow struct {
	StartMinute int // inclusive, [0, 1440)
	EndMinute   int // exclusive, (0, 1440]
}

// Contains reports whether the given minute-of-day falls inside the
// window. Windows that wrap past midnight (Start > End) are supported.
func (w TimeWindow) Contains(minuteOfDay int) bool {
	if w.StartMinute <= w.EndMinute {
		return minuteOfDay >= w.StartMinute && minuteOfDay < w.EndMinute
	}
	// Wraps past midnight, e.g. 22:00-06:00.
	return minuteOfDay >= w.StartMinute || minuteOfDay < w.EndMinute
}
