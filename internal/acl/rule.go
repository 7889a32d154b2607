package acl

import (
	"fmt"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/addr"
)

// Action is the decision a matched (or default) rule produces.
type Action uint8

const (
	ActionAllow Action = iota
	ActionDeny
	ActionLog
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionLog:
		return "log"
	default:
		return "unknown"
	}
}

// ParseAction parses a config-file action name.
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow", "Allow", "ALLOW":
		return ActionAllow, nil
	case "deny", "Deny", "DENY":
		return ActionDeny, nil
	case "log", "Log", "LOG":
		return ActionLog, nil
	default:
		return 0, fmt.Errorf("acl: unknown action %q", s)
	}
}

// Rule is a single ACL entry: a priority, an action, and the predicates
// that must ALL match for the rule to apply. An empty predicate set
// matches everything (used by global default rules).
type Rule struct {
	Name      string
	Priority  int32
	Action    Action
	Addresses []AddressMatcher // OR'd: any one matching satisfies this predicate
	Ports     []PortMatcher    // OR'd
	Protocols []addr.Protocol  // OR'd; empty means "any protocol"
	Window    *TimeWindow

	// definitionIndex is the rule's position within its scope at load time.
	definitionIndex int
}

// Matches reports whether the rule's predicates all match the given
// destination. Predicate groups that are empty are treated as
// always-true (e.g. a rule with no port matchers applies to any port).
func (r *Rule) Matches(dest addr.Address, port uint16, proto addr.Protocol, at time.Time) bool {
	if len(r.Addresses) > 0 && !matchesAnyAddress(r.Addresses, dest) {
		return false
	}
	if len(r.Ports) > 0 && !matchesAnyPort(r.Ports, port) {
		return false
	}
	if len(r.Protocols) > 0 && !matchesAnyProtocol(r.Protocols, proto) {
		return false
	}
	if r.Window != nil {
		minuteOfDay := at.Hour()*60 + at.Minute()
		if !r.Window.Contains(minuteOfDay) {
			return false
		}
	}
	return true
}

func matchesAnyAddress(ms []AddressMatcher, a addr.Address) bool {
	for _, m := range ms {
		if m.MatchAddress(a) {
			return true
		}
	}
	return false
}

func matchesAnyPort(ms []PortMatcher, port uint16) bool {
	for _, m := range ms {
		if m.Match(port) {
			return true
		}
	}
	return false
}

func matchesAnyProtocol(ps []addr.Protocol, proto addr.Protocol) bool {
	for _, p := range ps {
		if p == proto {
			return true
		}
	}
	return false
}
