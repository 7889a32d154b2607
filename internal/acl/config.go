package acl

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/nabbar/socks5-acl-proxy/internal/addr"
)

// RawTimeWindow is the YAML shape of a daily time-of-day restriction,
// expressed as "HH:MM" boundaries.
type RawTimeWindow struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

func (w RawTimeWindow) parse() (*TimeWindow, error) {
	if w.Start == "" && w.End == "" {
		return nil, nil
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return nil, fmt.Errorf("time_window.start: %w", err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return nil, fmt.Errorf("time_window.end: %w", err)
	}
	return &TimeWindow{StartMinute: start, EndMinute: end}, nil
}

func parseClock(s string) (int, error) {
	h, m, found := strings.Cut(s, ":")
	if !found {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// RawRule is the YAML shape of a single ACL rule entry.
type RawRule struct {
	Name       string         `yaml:"name"`
	Priority   int32          `yaml:"priority"`
	Action     string         `yaml:"action"`
	Addresses  []string       `yaml:"addresses"`
	Ports      []string       `yaml:"ports"`
	Protocols  []string       `yaml:"protocols"`
	TimeWindow *RawTimeWindow `yaml:"time_window"`
}

func (rr RawRule) compile(defIndex int) (*Rule, error) {
	action, err := ParseAction(rr.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", rr.Name, err)
	}

	rule := &Rule{
		Name:            rr.Name,
		Priority:        rr.Priority,
		Action:          action,
		definitionIndex: defIndex,
	}

	for _, a := range rr.Addresses {
		m, err := compileAddressMatcher(a)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rr.Name, err)
		}
		rule.Addresses = append(rule.Addresses, m)
	}

	for _, p := range rr.Ports {
		m, err := ParsePortMatcher(p)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rr.Name, err)
		}
		rule.Ports = append(rule.Ports, m)
	}

	for _, p := range rr.Protocols {
		proto, err := addr.ParseProtocol(p)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rr.Name, err)
		}
		rule.Protocols = append(rule.Protocols, proto)
	}

	if rr.TimeWindow != nil {
		w, err := rr.TimeWindow.parse()
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rr.Name, err)
		}
		rule.Window = w
	}

	return rule, nil
}

// compileAddressMatcher auto-detects the matcher kind from its textual
// form: a CIDR contains "/", a wildcard domain starts with "*.", an
// exact IP parses with net.ParseIP, and everything else is an exact
// domain name.
func compileAddressMatcher(s string) (AddressMatcher, error) {
	switch {
	case strings.Contains(s, "/"):
		return NewCIDRMatcher(s)
	case strings.HasPrefix(s, "*."):
		return NewDomainWildcardMatcher(s)
	default:
		if ip := net.ParseIP(s); ip != nil {
			return ExactIPMatcher{IP: ip}, nil
		}
		return NewDomainExactMatcher(s), nil
	}
}

// RawGlobalACLConfig is the YAML shape of the global default scope.
type RawGlobalACLConfig struct {
	DefaultAction string    `yaml:"default_action"`
	Rules         []RawRule `yaml:"rules"`
}

// RawGroupACL is the YAML shape of a named group: its own rules plus an
// ordered list of inherited group names.
type RawGroupACL struct {
	Inherits []string  `yaml:"inherits"`
	Rules    []RawRule `yaml:"rules"`
}

// RawUserACL is the YAML shape of a named user: its own rules plus an
// ordered list of group memberships.
type RawUserACL struct {
	Groups []string  `yaml:"groups"`
	Rules  []RawRule `yaml:"rules"`
}

// Config is the top-level YAML-decoded ACL document.
type Config struct {
	Global RawGlobalACLConfig     `yaml:"global"`
	Groups map[string]RawGroupACL `yaml:"groups"`
	Users  map[string]RawUserACL  `yaml:"users"`
}

// compiled is the validated, flattened form of a Config, ready to be
// published as an atomic snapshot.
type compiled struct {
	defaultAction Action
	globalRules   []*Rule
	// perUser holds each known user's fully flattened and sorted rule
	// chain (own rules + transitively inherited group rules + global
	// rules), precomputed once at load time so hot-path evaluation never
	// walks the inheritance graph.
	perUser map[string][]*Rule
}

// compile validates the raw config (cycle detection, duplicate rule
// names within a scope, valid matchers) and precomputes the flattened,
// priority-sorted rule chain for every declared user. It never mutates
// the running snapshot; callers swap it in only on success.
func compile(cfg *Config) (*compiled, error) {
	defaultAction, err := ParseAction(orDefault(cfg.Global.DefaultAction, "deny"))
	if err != nil {
		return nil, fmt.Errorf("global.default_action: %w", err)
	}

	globalRules, err := compileRuleScope("global", cfg.Global.Rules)
	if err != nil {
		return nil, err
	}
	sortRules(globalRules)

	compiledGroups := make(map[string][]*Rule, len(cfg.Groups))
	for name, g := range cfg.Groups {
		rules, err := compileRuleScope("group:"+name, g.Rules)
		if err != nil {
			return nil, err
		}
		compiledGroups[name] = rules
	}

	if err := detectGroupCycles(cfg.Groups); err != nil {
		return nil, err
	}

	out := &compiled{
		defaultAction: defaultAction,
		globalRules:   globalRules,
		perUser:       make(map[string][]*Rule, len(cfg.Users)),
	}

	for username, u := range cfg.Users {
		ownRules, err := compileRuleScope("user:"+username, u.Rules)
		if err != nil {
			return nil, err
		}

		flat := append([]*Rule{}, ownRules...)
		seen := map[string]bool{}
		for _, group := range u.Groups {
			inherited, err := flattenGroup(group, cfg.Groups, compiledGroups, seen)
			if err != nil {
				return nil, fmt.Errorf("user %q: %w", username, err)
			}
			flat = append(flat, inherited...)
		}
		flat = append(flat, globalRules...)

		sortRules(flat)
		out.perUser[username] = flat
	}

	return out, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func compileRuleScope(scope string, raws []RawRule) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(raws))
	names := make(map[string]bool, len(raws))
	for i, rr := range raws {
		if rr.Name != "" {
			if names[rr.Name] {
				return nil, fmt.Errorf("%s: duplicate rule name %q", scope, rr.Name)
			}
			names[rr.Name] = true
		}
		rule, err := rr.compile(i)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", scope, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// flattenGroup resolves a group's own rules plus its transitively
// inherited groups' rules, in inheritance-list order, visiting each
// group at most once (seen is shared across the whole user resolution
// so diamond inheritance doesn't duplicate rules).
func flattenGroup(name string, raw map[string]RawGroupACL, compiledGroups map[string][]*Rule, seen map[string]bool) ([]*Rule, error) {
	if seen[name] {
		return nil, nil
	}
	seen[name] = true

	g, ok := raw[name]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", name)
	}

	flat := append([]*Rule{}, compiledGroups[name]...)
	for _, parent := range g.Inherits {
		inherited, err := flattenGroup(parent, raw, compiledGroups, seen)
		if err != nil {
			return nil, err
		}
		flat = append(flat, inherited...)
	}
	return flat, nil
}

// detectGroupCycles walks each group's inheritance list looking for a
// path back to itself.
func detectGroupCycles(groups map[string]RawGroupACL) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int, len(groups))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("acl: group inheritance cycle: %s -> %s", strings.Join(path, " -> "), name)
		}
		g, ok := groups[name]
		if !ok {
			return fmt.Errorf("acl: unknown group %q referenced in inheritance", name)
		}
		state[name] = gray
		for _, parent := range g.Inherits {
			if err := visit(parent, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = black
		return nil
	}

	for name := range groups {
		if state[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// sortRules sorts by priority descending. Ties keep their append order
// (sort.SliceStable): a user's own rules, then inherited group rules,
// then global rules, each in declaration order within its scope.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}

// rulesForUser returns the precomputed flattened rule chain for a user,
// falling back to just the global rules for users with no explicit
// entry.
func (c *compiled) rulesForUser(user string) []*Rule {
	if rules, ok := c.perUser[user]; ok {
		return rules
	}
	return c.globalRules
}
