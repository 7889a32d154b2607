package acl

import "sync"

// userCounters holds one user's evaluation counters.
// Protected by a mutex rather than individual atomics because rule-hit
// counts are an open-ended map; reads are eventually consistent with
// writes, which is acceptable for observability counters.
type userCounters struct {
	mu          sync.Mutex
	evaluations uint64
	allows      uint64
	denies      uint64
	ruleHits    map[string]uint64
}

// statsRegistry tracks per-user counters across concurrent evaluators.
type statsRegistry struct {
	mu    sync.RWMutex
	users map[string]*userCounters
}

func newStatsRegistry() *statsRegistry {
	return &statsRegistry{users: make(map[string]*userCounters)}
}

func (s *statsRegistry) counters(user string) *userCounters {
	s.mu.RLock()
	c, ok := s.users[user]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.users[user]; ok {
		return c
	}
	c = &userCounters{ruleHits: make(map[string]uint64)}
	s.users[user] = c
	return c
}

func (s *statsRegistry) record(user, ruleName string, action Action) {
	c := s.counters(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evaluations++
	switch action {
	case ActionAllow:
		c.allows++
	case ActionDeny:
		c.denies++
	}
	if ruleName != "" {
		c.ruleHits[ruleName]++
	}
}

func (s *statsRegistry) snapshot(user string) UserStats {
	s.mu.RLock()
	c, ok := s.users[user]
	s.mu.RUnlock()
	if !ok {
		return UserStats{RuleHits: map[string]uint64{}}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	hits := make(map[string]uint64, len(c.ruleHits))
	for k, v := range c.ruleHits {
		hits[k] = v
	}
	return UserStats{
		Evaluations: c.evaluations,
		Allows:      c.allows,
		Denies:      c.denies,
		RuleHits:    hits,
	}
}
