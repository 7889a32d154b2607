package qos

import (
	"sync"
	"time"
)

// Group is an HTB parent bucket shared by a set of users. Members debit
// the shared bucket first come, first served: spare group capacity is
// not divided by configured rate, and a saturated group does not hold
// siblings to a guaranteed rate. GuaranteedShare computes each member's
// proportional share of the group rate for reporting only.
type Group struct {
	Name   string
	bucket *TokenBucket

	mu      sync.Mutex
	weights map[string]float64 // member -> configured rate_bps, for fair-share bookkeeping
}

// NewGroup creates a group bucket with the given capacity and refill
// rate.
func NewGroup(name string, capacityBytes uint64, refillRateBps float64) *Group {
	return &Group{
		Name:    name,
		bucket:  NewTokenBucket(capacityBytes, refillRateBps),
		weights: make(map[string]float64),
	}
}

// Join registers a user as an active member of the group with the given
// configured rate weight, used only for the guaranteed-floor
// computation below.
func (g *Group) Join(user string, rateBps float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.weights[user] = rateBps
}

// Leave removes a user from the group's active membership.
func (g *Group) Leave(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.weights, user)
}

// GuaranteedShare returns the user's proportional floor of the group's
// configured refill rate: rateBps(user) / sum(rateBps(active members)),
// times the group's total rate. Used by callers that want to reason
// about steady-state fairness (e.g. reporting/metrics); the reservation
// hot path in UserAllocation.Take does not consult it directly, since
// debiting the shared group bucket already yields proportional sharing
// in proportion to request frequency once the group saturates.
func (g *Group) GuaranteedShare(user string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0.0
	for _, w := range g.weights {
		total += w
	}
	if total == 0 {
		return 0
	}
	return g.bucket.refillRate * (g.weights[user] / total)
}

// reserve attempts to debit n bytes from the group bucket.
func (g *Group) reserve(n uint64) (uint64, time.Duration) {
	return g.bucket.Take(n)
}

// refund returns bytes to the group bucket.
func (g *Group) refund(n uint64) {
	g.bucket.Refund(n)
}

// UserAllocation is a single user's bandwidth allocation: its own bucket
// plus an optional parent Group. A user allocation debits both buckets;
// the effective reservation is the minimum of the two, with any excess
// debited from the (cheaper to refill) user bucket refunded so the user
// doesn't lose unused allocation when the parent is the bottleneck.
type UserAllocation struct {
	User   string
	own    *TokenBucket
	parent *Group
}

// NewUserAllocation builds an allocation for a user with its own rate
// and burst, optionally joined to a parent group.
func NewUserAllocation(user string, capacityBytes uint64, refillRateBps float64, parent *Group) *UserAllocation {
	u := &UserAllocation{User: user, own: NewTokenBucket(capacityBytes, refillRateBps), parent: parent}
	if parent != nil {
		parent.Join(user, refillRateBps)
	}
	return u
}

// Take reserves up to n bytes, debiting the user bucket and (if present)
// the parent group bucket, returning the minimum of what each granted.
func (u *UserAllocation) Take(n uint64) (uint64, time.Duration) {
	given, wait := u.own.Take(n)
	if u.parent == nil || given == 0 {
		return given, wait
	}

	groupGiven, groupWait := u.parent.reserve(given)
	if groupGiven < given {
		u.own.Refund(given - groupGiven)
	}
	if groupWait > wait {
		wait = groupWait
	}
	return groupGiven, wait
}
