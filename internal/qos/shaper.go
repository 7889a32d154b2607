package qos

import "golang.org/x/time/rate"

// maxDatagramSize bounds the burst a datagram limiter must accommodate:
// the largest possible SOCKS5 UDP payload, so a single oversized
// datagram is never rejected outright by WaitN.
const maxDatagramSize = 65535

// NewDatagramLimiter builds a blocking token-bucket limiter sized for
// UDP ASSOCIATE traffic. Unlike Engine.Take, which reserves partial
// byte counts so a streaming TCP copy loop can retry the remainder,
// a UDP datagram is an atomic unit: it is either sent whole or not at
// all, so the natural primitive here is a limiter the caller can block
// on for the full datagram size rather than a reservation it has to top
// up across several calls. ratesBps <= 0 disables shaping.
func NewDatagramLimiter(ratesBps float64) *rate.Limiter {
	if ratesBps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(ratesBps), maxDatagramSize)
}
