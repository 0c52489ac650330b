// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how often users may start requests.
//
// Each user gets a token bucket holding Limit requests that refills
// fully over Period. An optional global bucket caps the total across
// all users. A rejected request reports how long the caller must wait
// before the next one would be admitted, so a bot can tell the user.
//
// Buckets for users who have gone idle long enough to be full again
// are evicted, so memory follows the set of recently active users.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/courier/lib/clock"
)

// Rule is a request budget: Limit requests per Period.
type Rule struct {
	Limit  int
	Period time.Duration
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool { return r.Limit > 0 && r.Period > 0 }

func (r Rule) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(r.Period/time.Duration(r.Limit)), r.Limit)
}

// Config configures a Limiter. A zero Rule disables that bucket.
type Config struct {
	User   Rule
	Global Rule

	// Clock defaults to the real clock.
	Clock clock.Clock
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter admits or rejects requests per user. It is safe for
// concurrent use.
type Limiter struct {
	user   Rule
	clock  clock.Clock
	global *rate.Limiter

	mu        sync.Mutex
	users     map[string]*userBucket
	lastSweep time.Time
}

// New creates a Limiter.
func New(config Config) (*Limiter, error) {
	for name, rule := range map[string]Rule{"user": config.User, "global": config.Global} {
		if rule.Limit < 0 || rule.Period < 0 {
			return nil, fmt.Errorf("ratelimit: %s rule must not be negative", name)
		}
		if rule.Limit > 0 && rule.Period/time.Duration(rule.Limit) <= 0 {
			return nil, fmt.Errorf("ratelimit: %s period %s is too short for %d requests", name, rule.Period, rule.Limit)
		}
	}
	limiter := &Limiter{
		user:  config.User,
		clock: config.Clock,
		users: make(map[string]*userBucket),
	}
	if limiter.clock == nil {
		limiter.clock = clock.Real()
	}
	if config.Global.Enabled() {
		limiter.global = config.Global.limiter()
	}
	limiter.lastSweep = limiter.clock.Now()
	return limiter, nil
}

// Allow consumes one request for user. When the request is rejected
// it returns false and the time until a request would be admitted;
// a rejected request consumes nothing.
func (l *Limiter) Allow(user string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	var userReservation *rate.Reservation
	if l.user.Enabled() {
		bucket, ok := l.users[user]
		if !ok {
			bucket = &userBucket{limiter: l.user.limiter()}
			l.users[user] = bucket
		}
		bucket.lastSeen = now
		userReservation = bucket.limiter.ReserveN(now, 1)
		if delay := userReservation.DelayFrom(now); delay > 0 {
			userReservation.CancelAt(now)
			return false, delay
		}
	}

	if l.global != nil {
		globalReservation := l.global.ReserveN(now, 1)
		if delay := globalReservation.DelayFrom(now); delay > 0 {
			globalReservation.CancelAt(now)
			if userReservation != nil {
				userReservation.CancelAt(now)
			}
			return false, delay
		}
	}
	return true, 0
}

// Tracked returns how many users currently hold a bucket.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// sweepLocked drops user buckets idle for a whole period, which have
// refilled completely and are indistinguishable from new ones.
func (l *Limiter) sweepLocked(now time.Time) {
	if !l.user.Enabled() || now.Sub(l.lastSweep) < l.user.Period {
		return
	}
	l.lastSweep = now
	for user, bucket := range l.users {
		if now.Sub(bucket.lastSeen) >= l.user.Period {
			delete(l.users, user)
		}
	}
}
