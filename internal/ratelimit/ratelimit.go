// Package ratelimit enforces the hourly send caps. Redis is the fast path
// (atomic Lua increments on per-hour keys); a durable Postgres shadow backs a
// fallback count so an unavailable Redis degrades to slower decisions, never
// to unlimited sending.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailsched/internal/clock"
)

// Counter keys roll over at the top of every UTC hour.
const hourKeyFormat = "2006-01-02-15"

// incrLuaScript bumps both hour counters atomically and stamps a TTL the
// first time each key is touched. Prevents the read-check-increment race.
const incrLuaScript = `
local g = redis.call("INCR", KEYS[1])
if g == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local s = redis.call("INCR", KEYS[2])
if s == 1 then
    redis.call("EXPIRE", KEYS[2], ARGV[1])
end
return {g, s}
`

// Decision is the outcome of a pre-send limit check.
type Decision struct {
	Allowed    bool
	Remaining  int       // sends left this hour under the tighter of the two caps
	ResetAt    time.Time // start of the next hour window
	NextSlotAt time.Time // earliest instant a denied send may retry
}

// DurableCounters is the Postgres-backed shadow of the Redis counters. The
// store satisfies it.
type DurableCounters interface {
	CountSentInWindow(ctx context.Context, senderID *uuid.UUID, start, end time.Time) (int, error)
	IncrementRateCounter(ctx context.Context, key string, windowStart time.Time) error
}

// Limiter answers "may this sender send now" against a global hourly cap and
// a per-sender hourly cap.
type Limiter struct {
	rdb        *redis.Client
	durable    DurableCounters
	clock      clock.Clock
	globalCap  int
	senderCap  int
	incrScript *redis.Script
}

// New creates a limiter. durable may not be nil; it carries the fallback
// when Redis is unreachable.
func New(rdb *redis.Client, durable DurableCounters, clk clock.Clock, globalCap, senderCap int) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		rdb:        rdb,
		durable:    durable,
		clock:      clk,
		globalCap:  globalCap,
		senderCap:  senderCap,
		incrScript: redis.NewScript(incrLuaScript),
	}
}

func globalKey(t time.Time) string {
	return "ratelimit:email:global:" + t.UTC().Format(hourKeyFormat)
}

func senderKey(senderID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("ratelimit:email:sender:%s:%s", senderID, t.UTC().Format(hourKeyFormat))
}

func hourWindow(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = t.Truncate(time.Hour)
	return start, start.Add(time.Hour)
}

// Check reads both counters without incrementing. Counters are bumped only
// after a successful send, so a denied or failed attempt never consumes
// quota. A missing counter means nothing sent this hour.
func (l *Limiter) Check(ctx context.Context, senderID uuid.UUID) (Decision, error) {
	now := l.clock.Now()

	globalCount, senderCount, err := l.readFast(ctx, senderID, now)
	if err != nil {
		log.Printf("[RateLimit] redis unavailable, using durable fallback: %v", err)
		globalCount, senderCount, err = l.readDurable(ctx, senderID, now)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit fallback: %w", err)
		}
	}

	return l.decide(globalCount, senderCount, now), nil
}

func (l *Limiter) readFast(ctx context.Context, senderID uuid.UUID, now time.Time) (int, int, error) {
	pipe := l.rdb.Pipeline()
	gCmd := pipe.Get(ctx, globalKey(now))
	sCmd := pipe.Get(ctx, senderKey(senderID, now))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, err
	}

	globalCount, err := countFrom(gCmd)
	if err != nil {
		return 0, 0, err
	}
	senderCount, err := countFrom(sCmd)
	if err != nil {
		return 0, 0, err
	}
	return globalCount, senderCount, nil
}

func countFrom(cmd *redis.StringCmd) (int, error) {
	n, err := cmd.Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// readDurable counts SENT messages in the current hour straight from the
// messages table. Slower, but survives a Redis outage with the same caps.
func (l *Limiter) readDurable(ctx context.Context, senderID uuid.UUID, now time.Time) (int, int, error) {
	start, end := hourWindow(now)
	globalCount, err := l.durable.CountSentInWindow(ctx, nil, start, end)
	if err != nil {
		return 0, 0, err
	}
	senderCount, err := l.durable.CountSentInWindow(ctx, &senderID, start, end)
	if err != nil {
		return 0, 0, err
	}
	return globalCount, senderCount, nil
}

func (l *Limiter) decide(globalCount, senderCount int, now time.Time) Decision {
	_, resetAt := hourWindow(now)

	globalLeft := l.globalCap - globalCount
	senderLeft := l.senderCap - senderCount
	remaining := globalLeft
	if senderLeft < remaining {
		remaining = senderLeft
	}
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:    globalLeft > 0 && senderLeft > 0,
		Remaining:  remaining,
		ResetAt:    resetAt,
		NextSlotAt: now,
	}
	if !d.Allowed {
		d.NextSlotAt = resetAt
	}
	return d
}

// Increment records one successful send against both counters. The Redis
// bump is atomic; the durable shadow is upserted best-effort afterwards, so
// the shadow can run slightly ahead of reality if this process dies between
// the two writes. Inflation errs on the side of sending less.
func (l *Limiter) Increment(ctx context.Context, senderID uuid.UUID) error {
	now := l.clock.Now()
	start, _ := hourWindow(now)

	ttl := int(start.Add(time.Hour).Sub(now)/time.Second) + 60
	if ttl < 60 {
		ttl = 60
	}

	var redisErr error
	if _, err := l.incrScript.Run(ctx, l.rdb,
		[]string{globalKey(now), senderKey(senderID, now)}, ttl).Result(); err != nil {
		redisErr = fmt.Errorf("rate limit increment: %w", err)
	}

	iso := start.Format(time.RFC3339)
	if err := l.durable.IncrementRateCounter(ctx, "global:"+iso, start); err != nil {
		log.Printf("[RateLimit] durable global counter: %v", err)
	}
	if err := l.durable.IncrementRateCounter(ctx, fmt.Sprintf("sender:%s:%s", senderID, iso), start); err != nil {
		log.Printf("[RateLimit] durable sender counter: %v", err)
	}

	return redisErr
}
