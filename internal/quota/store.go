package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix  = "quota:usage:"
	limitsKeyPrefix = "quota:limits:"

	// Counter hashes outlive their window by this much so that expiry can
	// never reset a window early; the explicit reset happens in reserveScript.
	retentionGrace = 24 * time.Hour
)

// reserveScript atomically checks both ceilings and increments both counters.
// KEYS[1] = usage hash, KEYS[2] = limits hash
// ARGV[1] = estimated tokens
// ARGV[2] = now (unix ms)
// ARGV[3] = window start (unix ms)
// ARGV[4] = window end (unix ms)
// ARGV[5] = default request limit
// ARGV[6] = default token limit
// ARGV[7] = expire at (unix ms)
//
// Returns {status, requests, tokens, request_limit, token_limit, period_start, period_end}
// where status is 1 = reserved, 0 = request limit, -1 = token limit.
var reserveScript = redis.NewScript(`
local usage_key = KEYS[1]
local limits_key = KEYS[2]
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local request_limit = tonumber(redis.call("HGET", limits_key, "requests") or ARGV[5])
local token_limit = tonumber(redis.call("HGET", limits_key, "tokens") or ARGV[6])

local period_end = tonumber(redis.call("HGET", usage_key, "period_end") or "0")
if now >= period_end then
    redis.call("HSET", usage_key, "requests", "0", "tokens", "0", "period_start", ARGV[3], "period_end", ARGV[4])
    redis.call("PEXPIREAT", usage_key, ARGV[7])
end

local requests = tonumber(redis.call("HGET", usage_key, "requests"))
local tokens = tonumber(redis.call("HGET", usage_key, "tokens"))
local ps = redis.call("HGET", usage_key, "period_start")
local pe = redis.call("HGET", usage_key, "period_end")

if requests + 1 > request_limit then
    return {0, requests, tokens, request_limit, token_limit, ps, pe}
end
if tokens + amount > token_limit then
    return {-1, requests, tokens, request_limit, token_limit, ps, pe}
end

requests = redis.call("HINCRBY", usage_key, "requests", 1)
tokens = redis.call("HINCRBY", usage_key, "tokens", amount)
return {1, requests, tokens, request_limit, token_limit, ps, pe}
`)

// adjustScript applies deltas to a window, but only if that window is still
// the active one. Counters are clamped at zero.
// KEYS[1] = usage hash
// ARGV[1] = request delta, ARGV[2] = token delta, ARGV[3] = window start (unix ms)
//
// Returns 1 if applied, 0 if the window has rolled over or never existed.
var adjustScript = redis.NewScript(`
local usage_key = KEYS[1]
local ps = redis.call("HGET", usage_key, "period_start")
if not ps or ps ~= ARGV[3] then
    return 0
end

local function apply(field, delta)
    local v = redis.call("HINCRBY", usage_key, field, delta)
    if v < 0 then
        redis.call("HSET", usage_key, field, "0")
    end
end

apply("requests", tonumber(ARGV[1]))
apply("tokens", tonumber(ARGV[2]))
return 1
`)

// Store keeps per-user daily counters in Redis.
type Store struct {
	rdb      redis.Cmdable
	defaults Limits
	now      func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source, used by tests to cross window boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Redis-backed quota store with the given default ceilings.
func NewStore(rdb redis.Cmdable, defaults Limits, opts ...Option) *Store {
	s := &Store{
		rdb:      rdb,
		defaults: defaults,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func usageKey(userID string) string  { return usageKeyPrefix + userID }
func limitsKey(userID string) string { return limitsKeyPrefix + userID }

// CheckAndReserve checks the user's current window against both ceilings and,
// if both hold, reserves one request and estimatedTokens in a single step.
// A non-nil error means the store could not be consulted at all.
func (s *Store) CheckAndReserve(ctx context.Context, userID string, estimatedTokens int64) (Decision, error) {
	now := s.now().UTC()
	start, end := Window(now)

	res, err := reserveScript.Run(ctx, s.rdb,
		[]string{usageKey(userID), limitsKey(userID)},
		estimatedTokens,
		now.UnixMilli(),
		start.UnixMilli(),
		end.UnixMilli(),
		s.defaults.Requests,
		s.defaults.Tokens,
		end.Add(retentionGrace).UnixMilli(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve script: %w", err)
	}
	if len(res) != 7 {
		return Decision{}, fmt.Errorf("quota reserve script: unexpected reply length %d", len(res))
	}

	vals := make([]int64, len(res))
	for i, v := range res {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("quota reserve script: field %d: %w", i, err)
		}
		vals[i] = n
	}

	d := Decision{
		Usage: Usage{
			UserID:       userID,
			RequestsUsed: vals[1],
			TokensUsed:   vals[2],
			RequestLimit: vals[3],
			TokenLimit:   vals[4],
			PeriodStart:  time.UnixMilli(vals[5]).UTC(),
			PeriodEnd:    time.UnixMilli(vals[6]).UTC(),
		},
	}
	switch vals[0] {
	case 1:
		d.Admitted = true
	case 0:
		d.Reason = ReasonRequestLimit
	case -1:
		d.Reason = ReasonTokenLimit
	default:
		return Decision{}, fmt.Errorf("quota reserve script: unexpected status %d", vals[0])
	}
	return d, nil
}

// Release returns one request and tokens to the window that started at
// periodStart. It is a no-op once that window has closed.
func (s *Store) Release(ctx context.Context, userID string, tokens int64, periodStart time.Time) error {
	return s.adjust(ctx, userID, -1, -tokens, periodStart)
}

// Charge adds extra tokens to the window that started at periodStart,
// used when actual usage exceeded the reserved estimate.
func (s *Store) Charge(ctx context.Context, userID string, tokens int64, periodStart time.Time) error {
	if tokens <= 0 {
		return nil
	}
	return s.adjust(ctx, userID, 0, tokens, periodStart)
}

func (s *Store) adjust(ctx context.Context, userID string, requests, tokens int64, periodStart time.Time) error {
	_, err := adjustScript.Run(ctx, s.rdb,
		[]string{usageKey(userID)},
		requests, tokens, strconv.FormatInt(periodStart.UTC().UnixMilli(), 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("quota adjust script: %w", err)
	}
	return nil
}

// Usage returns the user's active window without modifying it. A window that
// has already closed reads as zero usage in the current window.
func (s *Store) Usage(ctx context.Context, userID string) (Usage, error) {
	now := s.now().UTC()
	start, end := Window(now)

	limits, err := s.Limits(ctx, userID)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{
		UserID:       userID,
		RequestLimit: limits.Requests,
		TokenLimit:   limits.Tokens,
		PeriodStart:  start,
		PeriodEnd:    end,
	}

	vals, err := s.rdb.HMGet(ctx, usageKey(userID), "requests", "tokens", "period_end").Result()
	if err != nil {
		return Usage{}, fmt.Errorf("reading quota usage: %w", err)
	}
	if vals[2] == nil {
		return u, nil
	}
	periodEnd, err := toInt64(vals[2])
	if err != nil || now.UnixMilli() >= periodEnd {
		return u, nil
	}
	u.RequestsUsed, _ = toInt64(vals[0])
	u.TokensUsed, _ = toInt64(vals[1])
	return u, nil
}

// Limits returns the user's ceilings, falling back to the store defaults for
// any dimension without an override.
func (s *Store) Limits(ctx context.Context, userID string) (Limits, error) {
	limits := s.defaults
	vals, err := s.rdb.HMGet(ctx, limitsKey(userID), "requests", "tokens").Result()
	if err != nil {
		return Limits{}, fmt.Errorf("reading quota limits: %w", err)
	}
	if v, err := toInt64(vals[0]); err == nil {
		limits.Requests = v
	}
	if v, err := toInt64(vals[1]); err == nil {
		limits.Tokens = v
	}
	return limits, nil
}

// SetLimits stores a per-user override. Existing usage is preserved.
func (s *Store) SetLimits(ctx context.Context, userID string, limits Limits) error {
	err := s.rdb.HSet(ctx, limitsKey(userID), "requests", limits.Requests, "tokens", limits.Tokens).Err()
	if err != nil {
		return fmt.Errorf("setting quota limits: %w", err)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
