// Package bucket implements the token-bucket admission engine. The decision
// itself runs server-side on the shared store (one round trip per request);
// this package manages the script, the arguments, and the verdict.
package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlas/shield/internal/config"
)

// Verdict is the script's return tuple.
type Verdict struct {
	Allowed   bool
	Remaining int64 // floor of the fractional token count after the decision
	Reset     int64 // store-clock epoch seconds at which the next token is available
}

// Engine executes the atomic check-and-consume for one bucket policy.
type Engine struct {
	scripter redis.Scripter
	script   *redis.Script

	keyPrefix  string
	capacity   int64
	refillRate int64
	cost       int64
	timeout    time.Duration
}

// NewEngine validates the policy and prepares the script. Invalid policies
// are rejected here, at construction, never at request time.
func NewEngine(scripter redis.Scripter, cfg config.Config) (*Engine, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("bucket: capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.RefillRate <= 0 {
		return nil, fmt.Errorf("bucket: refill rate must be positive, got %d", cfg.RefillRate)
	}
	if cfg.Cost <= 0 || cfg.Cost > cfg.Capacity {
		return nil, fmt.Errorf("bucket: cost must be in [1, capacity], got %d", cfg.Cost)
	}
	return &Engine{
		scripter:   scripter,
		script:     redis.NewScript(tokenBucketScript),
		keyPrefix:  cfg.KeyPrefix,
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		cost:       cfg.Cost,
		timeout:    cfg.StoreTimeout,
	}, nil
}

// Capacity is the configured bucket size, reported in rate-limit headers.
func (e *Engine) Capacity() int64 { return e.capacity }

// Check runs the atomic refill-and-consume for the principal's bucket.
// Any store error surfaces to the caller, which applies the fail-open
// policy. Script.Run sends the cached SHA1 and falls back to a full-body
// EVAL once when the store answers NOSCRIPT.
func (e *Engine) Check(ctx context.Context, principal string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	key := e.keyPrefix + principal
	res, err := e.script.Run(ctx, e.scripter, []string{key}, e.capacity, e.refillRate, e.cost).Result()
	if err != nil {
		return Verdict{}, fmt.Errorf("bucket script: %w", err)
	}
	return parseVerdict(res)
}

func parseVerdict(res interface{}) (Verdict, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Verdict{}, fmt.Errorf("bucket script: unexpected reply %T", res)
	}
	allowed, ok1 := toInt64(vals[0])
	remaining, ok2 := toInt64(vals[1])
	reset, ok3 := toInt64(vals[2])
	if !ok1 || !ok2 || !ok3 {
		return Verdict{}, fmt.Errorf("bucket script: non-numeric reply %v", vals)
	}
	return Verdict{
		Allowed:   allowed == 1,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
