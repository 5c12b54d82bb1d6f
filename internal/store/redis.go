// Package store wraps the shared key-value store client. The store is the
// sole source of truth for bucket state; everything else in the gateway is
// process-local.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlas/shield/internal/audit"
	"github.com/atlas/shield/internal/config"
)

// Reconnect policy: backoff min(attempt*1s, 10s), at most 60 attempts
// (~10 minutes). After exhaustion the connection is abandoned and the
// gateway keeps failing open until restart or manual recovery.
const (
	reconnectMaxAttempts = 60
	reconnectBackoffStep = time.Second
	reconnectBackoffCap  = 10 * time.Second
)

// Store owns the redis client and its connection lifecycle.
type Store struct {
	rdb     *redis.Client
	auditor *audit.Auditor
	timeout time.Duration

	connected atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
}

// Connect parses the store URL (rediss:// selects TLS), applies the command
// timeout, and verifies connectivity. An unreachable store is not a startup
// error: a background loop keeps retrying while the gateway fails open. A
// malformed URL is a configuration error and is fatal.
func Connect(ctx context.Context, cfg config.Config, auditor *audit.Auditor) (*Store, error) {
	opts, err := redis.ParseURL(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("parse store_url: %w", err)
	}
	opts.DialTimeout = cfg.StoreTimeout
	opts.ReadTimeout = cfg.StoreTimeout
	opts.WriteTimeout = cfg.StoreTimeout
	// One failed dial per command is enough; retries are our job.
	opts.MaxRetries = -1

	s := &Store{
		rdb:     redis.NewClient(opts),
		auditor: auditor,
		timeout: cfg.StoreTimeout,
		stop:    make(chan struct{}),
	}

	if err := s.ping(ctx); err != nil {
		auditor.SystemError(ctx, audit.EventRedisError, err,
			slog.String("addr", opts.Addr),
			slog.String("phase", "connect"),
		)
		go s.reconnectLoop(opts.Addr)
		return s, nil
	}

	s.connected.Store(true)
	auditor.System(ctx, audit.EventRedisConnected, slog.String("addr", opts.Addr))
	return s, nil
}

func (s *Store) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) reconnectLoop(addr string) {
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		backoff := time.Duration(attempt) * reconnectBackoffStep
		if backoff > reconnectBackoffCap {
			backoff = reconnectBackoffCap
		}
		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}

		if err := s.ping(context.Background()); err == nil {
			s.connected.Store(true)
			s.auditor.System(context.Background(), audit.EventRedisConnected,
				slog.String("addr", addr),
				slog.Int("attempt", attempt),
			)
			return
		}
	}
	s.auditor.SystemError(context.Background(), audit.EventRedisError,
		fmt.Errorf("store unreachable after %d reconnect attempts, failing open until restart", reconnectMaxAttempts),
		slog.String("addr", addr),
	)
}

// Scripter exposes the script-execution surface consumed by the bucket
// engine. Tests substitute a fake.
func (s *Store) Scripter() redis.Scripter { return s.rdb }

// Timeout is the per-command deadline the engine should apply.
func (s *Store) Timeout() time.Duration { return s.timeout }

// Healthy reports whether the store currently answers PING. Used by the
// health endpoint to report "healthy" vs "degraded"; never used to gate
// requests.
func (s *Store) Healthy(ctx context.Context) bool {
	if err := s.ping(ctx); err != nil {
		s.connected.Store(false)
		return false
	}
	s.connected.Store(true)
	return true
}

// Close releases the client and stops any reconnect loop.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.rdb.Close()
		s.auditor.System(context.Background(), audit.EventRedisConnectionClosed)
	})
	return err
}
