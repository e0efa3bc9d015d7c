package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/repodata-tools/pkg/lock"
	"github.com/kalbasit/repodata-tools/pkg/lock/local"
)

// RWLocker implements lock.RWLocker using a Redis SETNX writer key plus a
// hash of per-reader expiration timestamps.
type RWLocker struct {
	client            redis.UniversalClient
	keyPrefix         string
	retryConfig       RetryConfig
	allowDegradedMode bool

	readerIDMu sync.Mutex
	readerID   string

	fallbackLocker lock.RWLocker
	circuitBreaker *circuitBreaker

	writeAcquisitionTimes sync.Map
}

// NewRWLocker returns an RWLocker. Multiple addresses select a cluster
// client; a single address a plain client.
func NewRWLocker(
	ctx context.Context,
	cfg Config,
	retryCfg RetryConfig,
	allowDegradedMode bool,
) (lock.RWLocker, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	var client redis.UniversalClient

	if len(cfg.Addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Addrs,
			Username: cfg.Username,
			Password: cfg.Password,
			PoolSize: cfg.PoolSize,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addrs[0],
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if allowDegradedMode {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Redis unavailable, running in degraded mode with local locks")

			return local.NewRWLocker(), nil
		}

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}

	return &RWLocker{
		client:            client,
		keyPrefix:         cfg.KeyPrefix,
		retryConfig:       retryCfg,
		allowDegradedMode: allowDegradedMode,
		fallbackLocker:    local.NewRWLocker(),
		circuitBreaker:    newCircuitBreaker(5, time.Minute),
	}, nil
}

func (rw *RWLocker) writerKey(key string) string {
	return fmt.Sprintf("%s{%s}:writer", rw.keyPrefix, key)
}

func (rw *RWLocker) readersKey(key string) string {
	return fmt.Sprintf("%s{%s}:readers", rw.keyPrefix, key)
}

// Lock acquires an exclusive write lock, retrying until ttl's deadline for
// in-flight readers to drain.
func (rw *RWLocker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if rw.circuitBreaker.isOpen() {
		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		if rw.allowDegradedMode {
			return rw.fallbackLocker.Lock(ctx, key, ttl)
		}

		return ErrCircuitBreakerOpen
	}

	writerKey, readersKey := rw.writerKey(key), rw.readersKey(key)

	var lastErr error

	for attempt := 0; attempt < rw.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			lock.RecordLockRetryAttempt(ctx, lock.LockTypeWrite)

			select {
			case <-ctx.Done():
				lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureContextCanceled)

				return ctx.Err()
			case <-time.After(rw.calculateBackoff(attempt)):
			}
		}

		success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
		if err != nil {
			lastErr = err

			if isConnectionError(err) {
				rw.circuitBreaker.recordFailure()

				if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
					lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

					return rw.fallbackLocker.Lock(ctx, key, ttl)
				}
			}

			continue
		}

		if !success {
			lastErr = ErrWriteLockHeld

			continue
		}

		if err := rw.drainReaders(ctx, key, writerKey, readersKey, ttl); err != nil {
			lastErr = err

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			continue
		}

		rw.circuitBreaker.recordSuccess()
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultSuccess)
		rw.writeAcquisitionTimes.Store(key, time.Now())

		return nil
	}

	lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureMaxRetries)

	return fmt.Errorf("failed to acquire write lock after %d attempts: %w", rw.retryConfig.MaxAttempts, lastErr)
}

// drainReaders blocks until readersKey's hash has no unexpired entries or
// ttl's deadline passes, cleaning up writerKey on failure.
func (rw *RWLocker) drainReaders(ctx context.Context, _, writerKey, readersKey string, ttl time.Duration) error {
	deadline := time.Now().Add(ttl)

	for {
		readers, err := rw.client.HGetAll(ctx, readersKey).Result()
		if err != nil {
			rw.client.Del(ctx, writerKey)

			return fmt.Errorf("error checking readers: %w", err)
		}

		if rw.countActiveReaders(ctx, readersKey, readers) == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			rw.client.Del(ctx, writerKey)

			return ErrReadersTimeout
		}

		select {
		case <-ctx.Done():
			rw.client.Del(ctx, writerKey)

			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (rw *RWLocker) countActiveReaders(ctx context.Context, readersKey string, readers map[string]string) int {
	now := time.Now().Unix()
	active := 0

	for readerID, expiresAtStr := range readers {
		expiresAt, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil || expiresAt.Unix() <= now {
			rw.client.HDel(ctx, readersKey, readerID)

			continue
		}

		active++
	}

	return active
}

func (rw *RWLocker) calculateBackoff(attempt int) time.Duration {
	delay := float64(rw.retryConfig.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(rw.retryConfig.MaxDelay) {
		delay = float64(rw.retryConfig.MaxDelay)
	}

	if rw.retryConfig.Jitter {
		//nolint:gosec // jitter doesn't need crypto-grade randomness
		delay += mathrand.Float64() * delay * jitterFactor
	}

	return time.Duration(delay)
}

// Unlock releases an exclusive write lock.
func (rw *RWLocker) Unlock(ctx context.Context, key string) error {
	if val, ok := rw.writeAcquisitionTimes.LoadAndDelete(key); ok {
		if startTime, ok := val.(time.Time); ok {
			lock.RecordLockDuration(ctx, lock.LockTypeWrite, lock.LockModeDistributed, time.Since(startTime).Seconds())
		}
	}

	if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
		return rw.fallbackLocker.Unlock(ctx, key)
	}

	return rw.client.Del(ctx, rw.writerKey(key)).Err()
}

// TryLock attempts to acquire an exclusive write lock without blocking.
func (rw *RWLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if rw.circuitBreaker.isOpen() {
		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		if rw.allowDegradedMode {
			return rw.fallbackLocker.TryLock(ctx, key, ttl)
		}

		return false, ErrCircuitBreakerOpen
	}

	writerKey, readersKey := rw.writerKey(key), rw.readersKey(key)

	success, err := rw.client.SetNX(ctx, writerKey, "1", ttl).Result()
	if err != nil {
		if isConnectionError(err) {
			rw.circuitBreaker.recordFailure()

			if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
				return rw.fallbackLocker.TryLock(ctx, key, ttl)
			}
		}

		lock.RecordLockFailure(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockFailureRedisError)

		return false, fmt.Errorf("error trying write lock: %w", err)
	}

	if !success {
		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultContention)

		return false, nil
	}

	readers, err := rw.client.HGetAll(ctx, readersKey).Result()
	if err != nil {
		rw.client.Del(ctx, writerKey)

		return false, fmt.Errorf("error checking readers: %w", err)
	}

	if rw.countActiveReaders(ctx, readersKey, readers) > 0 {
		rw.client.Del(ctx, writerKey)

		lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultContention)

		return false, nil
	}

	rw.circuitBreaker.recordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeWrite, lock.LockModeDistributed, lock.LockResultSuccess)
	rw.writeAcquisitionTimes.Store(key, time.Now())

	return true, nil
}

// RLock acquires a shared read lock, waiting out any in-progress writer.
func (rw *RWLocker) RLock(ctx context.Context, key string, ttl time.Duration) error {
	if rw.circuitBreaker.isOpen() {
		lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureCircuitBreaker)

		if rw.allowDegradedMode {
			return rw.fallbackLocker.RLock(ctx, key, ttl)
		}

		return ErrCircuitBreakerOpen
	}

	readersKey, writerKey := rw.readersKey(key), rw.writerKey(key)
	readerID := rw.getOrCreateReaderID()
	deadline := time.Now().Add(ttl)

	for {
		exists, err := rw.client.Exists(ctx, writerKey).Result()
		if err != nil {
			if isConnectionError(err) {
				rw.circuitBreaker.recordFailure()

				if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
					return rw.fallbackLocker.RLock(ctx, key, ttl)
				}
			}

			return fmt.Errorf("error checking writer lock: %w", err)
		}

		if exists == 0 {
			break
		}

		if time.Now().After(deadline) {
			lock.RecordLockFailure(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockFailureTimeout)

			return ErrWriteLockTimeout
		}

		time.Sleep(10 * time.Millisecond)
	}

	expiresAt := time.Now().Add(ttl).Format(time.RFC3339)
	if err := rw.client.HSet(ctx, readersKey, readerID, expiresAt).Err(); err != nil {
		return fmt.Errorf("error acquiring read lock: %w", err)
	}

	rw.circuitBreaker.recordSuccess()
	lock.RecordLockAcquisition(ctx, lock.LockTypeRead, lock.LockModeDistributed, lock.LockResultSuccess)

	return nil
}

// RUnlock releases a shared read lock.
func (rw *RWLocker) RUnlock(ctx context.Context, key string) error {
	if rw.circuitBreaker.isOpen() && rw.allowDegradedMode {
		return rw.fallbackLocker.RUnlock(ctx, key)
	}

	return rw.client.HDel(ctx, rw.readersKey(key), rw.getOrCreateReaderID()).Err()
}

func (rw *RWLocker) getOrCreateReaderID() string {
	rw.readerIDMu.Lock()
	defer rw.readerIDMu.Unlock()

	if rw.readerID == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		rw.readerID = hex.EncodeToString(b)
	}

	return rw.readerID
}

// circuitBreaker implements a simple failure-count circuit breaker shared by
// Locker and RWLocker to decide when to fall back to local locks.
type circuitBreaker struct {
	mu               sync.Mutex
	failureCount     int
	failureThreshold int
	resetTimeout     time.Duration
	lastFailure      time.Time
	state            string
}

func newCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{failureThreshold: failureThreshold, resetTimeout: resetTimeout, state: stateClosed}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailure = time.Now()

	if cb.failureCount >= cb.failureThreshold {
		cb.state = stateOpen
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = stateClosed
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen && time.Since(cb.lastFailure) > cb.resetTimeout {
		cb.state = stateClosed
		cb.failureCount = 0
	}

	return cb.state == stateOpen
}

// isConnectionError reports whether err looks like a Redis connectivity
// failure rather than a normal lock-contention response.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	s := err.Error()

	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "i/o timeout") ||
		strings.Contains(s, "no such host")
}

// isLockAlreadyTakenError reports whether err is redsync reporting the lock
// as held by another holder, as opposed to a connectivity failure.
func isLockAlreadyTakenError(err error) bool {
	if err == nil {
		return false
	}

	s := err.Error()

	return strings.Contains(s, "lock already taken") || strings.Contains(s, "already taken")
}
