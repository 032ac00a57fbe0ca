package notify

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig shapes the backoff of a Retrying notifier.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig is a sane default for a broker that is normally up.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

// Retrying decorates a Notifier with capped exponential backoff on transient
// failures. Permanent failures (or exhausted retries) still surface as an
// error so the caller can log them; they remain non-fatal to the lifecycle
// transition either way.
type Retrying struct {
	next   Notifier
	config RetryConfig
	logger *logrus.Logger
	sleep  func(context.Context, time.Duration) error
}

var _ Notifier = (*Retrying)(nil)

// NewRetrying wraps next with retry behavior.
func NewRetrying(next Notifier, logger *logrus.Logger, config ...RetryConfig) *Retrying {
	cfg := DefaultRetryConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Retrying{
		next:   next,
		config: cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Publish attempts delivery, retrying transient failures with backoff.
func (r *Retrying) Publish(ctx context.Context, event Event) error {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish canceled: %w", err)
		}

		err := r.next.Publish(ctx, event)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransientError(err) || attempt == r.config.MaxRetries {
			break
		}
		r.logger.WithError(err).WithField("backoff", backoff).
			Warn("notification publish failed, retrying")
		if err := r.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("publish canceled during backoff: %w", err)
		}
		backoff = r.nextBackoff(backoff)
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

// Close closes the wrapped notifier.
func (r *Retrying) Close() error {
	return r.next.Close()
}

func (r *Retrying) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > r.config.MaxBackoff {
		backoff = r.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			r.logger.WithError(err).Warn("failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"not enough replicas",
		"leader not available",
		"broker not available",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
