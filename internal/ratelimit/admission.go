package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"

	"github.com/fableworks/loreline/internal/config"
)

const keyAdmitOwner = "admit:owner:%s"

// AdmissionLimiter throttles generation admissions per owner. It is shared
// across instances through Redis so a burst against one replica counts
// against the same bucket.
type AdmissionLimiter struct {
	enabled bool

	bucket *TokenBucket

	rate  float64
	burst int
}

func NewAdmissionLimiter(cfg config.Config) (*AdmissionLimiter, error) {
	if !cfg.RateLimitEnabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if cfg.AdmitRatePerSec <= 0 || cfg.AdmitBurst <= 0 {
		return nil, errors.New("admission rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(cfg.RedisUsername),
		Password: strings.TrimSpace(cfg.RedisPassword),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rate limit redis: %w", err)
	}

	return &AdmissionLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.AdmitRatePerSec,
		burst:   cfg.AdmitBurst,
	}, nil
}

func (l *AdmissionLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowOwner reports whether ownerID may admit another session right now.
func (l *AdmissionLimiter) AllowOwner(ctx context.Context, ownerID snowflake.ID) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyAdmitOwner, ownerID.String()), l.rate, l.burst)
}
