package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sweeney/asterisk-dialer/internal/call"
)

// RedisOptions configures the Redis sink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration

	// TTL bounds how long transition and dedupe keys live. Zero keeps
	// them forever.
	TTL time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	if out.TTL <= 0 {
		out.TTL = 7 * 24 * time.Hour
	}
	return out
}

// RedisSink persists transitions and campaign counters in Redis.
// Idempotency comes from SETNX guards: replaying the same logical
// transition writes nothing and moves no counter.
type RedisSink struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSink opens a Redis client and validates connectivity via PING.
func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	opts = opts.withDefaults()
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisSink{rdb: rdb, ttl: opts.TTL}, nil
}

func (s *RedisSink) PersistTransition(ctx context.Context, t call.Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling transition: %w", err)
	}

	key := fmt.Sprintf("dialer:call:%s:state:%s", t.CallID, t.To)
	set, err := s.rdb.SetNX(ctx, key, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("persisting transition: %w", err)
	}
	if !set {
		// Duplicate delivery of the same logical transition.
		return nil
	}

	summary := fmt.Sprintf("dialer:call:%s", t.CallID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, summary,
		"state", string(t.To),
		"campaign_id", t.CampaignID,
		"destination", t.Destination,
		"outcome", t.Outcome,
		"cause", t.Cause,
	)
	pipe.Expire(ctx, summary, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSink) IncrementCounter(ctx context.Context, campaignID, bucket, token string) error {
	mark := "dialer:counted:" + token
	set, err := s.rdb.SetNX(ctx, mark, 1, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("marking counter token: %w", err)
	}
	if !set {
		return nil
	}
	key := "dialer:campaign:" + campaignID
	if err := s.rdb.HIncrBy(ctx, key, bucket, 1).Err(); err != nil {
		return fmt.Errorf("incrementing campaign counter: %w", err)
	}
	return s.rdb.Expire(ctx, key, s.ttl).Err()
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
