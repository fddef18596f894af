package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

const (
	blacklistPrefix = "ddos:blacklist:"
	eventsKey       = "ddos:events"
	historyKey      = "ddos:events:history"
	alertsChannel   = "ddos:alerts"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// PublishRate and PublishBurst bound alert publishes. A zero rate
	// disables throttling.
	PublishRate  float64
	PublishBurst int
	// Retention bounds how long events stay in the history set.
	Retention time.Duration
}

// blacklistRecord is the value stored under ddos:blacklist:<ip> for
// enforcement points to read.
type blacklistRecord struct {
	Reason string     `json:"reason"`
	Since  time.Time  `json:"since"`
	Until  *time.Time `json:"until,omitempty"`
}

// RedisSink mirrors the blacklist into Redis, stores events and publishes
// alerts. It implements engine.Sink.
type RedisSink struct {
	client    *redis.Client
	limiter   *rate.Limiter
	retention time.Duration
	logger    *zap.Logger
	throttled atomic.Uint64
}

func NewRedisSink(ctx context.Context, opts Options, logger *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), burst)
	}

	return &RedisSink{
		client:    client,
		limiter:   limiter,
		retention: opts.Retention,
		logger:    logger.With(zap.String("component", "redis-sink")),
	}, nil
}

// HandleEvent applies ev to the blacklist mirror, stores it and publishes it
// as an alert.
func (r *RedisSink) HandleEvent(ctx context.Context, ev models.Event) error {
	switch ev.Kind {
	case models.EventBlacklisted:
		if err := r.SetBlacklist(ctx, ev.IP, ev.Reason, ev.Timestamp, ev.Until); err != nil {
			return err
		}
	case models.EventUnblacklisted:
		if err := r.RemoveBlacklist(ctx, ev.IP); err != nil {
			return err
		}
	}

	if err := r.StoreEvent(ctx, ev); err != nil {
		return err
	}
	return r.PublishAlert(ctx, ev)
}

// SetBlacklist writes the blacklist key for ip. The key expires with the
// entry; a nil until leaves it without a TTL.
func (r *RedisSink) SetBlacklist(ctx context.Context, ip netip.Addr, reason string, since time.Time, until *time.Time) error {
	data, err := json.Marshal(blacklistRecord{Reason: reason, Since: since, Until: until})
	if err != nil {
		return err
	}

	var ttl time.Duration
	if until != nil {
		ttl = until.Sub(since)
		if ttl <= 0 {
			return r.RemoveBlacklist(ctx, ip)
		}
	}
	if err := r.client.Set(ctx, blacklistPrefix+ip.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("set blacklist %s: %w", ip, err)
	}
	return nil
}

func (r *RedisSink) RemoveBlacklist(ctx context.Context, ip netip.Addr) error {
	if err := r.client.Del(ctx, blacklistPrefix+ip.String()).Err(); err != nil {
		return fmt.Errorf("delete blacklist %s: %w", ip, err)
	}
	return nil
}

// IsBlacklisted reports whether the mirror holds a key for ip.
func (r *RedisSink) IsBlacklisted(ctx context.Context, ip netip.Addr) (bool, error) {
	n, err := r.client.Exists(ctx, blacklistPrefix+ip.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StoreEvent stores ev by ID and indexes it by time. Events older than the
// retention are trimmed.
func (r *RedisSink) StoreEvent(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, eventsKey, ev.ID, string(data))
	pipe.ZAdd(ctx, historyKey, redis.Z{
		Score:  float64(ev.Timestamp.UnixMilli()),
		Member: ev.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store event %s: %w", ev.ID, err)
	}

	if r.retention > 0 {
		r.trim(ctx, ev.Timestamp.Add(-r.retention))
	}
	return nil
}

func (r *RedisSink) trim(ctx context.Context, cutoff time.Time) {
	bound := fmt.Sprintf("(%d", cutoff.UnixMilli())
	ids, err := r.client.ZRangeByScore(ctx, historyKey, &redis.ZRangeBy{Min: "-inf", Max: bound}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	pipe := r.client.Pipeline()
	pipe.HDel(ctx, eventsKey, ids...)
	pipe.ZRemRangeByScore(ctx, historyKey, "-inf", bound)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("failed to trim event history", zap.Error(err))
	}
}

// RecentEvents returns events at or after since, oldest first.
func (r *RedisSink) RecentEvents(ctx context.Context, since time.Time) ([]models.Event, error) {
	ids, err := r.client.ZRangeByScore(ctx, historyKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := r.client.HMGet(ctx, eventsKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// PublishAlert publishes ev to subscribers unless the publish rate is
// exhausted, in which case the alert is counted and dropped.
func (r *RedisSink) PublishAlert(ctx context.Context, ev models.Event) error {
	if !r.limiter.Allow() {
		r.throttled.Add(1)
		return nil
	}

	data, err := json.Marshal(alert{Event: ev, Level: ev.Level()})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, alertsChannel, string(data)).Err()
}

type alert struct {
	models.Event
	Level string `json:"level"`
}

// Throttled returns how many alerts were not published because of the rate
// limit.
func (r *RedisSink) Throttled() uint64 {
	return r.throttled.Load()
}

// Close closes the Redis connection
func (r *RedisSink) Close() error {
	return r.client.Close()
}
