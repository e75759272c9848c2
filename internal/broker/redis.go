// Package broker carries realtime traffic across server replicas (Redis) and
// feeds the announcement side-channel (RabbitMQ).
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/layneker8/soft-turnos/internal/logger"
	"github.com/layneker8/soft-turnos/internal/relay"
)

// Broadcaster is the local side of the fan-out, normally *hub.Hub.
type Broadcaster interface {
	Broadcast(siteID string, payload []byte)
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Fanout publishes relayed events on a per-site channel so every replica's
// hub delivers them to its own clients.
type Fanout struct {
	rdb *redis.Client
	log logrus.FieldLogger
}

func NewFanout(rdb *redis.Client, log logrus.FieldLogger) *Fanout {
	if log == nil {
		log = logger.Discard()
	}
	return &Fanout{rdb: rdb, log: log}
}

func (f *Fanout) Deliver(ctx context.Context, msg relay.Message) error {
	if err := f.rdb.Publish(ctx, ChannelSite(msg.SiteID), msg.Payload).Err(); err != nil {
		return fmt.Errorf("fanout publish %s: %w", msg.SiteID, err)
	}
	return nil
}

// Run forwards every site channel message to local. It returns when ctx is
// done or the subscription closes.
func (f *Fanout) Run(ctx context.Context, local Broadcaster) error {
	sub := f.rdb.PSubscribe(ctx, channelSitePattern())
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			siteID, ok := siteFromChannel(m.Channel)
			if !ok {
				f.log.WithField("channel", m.Channel).Warn("fanout: unexpected channel")
				continue
			}
			local.Broadcast(siteID, []byte(m.Payload))
		}
	}
}

// Sliding window over a sorted set.
// KEYS[1] = key, ARGV = now_ms, window_ms, limit, member
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, 'NX', now, member)
local count = redis.call('ZCARD', key)
redis.call('PEXPIRE', key, window)

if count > limit then
  local earliest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local earliestScore = tonumber(earliest[2]) or (now - window)
  local retry_ms = window - (now - earliestScore)
  if retry_ms < 0 then retry_ms = 0 end
  return {0, count, retry_ms}
end
return {1, count, 0}
`

// SlidingWindowLimiter shares a request budget across replicas.
type SlidingWindowLimiter struct {
	rdb    *redis.Client
	scope  string
	limit  int
	window time.Duration
	script *redis.Script
}

func NewSlidingWindowLimiter(rdb *redis.Client, scope string, limit int, window time.Duration) *SlidingWindowLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{
		rdb:    rdb,
		scope:  scope,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaSlidingWindow),
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, id string) (bool, time.Duration, error) {
	res, err := l.script.Run(ctx, l.rdb,
		[]string{KeyRateLimit(l.scope, id)},
		time.Now().UnixMilli(), l.window.Milliseconds(), l.limit, randomHex(12),
	).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return false, 0, fmt.Errorf("bad script result: %v", res)
	}
	return toInt(arr[0]) == 1, time.Duration(toInt(arr[2])) * time.Millisecond, nil
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
