package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder keeps outcome counters in Redis hashes:
//
//	<prefix>:total               outcome -> count
//	<prefix>:minute:<yyyymmddhhmm> outcome -> count (expires after ttl)
//	<prefix>:ns                  <namespace>:<outcome> -> count
//	<prefix>:identity:<id>       outcome -> count (only with WithRedisTrackIdentities)
type RedisRecorder struct {
	rdb redis.Cmdable

	prefix string
	// ttl only applies to time buckets and per-identity keys
	ttl time.Duration

	bucket string // "minute" (default) or "none"

	trackIdentities bool
}

type RedisOption func(*RedisRecorder)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) {
		r.prefix = strings.Trim(prefix, ":")
	}
}

func WithRedisTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

func WithRedisBucket(bucket string) RedisOption {
	return func(r *RedisRecorder) { r.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithRedisTrackIdentities(track bool) RedisOption {
	return func(r *RedisRecorder) { r.trackIdentities = track }
}

func NewRedisRecorder(rdb redis.Cmdable, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "capsulegate:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Keys returns the keys Record would touch for ev. Exposed for inspection
// tools and tests.
func (r *RedisRecorder) Keys(ev Event) []string {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	keys := []string{r.prefix + ":total"}
	if r.bucket == "minute" {
		keys = append(keys, fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504")))
	}
	if strings.TrimSpace(ev.Namespace) != "" {
		keys = append(keys, r.prefix+":ns")
	}
	if r.trackIdentities && strings.TrimSpace(ev.Identity) != "" {
		keys = append(keys, r.prefix+":identity:"+strings.TrimSpace(ev.Identity))
	}
	return keys
}

func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	if r == nil || r.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Outcome)

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+":total", field, 1)
	if ev.Items > 0 {
		pipe.HIncrBy(ctx, r.prefix+":total", "items", int64(ev.Items))
	}

	if r.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, bucketKey, r.ttl)
		}
	}

	if ns := strings.TrimSpace(ev.Namespace); ns != "" {
		pipe.HIncrBy(ctx, r.prefix+":ns", ns+":"+field, 1)
	}

	if r.trackIdentities {
		id := strings.TrimSpace(ev.Identity)
		if id != "" {
			idKey := r.prefix + ":identity:" + id
			pipe.HIncrBy(ctx, idKey, field, 1)
			if r.ttl > 0 {
				pipe.Expire(ctx, idKey, r.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
