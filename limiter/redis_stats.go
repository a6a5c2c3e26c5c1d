package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const statsBucket = time.Hour

// RedisStats aggregates events into hourly buckets in Redis so several
// engine instances share one view. Summaries are accurate to the hour: a
// range starting mid-hour includes that whole hour.
type RedisStats struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisStats creates a stats store over client. Buckets expire after
// retention, 7 days when retention is not positive.
func NewRedisStats(client redis.UniversalClient, retention time.Duration) *RedisStats {
	if retention <= 0 {
		retention = defaultStatsRetention
	}
	return &RedisStats{client: client, retention: retention}
}

func statsKey(typ OperationType, hour int64) string {
	return fmt.Sprintf("%s:stats:%s:%d", keyPrefix, typ, hour)
}

func statsIDsKey(typ OperationType, hour int64) string {
	return statsKey(typ, hour) + ":ids"
}

func statsIDKey(typ OperationType, hour int64, id Identifier) string {
	return statsKey(typ, hour) + ":id:" + id.String()
}

// Record implements StatsStore.
func (s *RedisStats) Record(ctx context.Context, ev Event) error {
	hour := ev.At.Truncate(statsBucket).Unix()
	ttl := s.retention + statsBucket
	keys := []string{statsKey(ev.Type, hour), statsIDKey(ev.Type, hour, ev.Identifier)}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.HIncrBy(ctx, k, "total", 1)
			if !ev.Allowed {
				pipe.HIncrBy(ctx, k, "violations", 1)
			}
			pipe.Expire(ctx, k, ttl)
		}
		ids := statsIDsKey(ev.Type, hour)
		pipe.SAdd(ctx, ids, ev.Identifier.String())
		pipe.Expire(ctx, ids, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	return nil
}

// Summarize implements StatsStore.
func (s *RedisStats) Summarize(ctx context.Context, typ OperationType, id *Identifier, since, until time.Time) (StatsSummary, error) {
	var hours []int64
	for h := since.Truncate(statsBucket); !h.After(until); h = h.Add(statsBucket) {
		hours = append(hours, h.Unix())
	}

	counts := make([]*redis.MapStringStringCmd, len(hours))
	members := make([]*redis.StringSliceCmd, len(hours))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, h := range hours {
			if id != nil {
				counts[i] = pipe.HGetAll(ctx, statsIDKey(typ, h, *id))
				continue
			}
			counts[i] = pipe.HGetAll(ctx, statsKey(typ, h))
			members[i] = pipe.SMembers(ctx, statsIDsKey(typ, h))
		}
		return nil
	})
	if err != nil {
		return StatsSummary{}, fmt.Errorf("summarize stats: %w", err)
	}

	summary := StatsSummary{Type: typ}
	unique := make(map[string]struct{})
	for i := range hours {
		fields := counts[i].Val()
		summary.TotalRequests += parseCount(fields["total"])
		summary.Violations += parseCount(fields["violations"])
		if members[i] != nil {
			for _, m := range members[i].Val() {
				unique[m] = struct{}{}
			}
		}
	}

	switch {
	case id == nil:
		summary.UniqueIdentifiers = int64(len(unique))
	case summary.TotalRequests > 0:
		summary.UniqueIdentifiers = 1
	}
	return summary, nil
}

func parseCount(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
