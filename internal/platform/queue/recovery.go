package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/observability"
)

// recoveryConsumer is the consumer name stale entries are claimed into.
const recoveryConsumer = "recovery-agent"

// StartRecoveryRoutine polls the PEL for stale submissions and reclaims them.
//
// A submission that stayed pending longer than maxIdle belonged to a consumer
// that died. Its session died with it, so the entry is acknowledged and
// dropped rather than replayed into an unrelated session.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	observability.Logger.Info("Starting Redis recovery routine",
		zap.Duration("interval", interval), zap.Duration("max_idle", maxIdle))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.ReclaimStale(ctx, maxIdle)
			if err != nil {
				observability.Logger.Error("Recovery routine failed", zap.Error(err))
				continue
			}
			if n > 0 {
				observability.Logger.Info("Recovered stale submissions", zap.Int("count", n))
			}
		}
	}
}

// ReclaimStale claims every entry idle for longer than maxIdle and acknowledges it.
// It returns how many entries were dropped.
func (r *RedisQueue) ReclaimStale(ctx context.Context, maxIdle time.Duration) (int, error) {
	start := "-" // Start from beginning of stream
	total := 0

	for {
		// XAUTOCLAIM: finds messages pending for > maxIdle and claims them in batches of 10.
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  maxIdle,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return total, err
		}

		for _, msg := range messages {
			name := ""
			if job, err := decodeJob(msg); err == nil {
				name = job.Name
			}
			observability.Logger.Warn("Dropping stale submission",
				zap.String("msg_id", msg.ID), zap.String("job", name))
			if err := r.client.XAck(ctx, r.stream, r.group, msg.ID).Err(); err != nil {
				return total, err
			}
			total++
		}

		if len(messages) == 0 || next == "0-0" {
			return total, nil
		}
		start = next
	}
}
