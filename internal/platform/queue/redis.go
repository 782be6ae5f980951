package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/observability"
)

// Options names the Redis keys used by a RedisQueue.
type Options struct {
	Addr    string
	Stream  string
	Group   string
	Channel string
	// Block is how long a single XREADGROUP call waits before re-checking ctx.
	Block time.Duration
}

func (o *Options) applyDefaults() {
	if o.Stream == "" {
		o.Stream = "scriptq:jobs"
	}
	if o.Group == "" {
		o.Group = "scriptq:workers"
	}
	if o.Channel == "" {
		o.Channel = "scriptq:messages"
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
}

// RedisQueue implements domain.Intake using Redis Streams and
// domain.MessageBus using Redis Pub/Sub.
type RedisQueue struct {
	client  *redis.Client
	stream  string
	group   string
	channel string
	block   time.Duration
}

// Ensure RedisQueue satisfies the interfaces
var (
	_ domain.Intake     = (*RedisQueue)(nil)
	_ domain.MessageBus = (*RedisQueue)(nil)
)

// NewRedisQueue connects to Redis and verifies the connection with a ping.
func NewRedisQueue(ctx context.Context, opts Options) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: opts.Addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisQueueFromClient(rdb, opts), nil
}

// NewRedisQueueFromClient wraps an existing client without pinging it.
func NewRedisQueueFromClient(rdb *redis.Client, opts Options) *RedisQueue {
	opts.applyDefaults()
	return &RedisQueue{
		client:  rdb,
		stream:  opts.Stream,
		group:   opts.Group,
		channel: opts.Channel,
		block:   opts.Block,
	}
}

// Ping checks the connection.
func (r *RedisQueue) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// XADD appends to the stream.
	// We use "*" Id to let Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"job": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs using XREADGROUP (Consumer).
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	// MkStream guarantees the stream exists even if empty.
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	outCh := make(chan domain.Job)

	consumerID, _ := os.Hostname()
	if consumerID == "" {
		consumerID = "consumer"
	}
	consumerID = fmt.Sprintf("%s-%d", consumerID, os.Getpid())

	go func() {
		defer close(outCh)

		for {
			if ctx.Err() != nil {
				return
			}

			// Block is bounded so cancellation is noticed between reads.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: consumerID,
				Streams:  []string{r.stream, ">"}, // ">" means new messages
				Count:    1,
				Block:    r.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				observability.Logger.Error("Redis read error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second): // Backoff
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, err := decodeJob(msg)
					if err != nil {
						observability.Logger.Error("Invalid job message", zap.String("msg_id", msg.ID), zap.Error(err))
						// Poison entries are acknowledged so they do not linger in the PEL.
						_ = r.Acknowledge(ctx, msg.ID)
						continue
					}

					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		return domain.Job{}, errors.New("missing job field")
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	// Capture the Redis Stream ID so we can ACK later
	job.RawID = msg.ID
	return job, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

// Broadcast publishes a job message to the Pub/Sub channel.
func (r *RedisQueue) Broadcast(ctx context.Context, msg domain.JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// SubscribeMessages subscribes to the Pub/Sub channel and streams messages to a Go channel.
func (r *RedisQueue) SubscribeMessages(ctx context.Context) (<-chan domain.JobMessage, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to messages: %w", err)
	}

	outCh := make(chan domain.JobMessage)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var jm domain.JobMessage
				if err := json.Unmarshal([]byte(msg.Payload), &jm); err != nil {
					observability.Logger.Error("Failed to unmarshal job message", zap.Error(err))
					continue
				}

				select {
				case outCh <- jm:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
