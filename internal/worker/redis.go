package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glizzus/sound-stream/internal/generator"
	"github.com/redis/go-redis/v9"
)

// RedisJobQueue appends jobs to the job stream.
type RedisJobQueue struct {
	client *redis.Client
	stream string
	ids    generator.Generator[string]
}

func NewRedisJobQueue(client *redis.Client, stream string, ids generator.Generator[string]) *RedisJobQueue {
	if ids == nil {
		ids = &generator.UUIDV4Generator{}
	}
	return &RedisJobQueue{client: client, stream: stream, ids: ids}
}

var _ JobHandler = (*RedisJobQueue)(nil)

// HandleJobs enqueues the jobs in one round trip.
func (q *RedisJobQueue) HandleJobs(ctx context.Context, jobs ...Job) error {
	_, err := q.Enqueue(ctx, jobs...)
	return err
}

// Enqueue validates and appends the jobs, assigning ids to jobs without one.
// It returns the job ids in order.
func (q *RedisJobQueue) Enqueue(ctx context.Context, jobs ...Job) ([]string, error) {
	ids := make([]string, len(jobs))
	for i := range jobs {
		if err := jobs[i].Validate(); err != nil {
			return nil, err
		}
		if jobs[i].ID == "" {
			id, err := q.ids.Next()
			if err != nil {
				return nil, fmt.Errorf("failed to generate job id: %w", err)
			}
			jobs[i].ID = id
		}
		ids[i] = jobs[i].ID
	}

	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.stream,
				Values: job.values(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	return ids, nil
}

type ReceiverOptions struct {
	Stream   string
	Group    string
	Consumer string
	// Block is how long one ReceiveJobs call waits for new jobs.
	Block time.Duration
	Count int64
}

// RedisJobReceiver reads jobs as one consumer of a consumer group. Jobs
// delivered to this consumer but never acked, for example before a crash,
// are received again first.
type RedisJobReceiver struct {
	client *redis.Client
	opts   ReceiverOptions
	logger *slog.Logger

	// pendingCursor walks this consumer's pending entries; empty once
	// they have all been seen.
	pendingCursor string
}

func NewRedisJobReceiver(ctx context.Context, client *redis.Client, opts ReceiverOptions) (*RedisJobReceiver, error) {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 16
	}
	// "0" so jobs enqueued before the group existed are delivered too.
	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", opts.Group, err)
	}

	return &RedisJobReceiver{
		client:        client,
		opts:          opts,
		logger:        slog.Default().With(slog.String("component", "job_receiver")),
		pendingCursor: "0",
	}, nil
}

// ReceiveJobs waits up to the block interval for jobs. It returns no jobs
// and no error when none arrived. Malformed entries are logged and acked.
func (r *RedisJobReceiver) ReceiveJobs(ctx context.Context) ([]Job, error) {
	start := ">"
	if r.pendingCursor != "" {
		start = r.pendingCursor
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.opts.Group,
		Consumer: r.opts.Consumer,
		Streams:  []string{r.opts.Stream, start},
		Count:    r.opts.Count,
		Block:    r.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}

	var jobs []Job
	var malformed []string
	seen := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			seen++
			if start != ">" {
				r.pendingCursor = msg.ID
			}
			job, err := jobFromValues(msg.ID, msg.Values)
			if err != nil {
				r.logger.Warn("Dropping malformed job",
					slog.String("messageID", msg.ID),
					slog.Any("error", err),
				)
				malformed = append(malformed, msg.ID)
				continue
			}
			jobs = append(jobs, job)
		}
	}
	if start != ">" && seen == 0 {
		r.pendingCursor = ""
	}
	if len(malformed) > 0 {
		if err := r.client.XAck(ctx, r.opts.Stream, r.opts.Group, malformed...).Err(); err != nil {
			return nil, fmt.Errorf("failed to ack malformed jobs: %w", err)
		}
	}
	return jobs, nil
}

// Ack marks jobs as handled so they are not delivered again.
func (r *RedisJobReceiver) Ack(ctx context.Context, jobs ...Job) error {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if job.MessageID != "" {
			ids = append(ids, job.MessageID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, r.opts.Stream, r.opts.Group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack jobs: %w", err)
	}
	return nil
}
