// Package jobs queues background work in Redis and dispatches it to handlers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoJob is returned by Dequeue when nothing arrived before the timeout.
var ErrNoJob = errors.New("no job available")

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = errors.New("job not found")

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID       string         `json:"id"`
	Queue    string         `json:"queue"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Enqueued time.Time      `json:"enqueued"`
}

// Record is the stored state of a job.
type Record struct {
	Job
	Status    Status    `json:"status"`
	Report    string    `json:"report,omitempty"`
	Error     string    `json:"error,omitempty"`
	Completed time.Time `json:"completed"`
}

// QueueConfig tunes a RedisQueue.
type QueueConfig struct {
	// Prefix namespaces every key the queue writes.
	Prefix string
	// ResultTTL is how long finished job records are kept.
	ResultTTL time.Duration
}

// DefaultQueueConfig returns the queue settings used when none are configured.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Prefix:    "corpora:jobs:",
		ResultTTL: 24 * time.Hour,
	}
}

// RedisQueue is a list-per-queue job queue with job records kept in hashes.
type RedisQueue struct {
	client *redis.Client
	config QueueConfig
	logger *zap.Logger
}

var _ persistence.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue on an existing client.
func NewRedisQueue(client *redis.Client, config QueueConfig, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultQueueConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.ResultTTL <= 0 {
		config.ResultTTL = defaults.ResultTTL
	}
	return &RedisQueue{client: client, config: config, logger: logger}
}

func (q *RedisQueue) queueKey(queue string) string { return q.config.Prefix + "queue:" + queue }
func (q *RedisQueue) jobKey(id string) string      { return q.config.Prefix + "job:" + id }

// Enqueue stores a job record and pushes its id onto queue.
func (q *RedisQueue) Enqueue(ctx context.Context, queue, jobType string, payload map[string]any) (string, error) {
	job := Job{
		ID:       uuid.New().String(),
		Queue:    queue,
		Type:     jobType,
		Payload:  payload,
		Enqueued: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job %s: %w", jobType, err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), "job", data, "status", string(StatusQueued))
		pipe.LPush(ctx, q.queueKey(queue), job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", jobType, err)
	}
	q.logger.Debug("Job enqueued",
		zap.String("id", job.ID),
		zap.String("queue", queue),
		zap.String("type", jobType),
	)
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next job of any of queues, oldest first, and
// marks it running.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration, queues ...string) (*Job, error) {
	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = q.queueKey(name)
	}
	res, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	id := res[1]
	record, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.client.HSet(ctx, q.jobKey(id), "status", string(StatusRunning)).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job %s running: %w", id, err)
	}
	return &record.Job, nil
}

// Get returns the stored state of a job.
func (q *RedisQueue) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	data, ok := fields["job"]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	var record Record
	if err := json.Unmarshal([]byte(data), &record.Job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	record.Status = Status(fields["status"])
	record.Report = fields["report"]
	record.Error = fields["error"]
	if raw := fields["completed"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			record.Completed = t
		}
	}
	return &record, nil
}

// Complete records a successful run. The record expires after the result TTL.
func (q *RedisQueue) Complete(ctx context.Context, jobID string, report string) error {
	return q.finish(ctx, jobID, StatusComplete, "report", report)
}

// Fail records a failed run.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, cause error) error {
	return q.finish(ctx, jobID, StatusFailed, "error", cause.Error())
}

func (q *RedisQueue) finish(ctx context.Context, jobID string, status Status, field, value string) error {
	key := q.jobKey(jobID)
	exists, err := q.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if exists == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(status),
			field, value,
			"completed", time.Now().UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, key, q.config.ResultTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}
	return nil
}

// Len returns the number of jobs waiting on queue.
func (q *RedisQueue) Len(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.queueKey(queue)).Result()
}
