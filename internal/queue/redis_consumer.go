/**
 * Direct Redis Queue Consumer for the meter reading worker
 *
 * Simple Redis LIST protocol shared with the upload API:
 *   <queue>            LIST of job ids (LPUSH by producers, BRPOP here)
 *   <queue>:data       HASH id -> RedisJobData JSON
 *   <queue>:processing / :completed / :failed   SETs of job ids
 *   <queue>:results / :errors                   HASHes id -> JSON
 *   <queue>:events     PUB/SUB channel of job:<status> events
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/processor"
)

// Job types carried in RedisJobData.Type.
const (
	JobTypeExtract   = "extract"
	JobTypeBenchmark = "benchmark"

	defaultMaxRetries = 3
)

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// taskType maps the LIST protocol job type onto a task type.
func (j *RedisJobData) taskType() string {
	if j.Type == JobTypeBenchmark || j.Type == TaskBenchmark {
		return TaskBenchmark
	}
	return TaskExtract
}

// shouldRetry reports whether a failed job goes back on the list. Attempts
// must already count the failed run.
func (j *RedisJobData) shouldRetry(err error) bool {
	maxRetries := j.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return errors.Retryable(err) && j.Attempts < maxRetries
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *jobRunner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.ReadingProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "meterread:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("redis-consumer")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, cfg.Logger),
		config: cfg,
		logger: cfg.Logger,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// Enqueue submits a job and returns its queue id.
func (c *RedisConsumer) Enqueue(ctx context.Context, taskType string, payload *JobPayload) (string, error) {
	jobType := JobTypeExtract
	if taskType == TaskBenchmark {
		jobType = JobTypeBenchmark
	}
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}

	job := RedisJobData{
		ID:         payload.JobID,
		Type:       jobType,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: defaultMaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("Worker error", "worker", id, "error", err)
			time.Sleep(time.Second)
		}
	}
}

// processNextJob fetches and processes the next job from the queue. An empty
// queue is not an error.
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]
	jobData, err := c.client.HGet(c.ctx, c.key("data"), jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateQueueStatus(jobID, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	c.runner.start(c.ctx, &job.Payload)
	c.updateQueueStatus(job.Payload.JobID, "processing", nil)

	res, err := c.runner.run(c.ctx, job.taskType(), &job.Payload)
	if err == nil {
		c.updateQueueStatus(job.Payload.JobID, "completed", res)
		return nil
	}

	job.Attempts++
	if job.shouldRetry(err) {
		updated, _ := json.Marshal(job)
		c.client.HSet(c.ctx, c.key("data"), job.ID, updated)
		c.client.SRem(c.ctx, c.key("processing"), job.Payload.JobID)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		c.logger.Info("Job re-queued for retry", "job_id", job.Payload.JobID, "attempt", job.Attempts, "max_retries", job.MaxRetries)
		return nil
	}

	c.runner.fail(c.ctx, job.Payload.JobID, err, job.Attempts)
	c.updateQueueStatus(job.Payload.JobID, "failed", failureMetadata(err))
	return nil
}

// updateQueueStatus moves jobID between the status sets, stores its result
// or error and publishes a job:<status> event.
func (c *RedisConsumer) updateQueueStatus(jobID string, status string, result interface{}) {
	ctx := c.ctx
	switch status {
	case "processing":
		c.client.SAdd(ctx, c.key("processing"), jobID)
	case "completed":
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("completed"), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("results"), jobID, resultData)
		}
	case "failed":
		c.client.SRem(ctx, c.key("processing"), jobID)
		c.client.SAdd(ctx, c.key("failed"), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			c.client.HSet(ctx, c.key("errors"), jobID, errorData)
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(ctx, c.key("events"), eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
