/**
 * Asynq Queue Consumer for the meter reading worker
 *
 * Alternative to the LIST protocol for deployments that already run asynq.
 * Tasks: meter:extract (store a reading) and meter:benchmark (compare strategies).
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/processor"
)

// Worker is a running queue backend.
type Worker interface {
	Start() error
	Stop() error
	Enqueue(ctx context.Context, taskType string, payload *JobPayload) (string, error)
}

// Consumer handles job consumption through asynq
type Consumer struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.ReadingProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
	Logger            *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("asynq-consumer")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	consumer := &Consumer{
		client: asynq.NewClient(redisOpt),
		mux:    asynq.NewServeMux(),
		runner: newJobRunner(cfg.Processor, cfg.ProcessingTimeout, cfg.Logger),
		config: cfg,
		logger: cfg.Logger,
	}

	consumer.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s, capped at a minute
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				consumer.logger.Warn("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger:   asynqLogger{cfg.Logger},
			LogLevel: asynq.WarnLevel,
		},
	)

	consumer.mux.HandleFunc(TaskExtract, consumer.handle)
	consumer.mux.HandleFunc(TaskBenchmark, consumer.handle)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start() error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)
	return c.server.Start(c.mux)
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// Enqueue submits a task and returns the job id.
func (c *Consumer) Enqueue(ctx context.Context, taskType string, payload *JobPayload) (string, error) {
	if payload.JobID == "" {
		return "", fmt.Errorf("job ID is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job data: %w", err)
	}

	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, data),
		asynq.Queue(c.config.QueueName),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(defaultMaxRetries),
		asynq.Timeout(c.runner.timeout+time.Minute),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info.ID, nil
}

// handle processes one extract or benchmark task. Failures that cannot
// succeed on a later attempt skip asynq's retries.
func (c *Consumer) handle(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	c.runner.start(ctx, &payload)

	_, err := c.runner.run(ctx, task.Type(), &payload)
	if err == nil {
		return nil
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, known := asynq.GetMaxRetry(ctx)
	retryable := errors.Retryable(err)
	if !retryable || !known || retried >= maxRetry {
		c.runner.fail(ctx, payload.JobID, err, retried+1)
	}

	if !retryable {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// asynqLogger routes asynq's own logging through the worker logger.
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	a.l.Sync()
	os.Exit(1)
}
