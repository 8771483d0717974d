// Package dispatch fans scheduled-task executions out over NATS.
//
// The due check runs on every worker, but only one worker should execute a
// claimed task. CheckDue publishes each claimed task id to a subject; workers
// join a queue group on that subject, so NATS delivers each task to exactly
// one member.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/codeforge-ai/backend/internal/logger"
)

// taskMessage is the wire form of one dispatched execution.
type taskMessage struct {
	TaskID     string    `json:"task_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Publisher enqueues task executions onto the dispatch subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *logger.Logger
}

// NewPublisher creates a publisher. Returns nil if NATS is not available, in
// which case callers should fall back to running tasks in process.
func NewPublisher(nc *nats.Conn, subject string, lg *logger.Logger) *Publisher {
	if nc == nil {
		return nil
	}
	return &Publisher{nc: nc, subject: subject, logger: lg.WithComponent("dispatch")}
}

// EnqueueTask publishes one task id for execution.
func (p *Publisher) EnqueueTask(_ context.Context, taskID uuid.UUID) error {
	data, err := json.Marshal(taskMessage{TaskID: taskID.String(), EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish task %s: %w", taskID, err)
	}
	return nil
}

// taskExecutor runs one dispatched task.
type taskExecutor interface {
	RunScheduledTask(ctx context.Context, taskID uuid.UUID) error
}

// Consumer receives dispatched task ids and executes them. All consumers share
// a queue group, so each message is handled by one worker.
type Consumer struct {
	nc           *nats.Conn
	subject      string
	queueGroup   string
	executor     taskExecutor
	logger       *logger.Logger
	subscription *nats.Subscription
}

// NewConsumer creates a consumer. Returns nil if NATS is not available.
func NewConsumer(nc *nats.Conn, subject, queueGroup string, executor taskExecutor, lg *logger.Logger) *Consumer {
	if nc == nil {
		return nil
	}
	return &Consumer{
		nc:         nc,
		subject:    subject,
		queueGroup: queueGroup,
		executor:   executor,
		logger:     lg.WithComponent("dispatch"),
	}
}

// Start subscribes to the dispatch subject. Call once during startup.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.nc.QueueSubscribe(c.subject, c.queueGroup, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}

	c.subscription = sub
	c.logger.Info("task consumer started",
		slog.String("subject", c.subject),
		slog.String("queue_group", c.queueGroup))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (c *Consumer) Stop() error {
	if c.subscription != nil {
		if err := c.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	c.logger.Info("task consumer stopped")
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	var tm taskMessage
	if err := json.Unmarshal(msg.Data, &tm); err != nil {
		c.logger.Warn("received invalid task message", slog.String("error", err.Error()))
		return
	}
	taskID, err := uuid.Parse(tm.TaskID)
	if err != nil {
		c.logger.Warn("received task message with invalid id", slog.String("task_id", tm.TaskID))
		return
	}

	if err := c.executor.RunScheduledTask(ctx, taskID); err != nil {
		c.logger.Error("dispatched task execution failed",
			slog.String("task_id", tm.TaskID),
			slog.String("error", err.Error()))
	}
}
