package taskprocessor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/kafka"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

type Publisher interface {
	Publish(topic, key string, value []byte) error
}

// OutboxHandler stores domain events as tasks for the relay.
type OutboxHandler struct {
	repo repository.TaskRepository
}

func NewOutboxHandler(repo repository.TaskRepository) *OutboxHandler {
	return &OutboxHandler{repo: repo}
}

func (h *OutboxHandler) Handle(ctx context.Context, e events.Event) error {
	payload, err := kafka.Encode(e)
	if err != nil {
		return err
	}
	var key string
	if upd, ok := e.(events.ShipmentUpdated); ok {
		key = upd.TrackingNumber
	}
	return h.repo.CreateTask(ctx, key, payload)
}

type Options struct {
	PollInterval time.Duration
	Limit        int
	MaxAttempts  int
	RetryDelay   time.Duration
	// ClaimLease is how long a claimed task may stay unfinished before
	// another relay picks it up again.
	ClaimLease   time.Duration
}

func DefaultOptions() Options {
	return Options{PollInterval: time.Second, Limit: 50, MaxAttempts: 3, RetryDelay: 2 * time.Second, ClaimLease: time.Minute}
}

type TaskProcessor struct {
	repo         repository.TaskRepository
	producer     Publisher
	topic        string
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
	claimLease   time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

func NewTaskProcessor(repo repository.TaskRepository, producer Publisher, topic string, opts Options, logger *zap.Logger) *TaskProcessor {
	return &TaskProcessor{
		repo:         repo,
		producer:     producer,
		topic:        topic,
		pollInterval: opts.PollInterval,
		limit:        opts.Limit,
		maxAttempts:  opts.MaxAttempts,
		retryDelay:   opts.RetryDelay,
		claimLease:   opts.ClaimLease,
		logger:       logger,
		now:          time.Now,
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessPendingTasks(ctx)
		}
	}
}

// ProcessPendingTasks relays one batch of tasks.
func (p *TaskProcessor) ProcessPendingTasks(ctx context.Context) {
	tasks, err := p.repo.ClaimPendingTasks(ctx, p.limit, p.maxAttempts, p.claimLease)
	if err != nil {
		p.logger.Error("claiming pending tasks failed", zap.Error(err))
		return
	}
	for _, task := range tasks {
		if err := p.producer.Publish(p.topic, task.EventKey, task.Payload); err != nil {
			p.fail(ctx, task, err)
			continue
		}
		p.logger.Debug("task published", zap.Int64("task_id", task.ID))
		if err := p.repo.DeleteTask(ctx, task.ID); err != nil {
			p.logger.Error("deleting published task failed", zap.Int64("task_id", task.ID), zap.Error(err))
		}
	}
}

func (p *TaskProcessor) fail(ctx context.Context, task *repository.Task, cause error) {
	attempt := task.AttemptCount + 1
	status := repository.TaskStatusFailed
	if attempt >= p.maxAttempts {
		status = repository.TaskStatusNoAttemptsLeft
	}
	next := p.now().Add(p.retryDelay)
	if err := p.repo.UpdateTaskFailure(ctx, task.ID, attempt, status, next); err != nil {
		p.logger.Error("recording task failure failed", zap.Int64("task_id", task.ID), zap.Error(err))
	}
	p.logger.Warn("task publish failed",
		zap.Int64("task_id", task.ID), zap.Int("attempt", attempt),
		zap.String("status", string(status)), zap.Error(cause))
}
