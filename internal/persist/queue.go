package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/domain"
)

// TaskPersistMessage is the asynq task type carrying a message to store.
const TaskPersistMessage = "chat:persist_message"

// QueueOptions controls how persistence tasks are enqueued.
type QueueOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// QueueAppender is an Appender that enqueues the message on asynq instead of
// writing it. The returned id is the task id, not a store id; the store
// write happens later in the handler registered by RegisterHandlers.
type QueueAppender struct {
	client *asynq.Client
	opts   QueueOptions
}

// NewQueueAppender wraps an asynq client.
func NewQueueAppender(client *asynq.Client, opts QueueOptions) *QueueAppender {
	if opts.Queue == "" {
		opts.Queue = "chat"
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &QueueAppender{client: client, opts: opts}
}

// Append implements Appender.
func (q *QueueAppender) Append(ctx context.Context, msg domain.Message) (string, error) {
	task, err := NewPersistTask(msg)
	if err != nil {
		return "", err
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.opts.Queue),
		asynq.MaxRetry(q.opts.MaxRetry),
		asynq.Timeout(q.opts.Timeout),
	)
	if err != nil {
		return "", errors.Wrap(err, "enqueue persist task")
	}
	return info.ID, nil
}

// NewPersistTask encodes msg as an asynq task.
func NewPersistTask(msg domain.Message) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode persist task")
	}
	return asynq.NewTask(TaskPersistMessage, payload), nil
}

// PersistHandler decodes a persistence task and appends it to store.
// Malformed payloads are not retried; store failures are, per the task's
// retry budget.
func PersistHandler(store Appender, logger *zap.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var msg domain.Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			logger.Error("malformed persist task", zap.Error(err))
			return errors.Wrapf(asynq.SkipRetry, "decode persist task: %v", err)
		}
		id, err := store.Append(ctx, msg)
		if err != nil {
			return errors.Wrap(err, "append message")
		}
		logger.Debug("queued message persisted", zap.String("id", id), zap.String("chat", msg.ConversationID))
		return nil
	}
}

// RegisterHandlers binds the persistence task to mux.
func RegisterHandlers(mux *asynq.ServeMux, store Appender, logger *zap.Logger) {
	mux.Handle(TaskPersistMessage, PersistHandler(store, logger))
}

// NewServer builds an asynq server consuming queue with the given
// concurrency. Task failures are logged through logger.
func NewServer(redis asynq.RedisConnOpt, queue string, concurrency int, logger *zap.Logger) *asynq.Server {
	if queue == "" {
		queue = "chat"
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Warn("persist task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
}
