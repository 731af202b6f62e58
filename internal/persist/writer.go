// Package persist records chat messages after they have been broadcast.
// Writes are asynchronous and never feed back into realtime delivery: a
// failed write is logged and the message is missing from history, nothing
// more.
package persist

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/domain"
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("persist queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("persist writer closed")
)

// Appender durably appends a message and returns the id it was stored under.
type Appender interface {
	Append(ctx context.Context, msg domain.Message) (string, error)
}

// Config holds writer tuning.
type Config struct {
	Workers        int
	QueueSize      int
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	Timeout        time.Duration
}

// DefaultConfig is best-effort: one attempt per message, failures logged.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      1024,
		MaxRetries:     0,
		BaseRetryDelay: 200 * time.Millisecond,
		MaxRetryDelay:  5 * time.Second,
		Timeout:        5 * time.Second,
	}
}

func sanitize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return cfg
}

// Stats counts writer outcomes since start.
type Stats struct {
	Persisted uint64
	Failed    uint64
	Dropped   uint64
}

// Writer drains bounded queues of messages into an Appender. Each
// conversation hashes to one worker, so its messages are appended in
// submission order.
type Writer struct {
	cfg      Config
	appender Appender
	logger   *zap.Logger

	shards []chan domain.Message
	quit   chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	persisted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewWriter starts cfg.Workers goroutines appending to appender. The
// backlog of cfg.QueueSize is split evenly between them.
func NewWriter(appender Appender, cfg Config, logger *zap.Logger) *Writer {
	cfg = sanitize(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	perShard := (cfg.QueueSize + cfg.Workers - 1) / cfg.Workers
	w := &Writer{
		cfg:      cfg,
		appender: appender,
		logger:   logger,
		shards:   make([]chan domain.Message, cfg.Workers),
		quit:     make(chan struct{}),
	}
	for i := range w.shards {
		jobs := make(chan domain.Message, perShard)
		w.shards[i] = jobs
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for msg := range jobs {
				w.persist(msg)
			}
		}()
	}
	return w
}

func (w *Writer) shard(conversationID string) chan domain.Message {
	if len(w.shards) == 1 {
		return w.shards[0]
	}
	return w.shards[xxhash.Sum64String(conversationID)%uint64(len(w.shards))]
}

func (w *Writer) pending() int {
	n := 0
	for _, jobs := range w.shards {
		n += len(jobs)
	}
	return n
}

// Submit queues msg without blocking.
func (w *Writer) Submit(msg domain.Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		return ErrClosed
	}
	select {
	case w.shard(msg.ConversationID) <- msg:
		return nil
	default:
		w.dropped.Add(1)
		w.logger.Error("persistence backlog full; message dropped from history",
			zap.String("chat", msg.ConversationID),
			zap.String("sender", msg.SenderID))
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for the backlog to drain. When
// ctx expires first, pending retries are abandoned and ctx.Err is returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, jobs := range w.shards {
		close(jobs)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(w.quit)
		w.logger.Warn("persistence writer closed before backlog drained", zap.Int("pending", w.pending()))
		return ctx.Err()
	}
}

// Stats returns outcome counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Persisted: w.persisted.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

func (w *Writer) persist(msg domain.Message) {
	var err error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 && !w.sleep(w.backoff(attempt)) {
			break
		}

		var id string
		id, err = w.appendOnce(msg)
		if err == nil {
			w.persisted.Add(1)
			w.logger.Debug("message persisted",
				zap.String("id", id),
				zap.String("chat", msg.ConversationID),
				zap.Int("attempt", attempt+1))
			return
		}
		w.logger.Warn("message persistence attempt failed",
			zap.String("chat", msg.ConversationID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	w.failed.Add(1)
	w.logger.Error("message dropped from history",
		zap.String("chat", msg.ConversationID),
		zap.String("sender", msg.SenderID),
		zap.Error(err))
}

func (w *Writer) appendOnce(msg domain.Message) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("appender panicked")
			w.logger.Error("recovered from panic in appender", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	return w.appender.Append(ctx, msg)
}

// backoff doubles the base delay per attempt, capped, minus up to 20% jitter.
func (w *Writer) backoff(attempt int) time.Duration {
	d := w.cfg.BaseRetryDelay << (attempt - 1)
	if d <= 0 || d > w.cfg.MaxRetryDelay {
		d = w.cfg.MaxRetryDelay
	}
	if jitter := int64(d / 5); jitter > 0 {
		d -= time.Duration(rand.Int63n(jitter))
	}
	return d
}

func (w *Writer) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.quit:
		return false
	}
}
