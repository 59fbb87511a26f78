package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"TrapLine/pkg/logger"
)

// RedisQueue is a Redis list backed queue. Failed messages park in a
// sorted set scored by their retry time and rejoin the main list once
// due; messages that exhaust their retries land on the dead letter
// list for manual inspection.
type RedisQueue struct {
	l      *logger.Logger
	cfg    *Config
	client *redis.Client

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mainKey  string
	retryKey string
	deadKey  string
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(r *RedisQueue) { r.setKeys(prefix) }
}

// NewRedisQueue creates a queue over an existing Redis client. The
// queue consumes only the types it has jobs registered for.
func NewRedisQueue(l *logger.Logger, cfg *Config, client *redis.Client, opts ...Option) *RedisQueue {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisQueue{
		l:      l,
		cfg:    cfg,
		client: client,
		jobs:   make(map[string]Job),
		ctx:    ctx,
		cancel: cancel,
	}
	r.setKeys("trapline:queue")
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisQueue) setKeys(prefix string) {
	r.mainKey = prefix + ":messages"
	r.retryKey = prefix + ":retry"
	r.deadKey = prefix + ":dlq"
}

// RegisterJob binds a handler to its message type. A second
// registration for the same type is ignored.
func (r *RedisQueue) RegisterJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Type()]; ok {
		r.l.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	r.jobs[job.Type()] = job
}

// Start verifies the connection and launches the workers.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("queue already running")
	}
	r.running = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("redis ping: %w", err)
	}

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.retryLoop()

	r.l.Info("redis queue started",
		logger.Int("workers", r.cfg.Workers),
		logger.String("key", r.mainKey))
	return nil
}

// Stop cancels the workers and waits for them up to the ctx deadline.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.l.Info("redis queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Enqueue pushes one message onto the main list.
func (r *RedisQueue) Enqueue(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.running
	_, known := r.jobs[msgType]
	registered := len(r.jobs)
	r.mu.RUnlock()

	if !running {
		return errors.New("queue not running")
	}
	if registered > 0 && !known {
		return fmt.Errorf("no job registered for type %s", msgType)
	}

	raw, err := json.Marshal(Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, r.mainKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		res, err := r.client.BRPop(r.ctx, 2*time.Second, r.mainKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			r.l.Error("queue pop", logger.Int("worker", id), logger.Error(err))
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) == 2 {
			r.dispatch(res[1])
		}
	}
}

// dispatch decodes one message and runs its handler.
func (r *RedisQueue) dispatch(raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		r.l.Error("queue decode", logger.Error(err))
		return
	}

	r.mu.RLock()
	job := r.jobs[msg.Type]
	r.mu.RUnlock()
	if job == nil {
		r.l.Error("no job for message type",
			logger.String("type", msg.Type),
			logger.String("id", msg.ID))
		return
	}

	start := time.Now()
	err := job.Handle(r.ctx, normalizePayload(msg.Payload))
	if err == nil {
		r.l.Debug("job done",
			logger.String("job", job.Name()),
			logger.Duration("elapsed", time.Since(start)))
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	r.fail(msg, job, err)
}

// normalizePayload turns generically decoded JSON back into raw bytes
// so handlers can unmarshal into their own types.
func normalizePayload(payload interface{}) interface{} {
	switch payload.(type) {
	case map[string]interface{}, []interface{}:
		if raw, err := json.Marshal(payload); err == nil {
			return json.RawMessage(raw)
		}
	}
	return payload
}

// fail schedules a retry or dead letters the message once the retry
// budget is spent.
func (r *RedisQueue) fail(msg Message, job Job, err error) {
	r.l.Error("job failed",
		logger.String("job", job.Name()),
		logger.String("id", msg.ID),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(err))

	msg.Attempts++
	raw, merr := json.Marshal(msg)
	if merr != nil {
		r.l.Error("marshal failed message", logger.Error(merr))
		return
	}

	if msg.Attempts > r.cfg.RetryLimit {
		if derr := r.client.LPush(context.Background(), r.deadKey, raw).Err(); derr != nil {
			r.l.Error("dead letter push", logger.Error(derr))
		}
		return
	}

	due := time.Now().Add(r.cfg.RetryDelay)
	zerr := r.client.ZAdd(context.Background(), r.retryKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: raw,
	}).Err()
	if zerr != nil {
		r.l.Error("schedule retry", logger.Error(zerr))
	}
}

func (r *RedisQueue) retryLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.requeueDue()
		}
	}
}

// requeueDue moves messages whose retry time has passed back onto the
// main list.
func (r *RedisQueue) requeueDue() {
	max := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := r.client.ZRangeByScore(r.ctx, r.retryKey, &redis.ZRangeBy{Min: "0", Max: max}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.l.Error("scan retries", logger.Error(err))
		}
		return
	}

	for _, raw := range due {
		pipe := r.client.TxPipeline()
		pipe.ZRem(r.ctx, r.retryKey, raw)
		pipe.LPush(r.ctx, r.mainKey, raw)
		if _, err := pipe.Exec(r.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.l.Error("requeue retry", logger.Error(err))
		}
	}
}
