package kafka

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"TrapLine/pkg/logger"
)

// MessageHandler handles messages from one topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// ConsumerConfig holds consumer tuning.
type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	Workers    int
	BufferSize int // per-worker channel depth
	RetryMax   int
	BackoffMin time.Duration
	BackoffMax time.Duration
	DLQTopic   string
	MinBytes   int
	MaxBytes   int
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*ConsumerConfig)

// WithConsumerBrokers sets the broker addresses.
func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) { c.Brokers = brokers }
}

// WithConsumerGroupID sets the consumer group.
func WithConsumerGroupID(id string) ConsumerOption {
	return func(c *ConsumerConfig) {
		if id != "" {
			c.GroupID = id
		}
	}
}

// WithConsumerWorkers sets the worker pool size.
func WithConsumerWorkers(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.Workers = n
		}
	}
}

// WithConsumerBufferSize sets the per-worker channel depth.
func WithConsumerBufferSize(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithConsumerRetry configures handler retries and the backoff range.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		if max >= 0 {
			c.RetryMax = max
		}
		if backoffMin > 0 {
			c.BackoffMin = backoffMin
		}
		if backoffMax > 0 {
			c.BackoffMax = backoffMax
		}
	}
}

// WithConsumerDLQ routes exhausted messages to a dead letter topic.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) { c.DLQTopic = topic }
}

// WithConsumerFetch sets fetch min/max bytes.
func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if minBytes > 0 {
			c.MinBytes = minBytes
		}
		if maxBytes > 0 {
			c.MaxBytes = maxBytes
		}
	}
}

// Consumer reads registered topics through a fixed worker pool.
// Messages route to workers by (topic, partition) so handling and
// offset commits stay ordered within a partition.
type Consumer struct {
	cfg  *ConsumerConfig
	l    *logger.Logger
	hook ConsumerHook

	handlers map[string]MessageHandler
	readers  map[string]*kafka.Reader
	dlq      *kafka.Writer

	chans    []chan fetched
	readerWG sync.WaitGroup
	workerWG sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

type fetched struct {
	topic string
	msg   kafka.Message
}

// NewConsumer builds a consumer. The fetch defaults favor latency:
// the budget stream carries rare, tiny directives, so waiting to fill
// large fetch batches would only delay them.
func NewConsumer(l *logger.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:    "trapline",
		Workers:    1,
		BufferSize: 64,
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
		MinBytes:   1,
		MaxBytes:   10 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: no brokers")
	}

	c := &Consumer{
		cfg:      cfg,
		l:        l,
		hook:     NoopHook{},
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]*kafka.Reader),
		done:     make(chan struct{}),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}
	initConsumerMetrics()
	return c, nil
}

// WithConsumerHook attaches lifecycle callbacks. Call before Start.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// RegisterHandler binds a handler to its topic. Call before Start; a
// second handler for the same topic is ignored.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.l.Warn("handler already registered", logger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// Start launches one reader per registered topic and the worker pool.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no handlers registered")
	}

	c.chans = make([]chan fetched, c.cfg.Workers)
	for i := range c.chans {
		c.chans[i] = make(chan fetched, c.cfg.BufferSize)
		c.workerWG.Add(1)
		go c.worker(c.chans[i])
	}

	for topic := range c.handlers {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
			MaxWait:  500 * time.Millisecond,
		})
		c.readers[topic] = r
		c.readerWG.Add(1)
		go c.readLoop(topic, r)
	}

	c.l.Info("kafka consumer started",
		logger.Int("workers", c.cfg.Workers),
		logger.Int("topics", len(c.readers)),
		logger.String("group", c.cfg.GroupID))
	return nil
}

// Stop drains readers then workers, bounded by the ctx deadline.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		close(c.done)

		readersDone := make(chan struct{})
		go func() {
			c.readerWG.Wait()
			close(readersDone)
		}()
		select {
		case <-readersDone:
		case <-ctx.Done():
			stopErr = fmt.Errorf("consumer shutdown: %w", ctx.Err())
			return
		}

		for _, ch := range c.chans {
			close(ch)
		}
		workersDone := make(chan struct{})
		go func() {
			c.workerWG.Wait()
			close(workersDone)
		}()
		select {
		case <-workersDone:
		case <-ctx.Done():
			stopErr = fmt.Errorf("consumer shutdown: %w", ctx.Err())
		}

		for topic, r := range c.readers {
			if err := r.Close(); err != nil {
				c.l.Warn("close reader", logger.String("topic", topic), logger.Error(err))
			}
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
		if stopErr == nil {
			c.l.Info("kafka consumer stopped")
		}
	})
	return stopErr
}

func (c *Consumer) readLoop(topic string, r *kafka.Reader) {
	defer c.readerWG.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			c.l.Error("kafka fetch", logger.String("topic", topic), logger.Error(err))
			select {
			case <-c.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		idx := c.route(topic, m.Partition)
		select {
		case c.chans[idx] <- fetched{topic: topic, msg: m}:
			queueDepth.WithLabelValues(topic).Set(float64(len(c.chans[idx])))
		case <-c.done:
			return
		}
	}
}

// route picks a fixed worker for a (topic, partition) pair.
func (c *Consumer) route(topic string, partition int) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	h.Write([]byte(strconv.Itoa(partition)))
	return int(h.Sum32() % uint32(len(c.chans)))
}

func (c *Consumer) worker(ch chan fetched) {
	defer c.workerWG.Done()
	for f := range ch {
		c.handle(f.topic, f.msg)
	}
}

// handle runs one message through the hook, the handler with retries,
// and then either commits or dead letters it. A message that fails
// without a DLQ stays uncommitted so the group redelivers it.
func (c *Consumer) handle(topic string, m kafka.Message) {
	handler := c.handlers[topic]
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.l.Error("handler panic",
				logger.String("topic", topic),
				logger.Any("panic", r))
		}
	}()

	start := time.Now()
	ctx := context.Background()

	err := c.hook.BeforeHandle(ctx, topic, m.Value)
	if err == nil {
		for attempt := 0; ; attempt++ {
			err = handler.Handle(ctx, m.Value)
			if err == nil {
				break
			}
			c.hook.OnError(ctx, topic, m.Value, err)
			if attempt >= c.cfg.RetryMax {
				break
			}
			select {
			case <-time.After(backoffJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt+1)):
			case <-c.done:
				return
			}
		}
	} else {
		c.hook.OnError(ctx, topic, m.Value, err)
	}
	c.hook.AfterHandle(ctx, topic, m.Value, err)

	if err != nil {
		c.l.Error("message handling failed",
			logger.String("topic", topic),
			logger.Int64("offset", m.Offset),
			logger.Error(err))
		if !c.deadLetter(topic, m) {
			return
		}
	}

	c.commit(topic, m)
	handleLatency.WithLabelValues(topic).Observe(time.Since(start).Seconds())
}

// deadLetter forwards the message to the DLQ topic. Reports whether
// the offset can safely be committed.
func (c *Consumer) deadLetter(topic string, m kafka.Message) bool {
	if c.dlq == nil {
		return false
	}
	err := c.dlq.WriteMessages(context.Background(), kafka.Message{
		Topic:   c.cfg.DLQTopic,
		Key:     m.Key,
		Value:   m.Value,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: "source_topic", Value: []byte(topic)}},
	})
	if err != nil {
		c.l.Error("dead letter publish", logger.String("topic", topic), logger.Error(err))
		return false
	}
	return true
}

func (c *Consumer) commit(topic string, m kafka.Message) {
	r := c.readers[topic]
	if r == nil {
		return
	}
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = r.CommitMessages(ctx, m)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoffJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.l.Error("offset commit failed",
		logger.String("topic", topic),
		logger.Int64("offset", m.Offset),
		logger.Error(err))
}

// backoffJitter returns an exponential backoff in [base/2, base] where
// base doubles per attempt up to max.
func backoffJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := min << uint(attempt-1)
	if d <= 0 || d > max {
		d = max
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

var (
	consumerMetricsOnce sync.Once
	queueDepth          *prometheus.GaugeVec
	handleLatency       *prometheus.HistogramVec
)

func initConsumerMetrics() {
	consumerMetricsOnce.Do(func() {
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "trapline_kafka_consumer_queue_depth", Help: "Messages waiting in worker channels"},
			[]string{"topic"},
		)
		handleLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{Name: "trapline_kafka_consumer_handle_seconds", Help: "Handling time per message"},
			[]string{"topic"},
		)
	})
}
