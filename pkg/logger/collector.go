package logger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Publisher ships aggregated log batches to an external sink.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

// CollectionConfig controls aggregation and shipping of error lines.
type CollectionConfig struct {
	TimeInterval   time.Duration // flush cadence
	CountThreshold int           // flush early once this many distinct entries accumulate
	Topic          string        // destination topic for batches
	Publisher      Publisher
}

// Entry is one aggregated log line. Repeats of the same message from
// the same call site collapse into a single entry with a count; the
// fields of the first occurrence are kept.
type Entry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// Collector buffers entries and publishes them as batches, on a timer
// or as soon as the buffer crosses the configured threshold.
type Collector struct {
	cfg *CollectionConfig

	mu      sync.Mutex
	entries map[string]*Entry

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewCollector(cfg *CollectionConfig) *Collector {
	c := &Collector{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Record folds one log line into the buffer.
func (c *Collector) Record(level, msg string, fields []Field, caller string) {
	key := level + "|" + caller + "|" + msg
	now := time.Now()

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		fm := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			fm[f.Key] = f.value()
		}
		e = &Entry{Level: level, Message: msg, Fields: fm, Caller: caller, FirstSeen: now}
		c.entries[key] = e
	}
	e.Count++
	e.LastSeen = now
	full := len(c.entries) >= c.cfg.CountThreshold
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

func (c *Collector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.kick:
			c.flush()
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush drains the buffer and publishes it as one batch. Runs on the
// worker goroutine so Close observes the final publish.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.entries) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		batch = append(batch, *e)
	}
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.cfg.Publisher.PublishMessage(ctx, c.cfg.Topic, batch); err != nil {
		fmt.Printf("log collector: publish batch: %v\n", err)
	}
}

// Close performs a final flush and stops the worker.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}
