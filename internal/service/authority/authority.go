package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"TrapLine/internal/domain/models"
	domserv "TrapLine/internal/domain/service"

	"github.com/gorilla/websocket"
)

// Client speaks the two-phase dispatch protocol to the execution
// authority over WebSocket. Each PREPARE and CONFIRM is correlated to
// its ack by intent id; ABORT is fire-and-forget.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	ackTimeout     time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan models.DispatchAck
}

var _ domserv.ExecutionAuthority = (*Client)(nil)

// NewClient creates an execution authority client.
func NewClient(url string, reconnectDelay, pingInterval, ackTimeout time.Duration) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if ackTimeout <= 0 {
		ackTimeout = 2 * time.Second
	}
	return &Client{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		ackTimeout:     ackTimeout,
		pending:        make(map[string]chan models.DispatchAck),
	}
}

// Run keeps the connection alive until ctx is done. Dispatches issued
// while disconnected fail fast so the caller can fall back.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.connect(ctx); err != nil {
			log.Printf("authority: connect: %v", err)
		} else {
			c.readLoop(ctx)
		}
		if ctx.Err() != nil {
			c.teardown()
			return
		}
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("authority connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	log.Printf("authority: connected")
	return nil
}

type requestFrame struct {
	Op       string                 `json:"op"`
	IntentID string                 `json:"intent_id"`
	TS       int64                  `json:"ts"`
	Envelope *models.IntentEnvelope `json:"envelope,omitempty"`
}

type ackFrame struct {
	Op       string `json:"op"`
	IntentID string `json:"intent_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (c *Client) readLoop(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)

	// ping loop
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				if c.conn != nil {
					_ = c.conn.WriteMessage(websocket.PingMessage, nil)
				}
				c.mu.Unlock()
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			c.teardown()
			return
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, b, err := conn.ReadMessage()
		if err != nil {
			log.Printf("authority: read: %v", err)
			c.teardown()
			return
		}
		var ack ackFrame
		if err := json.Unmarshal(b, &ack); err != nil || ack.Op != "ACK" {
			continue
		}
		c.mu.Lock()
		if ch, ok := c.pending[ack.IntentID]; ok {
			ch <- models.DispatchAck{Accepted: ack.Accepted, Reason: ack.Reason}
			delete(c.pending, ack.IntentID)
		}
		c.mu.Unlock()
	}
}

// teardown closes the connection and fails every waiter. A closed
// pending channel reads as a transport error, not a rejection.
func (c *Client) teardown() {
	c.mu.Lock()
	c.connected = false
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// SendPrepare submits the full envelope and waits for the ack.
func (c *Client) SendPrepare(ctx context.Context, env *models.IntentEnvelope) (models.DispatchAck, error) {
	return c.request(ctx, "PREPARE", env.ID, env)
}

// SendConfirm releases a prepared intent and waits for the ack.
func (c *Client) SendConfirm(ctx context.Context, intentID string) (models.DispatchAck, error) {
	return c.request(ctx, "CONFIRM", intentID, nil)
}

// SendAbort cancels a prepared intent. No ack is awaited.
func (c *Client) SendAbort(_ context.Context, intentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return fmt.Errorf("authority not connected")
	}
	frame := requestFrame{Op: "ABORT", IntentID: intentID, TS: time.Now().UnixMilli()}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("authority ABORT: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, op, intentID string, env *models.IntentEnvelope) (models.DispatchAck, error) {
	c.mu.Lock()
	if c.conn == nil || !c.connected {
		c.mu.Unlock()
		return models.DispatchAck{}, fmt.Errorf("authority not connected")
	}
	ch := make(chan models.DispatchAck, 1)
	c.pending[intentID] = ch
	frame := requestFrame{Op: op, IntentID: intentID, TS: time.Now().UnixMilli(), Envelope: env}
	err := c.conn.WriteJSON(frame)
	c.mu.Unlock()
	if err != nil {
		c.dropPending(intentID)
		return models.DispatchAck{}, fmt.Errorf("authority %s: %w", op, err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return models.DispatchAck{}, fmt.Errorf("authority %s: connection lost", op)
		}
		return ack, nil
	case <-timer.C:
		c.dropPending(intentID)
		return models.DispatchAck{}, fmt.Errorf("authority %s: ack timeout", op)
	case <-ctx.Done():
		c.dropPending(intentID)
		return models.DispatchAck{}, ctx.Err()
	}
}

func (c *Client) dropPending(intentID string) {
	c.mu.Lock()
	delete(c.pending, intentID)
	c.mu.Unlock()
}
