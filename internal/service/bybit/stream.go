package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"

	"github.com/gorilla/websocket"
)

// Stream implements a TickStream backed by the Bybit v5 public
// WebSocket. Only last-price ticker updates are consumed; the venue is
// the confirmation leg, not the detection tape.
type Stream struct {
	websocketURL   string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	subscribed map[string]struct{}
}

// NewStream creates a Bybit ticker TickStream.
func NewStream(websocketURL string, reconnectDelay, pingInterval time.Duration) domrepo.TickStream {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	return &Stream{
		websocketURL:   websocketURL,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		subscribed:     make(map[string]struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (s *Stream) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.websocketURL, nil)
	if err != nil {
		return fmt.Errorf("bybit connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	log.Printf("bybit: connected")
	return nil
}

type opFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// Subscribe adds ticker topics for any symbols not yet subscribed.
func (s *Stream) Subscribe(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return fmt.Errorf("bybit not connected")
	}
	args := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := s.subscribed[sym]; ok {
			continue
		}
		args = append(args, "tickers."+sym)
	}
	if len(args) == 0 {
		return nil
	}
	if err := s.conn.WriteJSON(opFrame{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe %v: %w", args, err)
	}
	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
	}
	log.Printf("bybit: subscribed %d topics", len(args))
	return nil
}

type tickerFrame struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

// Read streams Tick events and errors.
func (s *Stream) Read(ctx context.Context) (<-chan *models.Tick, <-chan error) {
	ticks := make(chan *models.Tick, 1024)
	errs := make(chan error, 1)

	// ping loop, the venue wants an op-level ping rather than a WS ping
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.conn != nil {
					_ = s.conn.WriteJSON(opFrame{Op: "ping"})
				}
				s.mu.Unlock()
			}
		}
	}()

	// read loop; outlives reconnects, only ctx ends it
	go func() {
		defer close(ticks)
		defer close(errs)
		var failed *websocket.Conn
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			// idle until Reconnect swaps in a fresh connection
			if conn == nil || conn == failed {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.reconnectDelay):
				}
				continue
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				failed = conn
				select {
				case errs <- fmt.Errorf("bybit read: %w", err):
				default:
				}
				continue
			}
			var frame tickerFrame
			if err := json.Unmarshal(b, &frame); err != nil {
				continue
			}
			if !strings.HasPrefix(frame.Topic, "tickers.") {
				// pong and subscribe acks carry no topic
				continue
			}
			if frame.Data.LastPrice == "" {
				// delta frames only carry changed fields
				continue
			}
			price, err := strconv.ParseFloat(frame.Data.LastPrice, 64)
			if err != nil {
				continue
			}
			tick := &models.Tick{
				Symbol:    frame.Data.Symbol,
				Price:     price,
				Timestamp: time.UnixMilli(frame.TS),
			}
			select {
			case ticks <- tick:
			default:
				// drop on backpressure
			}
		}
	}()

	return ticks, errs
}

// Reconnect closes the connection and retries connect+resubscribe until
// it succeeds or the context ends.
func (s *Stream) Reconnect(ctx context.Context) error {
	_ = s.Close()

	s.mu.Lock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subscribed = make(map[string]struct{}, len(symbols))
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
		if err := s.Connect(ctx); err != nil {
			log.Printf("bybit: reconnect: %v", err)
			continue
		}
		if err := s.Subscribe(ctx, symbols); err != nil {
			log.Printf("bybit: resubscribe: %v", err)
			_ = s.Close()
			continue
		}
		return nil
	}
}

// Close closes the WS connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// IsConnected indicates status.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
