package binance

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

// Stream implements a TradeStream backed by the Binance futures
// combined-stream WebSocket. Symbols are added live via SUBSCRIBE
// frames so the generator can widen the universe without a reconnect.
type Stream struct {
	websocketURL   string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	subscribed map[string]struct{}
	nextID     int
}

// NewStream creates a Binance aggTrade TradeStream.
func NewStream(websocketURL string, reconnectDelay, pingInterval time.Duration) domrepo.TradeStream {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
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
		return fmt.Errorf("binance connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	log.Printf("binance: connected")
	return nil
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// Subscribe adds aggTrade streams for any symbols not yet subscribed.
func (s *Stream) Subscribe(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return fmt.Errorf("binance not connected")
	}
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := s.subscribed[sym]; ok {
			continue
		}
		params = append(params, streamName(sym))
	}
	if len(params) == 0 {
		return nil
	}
	s.nextID++
	frame := subscribeFrame{Method: "SUBSCRIBE", Params: params, ID: s.nextID}
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("subscribe %v: %w", params, err)
	}
	for _, sym := range symbols {
		s.subscribed[sym] = struct{}{}
	}
	log.Printf("binance: subscribed %d streams", len(params))
	return nil
}

type aggTrade struct {
	Type  string `json:"e"`
	Event int64  `json:"E"`
	S     string `json:"s"`
	P     string `json:"p"`
	Q     string `json:"q"`
	T     int64  `json:"T"`
	M     bool   `json:"m"`
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Read streams Trade events and errors.
func (s *Stream) Read(ctx context.Context) (<-chan *models.Trade, <-chan error) {
	trades := make(chan *models.Trade, 1024)
	errs := make(chan error, 1)

	// ping loop
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
					_ = s.conn.WriteMessage(websocket.PingMessage, nil)
				}
				s.mu.Unlock()
			}
		}
	}()

	// read loop; outlives reconnects, only ctx ends it
	go func() {
		defer close(trades)
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
				case errs <- fmt.Errorf("binance read: %w", err):
				default:
				}
				continue
			}
			var frame combinedFrame
			if err := json.Unmarshal(b, &frame); err != nil {
				// ignore non-stream frames
				continue
			}
			if frame.Stream == "" {
				// SUBSCRIBE acks arrive without a stream field
				continue
			}
			var at aggTrade
			if err := json.Unmarshal(frame.Data, &at); err != nil || at.Type != "aggTrade" {
				continue
			}
			price, err := strconv.ParseFloat(at.P, 64)
			if err != nil {
				continue
			}
			qty, err := strconv.ParseFloat(at.Q, 64)
			if err != nil {
				continue
			}
			trade := &models.Trade{
				Symbol:    at.S,
				Price:     price,
				Quantity:  qty,
				TakerBuy:  !at.M,
				Timestamp: time.UnixMilli(at.T),
			}
			select {
			case trades <- trade:
			default:
				// drop on backpressure
			}
		}
	}()

	return trades, errs
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
			log.Printf("binance: reconnect: %v", err)
			continue
		}
		if err := s.Subscribe(ctx, symbols); err != nil {
			log.Printf("binance: resubscribe: %v", err)
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

func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@aggTrade"
}
