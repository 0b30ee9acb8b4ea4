// ws.go implements the WebSocket orderbook feed for the options channel.
//
// The feed subscribes to per-symbol depth updates and publishes parsed
// Orderbook snapshots on a channel. It auto-reconnects with exponential
// backoff (1s → 30s max) and re-subscribes to all tracked symbols on
// reconnection. A read deadline (90s) ensures silent server failures are
// detected within ~2 missed heartbeats.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coincall-trader/pkg/types"
)

const (
	heartbeatInterval = 30 * time.Second // keep-alive cadence
	readTimeout       = 90 * time.Second // ~2 missed heartbeats triggers reconnect
	maxReconnectWait  = 30 * time.Second // cap on exponential backoff
	writeTimeout      = 10 * time.Second // deadline for outgoing messages
	bookBufferSize    = 256              // buffer for depth events
)

// wsRequest is the outgoing subscribe/unsubscribe/heartbeat message.
type wsRequest struct {
	Action   string   `json:"action"`
	DataType string   `json:"dataType,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
}

// wsDepthEvent is an incoming depth update for one symbol.
type wsDepthEvent struct {
	DataType string `json:"dataType"`
	Data     struct {
		Symbol string             `json:"symbol"`
		Bids   []types.PriceLevel `json:"bids"`
		Asks   []types.PriceLevel `json:"asks"`
	} `json:"data"`
}

// WSFeed maintains the options WebSocket connection and publishes orderbook
// snapshots for all subscribed symbols.
type WSFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	bookCh chan types.Orderbook

	logger *slog.Logger
}

// NewWSFeed creates an orderbook feed for the options channel.
func NewWSFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		bookCh:     make(chan types.Orderbook, bookBufferSize),
		logger:     logger.With("component", "ws_options"),
	}
}

// Books returns a read-only channel of orderbook snapshots.
func (f *WSFeed) Books() <-chan types.Orderbook { return f.bookCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe starts depth updates for the given symbols.
func (f *WSFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsRequest{Action: "subscribe", DataType: "orderBook", Symbols: symbols})
}

// Unsubscribe stops depth updates for the given symbols.
func (f *WSFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsRequest{Action: "unsubscribe", DataType: "orderBook", Symbols: symbols})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.heartbeatLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) resubscribe() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(wsRequest{Action: "subscribe", DataType: "orderBook", Symbols: symbols})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var evt wsDepthEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if evt.DataType != "orderBook" || evt.Data.Symbol == "" {
		return
	}

	book := types.Orderbook{
		Symbol:    evt.Data.Symbol,
		Bids:      evt.Data.Bids,
		Asks:      evt.Data.Asks,
		Timestamp: time.Now(),
	}

	select {
	case f.bookCh <- book:
	default:
		f.logger.Warn("book channel full, dropping update", "symbol", book.Symbol)
	}
}

func (f *WSFeed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(wsRequest{Action: "heartbeat"}); err != nil {
				f.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
