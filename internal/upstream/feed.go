package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"tlbengine/internal/driver"
	"tlbengine/internal/state"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// Feed is a WebSocket-backed driver.UpstreamSource: it dials one endpoint,
// decodes entity_update/order_update messages into driver.Event values, and
// auto-reconnects with exponential backoff, mirroring the teacher's
// WSFeed.Run/connectAndRead/dispatchMessage structure. Unlike WSFeed it
// multiplexes every wire message kind onto the single channel the driver
// polls, since driver.Event is already a tagged union.
//
// It also owns the REST backfill path: Backfill GETs a snapshot of
// currently-live entities/orders before the WebSocket catches up, gated by
// the same Poll token bucket ratelimit.go documents for that purpose.
type Feed struct {
	url     string
	pollURL string

	connMu sync.Mutex
	conn   *websocket.Conn

	pairsMu sync.RWMutex
	pairs   map[string]bool // subscribed pair keys, re-sent on reconnect

	events chan driver.Event

	http *resty.Client
	rl   *RateLimiter

	logger *slog.Logger
}

// NewFeed returns a Feed that will connect to wsURL once Run is called.
// pollURL, if non-empty, is the REST snapshot endpoint Backfill polls;
// left empty, Backfill is a no-op. pollRatePerSec gates Backfill requests.
func NewFeed(wsURL, pollURL string, pollRatePerSec float64, logger *slog.Logger) *Feed {
	return &Feed{
		url:     wsURL,
		pollURL: pollURL,
		pairs:   make(map[string]bool),
		events:  make(chan driver.Event, eventBufferSize),
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second),
		rl:     NewRateLimiter(0, pollRatePerSec),
		logger: logger.With("component", "upstream_feed"),
	}
}

// Events implements driver.UpstreamSource.
func (f *Feed) Events() <-chan driver.Event { return f.events }

// Backfill issues one rate-limited REST GET against pollURL, expecting a
// JSON array of the same entity_update/order_update message shapes the
// WebSocket feed sends, and dispatches each through the same decode path.
// Grounded on internal/exchange/client.go's resty GET pattern, gated by
// the Poll bucket ratelimit.go reserves for exactly this request.
func (f *Feed) Backfill(ctx context.Context) error {
	if f.pollURL == "" {
		return nil
	}
	if err := f.rl.Poll.Wait(ctx); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	var messages []json.RawMessage
	resp, err := f.http.R().SetContext(ctx).SetResult(&messages).Get(f.pollURL)
	if err != nil {
		return fmt.Errorf("backfill request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("backfill request: status %d", resp.StatusCode())
	}

	for _, raw := range messages {
		f.dispatchMessage(raw)
	}
	f.logger.Info("backfill complete", "messages", len(messages))
	return nil
}

// Subscribe adds pair keys to track, re-sent on every reconnect.
func (f *Feed) Subscribe(keys []string) error {
	f.pairsMu.Lock()
	for _, k := range keys {
		f.pairs[k] = true
	}
	f.pairsMu.Unlock()
	return f.writeJSON(map[string]any{"op": "subscribe", "pairs": keys})
}

// Close closes the underlying connection, if any.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Run dials the feed and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

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

func (f *Feed) connectAndRead(ctx context.Context) error {
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
	f.logger.Info("feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

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

func (f *Feed) resubscribe() error {
	f.pairsMu.RLock()
	keys := make([]string, 0, len(f.pairs))
	for k := range f.pairs {
		keys = append(keys, k)
	}
	f.pairsMu.RUnlock()
	if len(keys) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"op": "subscribe", "pairs": keys})
}

func (f *Feed) dispatchMessage(data []byte) {
	kind, err := peekMsgType(data)
	if err != nil {
		f.logger.Debug("ignoring undecodable feed message", "data", string(data))
		return
	}

	switch kind {
	case "entity_update":
		f.dispatchEntityUpdate(data)
	case "order_update":
		f.dispatchOrderUpdate(data)
	default:
		f.logger.Debug("ignoring unknown feed message kind", "kind", kind)
	}
}

func (f *Feed) dispatchEntityUpdate(data []byte) {
	var msg wireEntityUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Error("unmarshal entity_update", "error", err)
		return
	}
	id, entity, err := msg.Entity.decode()
	if err != nil {
		f.logger.Error("decode entity_update body", "error", err)
		return
	}

	status := state.Confirmed
	if msg.Status == wireUnconfirmed {
		status = state.Unconfirmed
	}
	var transKind state.TransitionKind
	switch msg.Kind {
	case wireLeft:
		transKind = state.Left
	case wireRight:
		transKind = state.Right
	case wireRollback:
		transKind = state.Rollback
	default:
		transKind = state.Both
	}

	evt := driver.Event{
		Pair: msg.Pair.toPair(),
		Entity: &driver.EntityUpdate{
			Status:  status,
			Kind:    transKind,
			ID:      id,
			Version: msg.Version,
			Entity:  entity,
			Bearer:  msg.Bearer.toBearer(),
		},
	}
	f.emit(evt)
}

func (f *Feed) dispatchOrderUpdate(data []byte) {
	var msg wireOrderUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Error("unmarshal order_update", "error", err)
		return
	}

	update := &driver.OrderUpdate{ID: msg.ID}
	switch msg.Kind {
	case "created":
		var wo wireSpecializedOrder
		if err := json.Unmarshal(msg.Order, &wo); err != nil {
			f.logger.Error("unmarshal order_update order body", "error", err)
			return
		}
		update.Kind = driver.OrderCreated
		update.Order = wo
	case "eliminated":
		update.Kind = driver.OrderEliminated
	default:
		f.logger.Debug("ignoring unknown order_update kind", "kind", msg.Kind)
		return
	}

	f.emit(driver.Event{Pair: msg.Pair.toPair(), Order: update})
}

func (f *Feed) emit(evt driver.Event) {
	select {
	case f.events <- evt:
	default:
		f.logger.Warn("event channel full, dropping event", "pair", evt.Pair)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Debug("ping write failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(messageType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(messageType, data)
}
