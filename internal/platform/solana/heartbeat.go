package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = time.Second
	maxReconnectDelay = 30 * time.Second
	staleAfter        = 30 * time.Second
)

// Heartbeat keeps a slotSubscribe stream open against the cluster's
// websocket endpoint so connection problems surface before a trade does.
type Heartbeat struct {
	url    string
	logger *slog.Logger

	lastSlot atomic.Uint64
	lastSeen atomic.Int64
}

// NewHeartbeat creates a heartbeat for wsURL.
func NewHeartbeat(wsURL string, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{
		url:    wsURL,
		logger: logger.With(slog.String("component", "solana_heartbeat")),
	}
}

// LastSlot returns the most recent slot seen.
func (h *Heartbeat) LastSlot() uint64 {
	return h.lastSlot.Load()
}

// Healthy reports whether a slot notification arrived recently.
func (h *Heartbeat) Healthy() bool {
	seen := h.lastSeen.Load()
	return seen != 0 && time.Since(time.Unix(0, seen)) < staleAfter
}

// Run connects and reconnects with backoff until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		start := time.Now()
		err := h.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > staleAfter {
			delay = reconnectDelay
		}
		h.logger.Warn("heartbeat disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

type slotNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Slot uint64 `json:"slot"`
		} `json:"result"`
	} `json:"params"`
}

func (h *Heartbeat) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "slotSubscribe"}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	h.logger.Info("heartbeat connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var note slotNotification
		if json.Unmarshal(data, &note) != nil || note.Method != "slotNotification" {
			continue
		}
		h.lastSlot.Store(note.Params.Result.Slot)
		h.lastSeen.Store(time.Now().UnixNano())
	}
}
