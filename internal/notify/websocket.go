package notify

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// InboundFunc receives a message a tab sent over its connection.
type InboundFunc func(ctx context.Context, tabID string, raw json.RawMessage)

type WebSocketTab struct {
	id     string
	origin string
	conn   *websocket.Conn
}

func NewWebSocketTab(id, origin string, conn *websocket.Conn) *WebSocketTab {
	return &WebSocketTab{id: id, origin: origin, conn: conn}
}

func (t *WebSocketTab) ID() string     { return t.id }
func (t *WebSocketTab) Origin() string { return t.origin }

func (t *WebSocketTab) Send(ctx context.Context, msg Message) error {
	return wsjson.Write(ctx, t.conn, msg)
}

// Serve registers conn as a tab and reads inbound messages until the peer
// goes away or ctx is done. The tab is unregistered on return.
func (h *Hub) Serve(ctx context.Context, tab *WebSocketTab, onMessage InboundFunc) error {
	if err := h.Register(tab); err != nil {
		_ = tab.conn.Close(websocket.StatusPolicyViolation, "origin not allowed")
		return err
	}
	defer h.Unregister(tab.id)
	defer tab.conn.Close(websocket.StatusNormalClosure, "")

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, tab.conn, &raw); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			h.logger.Debug("tab connection closed", zap.String("tab", tab.id), zap.Error(err))
			return err
		}
		if onMessage != nil {
			onMessage(ctx, tab.id, raw)
		}
	}
}
