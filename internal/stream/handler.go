package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gw "github.com/gorilla/websocket"

	"github.com/noah-isme/paybridge/internal/common"
	"github.com/noah-isme/paybridge/internal/order"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// OrderReader loads the snapshot sent when a client subscribes.
type OrderReader interface {
	GetOrder(ctx context.Context, ref string) (order.Order, error)
}

// Handler upgrades GET /orders/{orderRef}/stream.
type Handler struct {
	Hub    *Hub
	Orders OrderReader
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

func (h *Handler) upgrader() gw.Upgrader {
	allowed := h.AllowedOrigins
	return gw.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Hub == nil || h.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "STREAM_NOT_CONFIGURED", "stream unavailable", nil)
		return
	}
	ref := chi.URLParam(r, "orderRef")
	o, err := h.Orders.GetOrder(r.Context(), ref)
	if errors.Is(err, order.ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	if err != nil {
		common.WriteError(w, common.Internal(err))
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	snapshot, _ := json.Marshal(Update{Type: "snapshot", OrderRef: o.Ref, OrderStatus: string(o.Status), At: time.Now().UTC()})
	c, ok := h.Hub.register(ref, snapshot)
	if !ok {
		_ = conn.WriteMessage(gw.CloseMessage, gw.FormatCloseMessage(gw.CloseGoingAway, ""))
		_ = conn.Close()
		return
	}

	go h.writePump(conn, c)
	h.readPump(conn, c)
}

// readPump only drains control frames; clients do not send data.
func (h *Handler) readPump(conn *gw.Conn, c *client) {
	defer func() {
		h.Hub.unregister(c)
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(conn *gw.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(gw.CloseMessage, gw.FormatCloseMessage(gw.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(gw.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gw.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
