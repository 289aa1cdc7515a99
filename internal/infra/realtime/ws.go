package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	maxFrameSize = 1 << 20
	detachWait   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the HTTP CORS layer
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and processes frames for userID until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn := NewConnection(userID, ws, h.pingPeriod)
	h.Attach(conn)
	h.logger.Debug("websocket connected", "conn_id", conn.ID, "user_id", userID)
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), detachWait)
		defer cancel()
		h.Detach(ctx, conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
		h.logger.Debug("websocket disconnected", "conn_id", conn.ID, "user_id", userID)
	}()

	ws.SetReadLimit(maxFrameSize)
	readDeadline := max(readTimeout, 2*conn.pingPeriod)
	_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	ctx := r.Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("websocket read failed", "conn_id", conn.ID, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = conn.SendEnvelope(errorEnvelope("", "bad_request", "invalid frame"))
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(readDeadline))
		h.handle(ctx, conn, env)
	}
}

func (h *Hub) handle(ctx context.Context, conn *Connection, env Envelope) {
	topic := strings.TrimSpace(env.Topic)
	if topic == "" && env.Type != TypePing {
		_ = conn.SendEnvelope(errorEnvelope(env.Ref, "bad_request", "topic is required"))
		return
	}
	var err error
	switch env.Type {
	case TypePing:
		_ = conn.SendEnvelope(Envelope{Type: TypePong, Ref: env.Ref})
		return
	case TypeSubscribe:
		err = h.Subscribe(ctx, conn, topic, env.Ref)
	case TypeUnsubscribe:
		h.Unsubscribe(ctx, conn, topic)
	case TypeBroadcast:
		if env.Event == "" {
			_ = conn.SendEnvelope(errorEnvelope(env.Ref, "bad_request", "event is required"))
			return
		}
		err = h.Broadcast(ctx, conn, topic, env.Event, env.Payload)
	case TypeTrack:
		err = h.Track(ctx, conn, topic)
	case TypeUntrack:
		err = h.Untrack(ctx, conn, topic)
	default:
		_ = conn.SendEnvelope(errorEnvelope(env.Ref, "unsupported_type", "unknown frame type"))
		return
	}
	if err != nil {
		h.replyError(conn, env, err)
	}
}

func (h *Hub) replyError(conn *Connection, env Envelope, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		_ = conn.SendEnvelope(errorEnvelope(env.Ref, "forbidden", err.Error()))
	case errors.Is(err, ErrNotSubscribed):
		_ = conn.SendEnvelope(errorEnvelope(env.Ref, "not_subscribed", err.Error()))
	default:
		h.logger.Warn("realtime frame failed", "type", env.Type, "topic", env.Topic, "user_id", conn.UserID, "error", err)
		_ = conn.SendEnvelope(errorEnvelope(env.Ref, "internal_error", "request failed"))
	}
}
