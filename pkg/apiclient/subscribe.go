package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Push events delivered on GET /ws.
const (
	EventCatalogChanged   = "catalog_changed"
	EventAttemptFinalized = "attempt_finalized"
)

const pongWait = 60 * time.Second

// PushMessage is one server push frame.
type PushMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Subscribe dials the push channel and calls handler for every message until ctx is done
// or the connection drops. The returned error is nil only when ctx ended the subscription.
func (c *Client) Subscribe(ctx context.Context, handler func(PushMessage)) error {
	token := c.bearer()
	if token == "" {
		return fmt.Errorf("subscribe: %w", ErrUnauthorized)
	}
	wsURL, err := pushURL(c.baseURL, token)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("subscribe: %w: %v", ErrTransient, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	for {
		var msg PushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Debug("push channel closed", zap.Error(err))
			return fmt.Errorf("subscribe: %w: %v", ErrTransient, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		handler(msg)
	}
}

func pushURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
