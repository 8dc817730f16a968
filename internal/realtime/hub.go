package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Events pushed to takers.
const (
	EventCatalogChanged   = "catalog_changed"
	EventAttemptFinalized = "attempt_finalized"
)

// RedisPublisher publishes taker events for every server instance.
type RedisPublisher interface {
	PublishTakerEvent(takerID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to a taker's channel and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeTaker(takerID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub keeps taker_id -> open connections. A taker may have several tabs or devices open.
type Hub struct {
	takers   map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func()
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// NewHub creates a hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		takers:   make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a connection. The first connection of a taker subscribes to its Redis channel.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.takers[c.TakerID] == nil {
		h.takers[c.TakerID] = make(map[string]*Client)
		if h.redisSub != nil {
			takerID := c.TakerID
			cancel, err := h.redisSub.SubscribeTaker(takerID, func(event string, payload []byte) {
				h.deliver(takerID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("taker subscribe failed", zap.String("taker_id", takerID.String()), zap.Error(err))
			} else {
				h.subs[takerID] = cancel
			}
		}
	}
	h.takers[c.TakerID][c.ID] = c
	h.logger.Debug("taker connected", zap.String("client_id", c.ID), zap.String("taker_id", c.TakerID.String()))
}

// Unregister removes a connection and drops the Redis subscription with the last one.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.takers[c.TakerID]
	if !ok {
		return
	}
	if _, ok := m[c.ID]; !ok {
		return
	}
	delete(m, c.ID)
	close(c.send)
	if len(m) == 0 {
		delete(h.takers, c.TakerID)
		if cancel, ok := h.subs[c.TakerID]; ok {
			cancel()
			delete(h.subs, c.TakerID)
		}
	}
	h.logger.Debug("taker disconnected", zap.String("client_id", c.ID), zap.String("taker_id", c.TakerID.String()))
}

// NotifyTaker pushes event to every connection of takerID on every instance. With Redis the
// subscriber callback does the delivery, so local clients receive it once.
func (h *Hub) NotifyTaker(takerID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal push payload", zap.String("event", event), zap.Error(err))
		return
	}
	if h.redis != nil {
		err := h.redis.PublishTakerEvent(takerID, event, data)
		if err == nil {
			return
		}
		h.logger.Warn("publish taker event failed, delivering locally", zap.Error(err))
	}
	h.deliver(takerID, event, data)
}

// deliver sends to local connections only.
func (h *Hub) deliver(takerID uuid.UUID, event string, data json.RawMessage) {
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.takers[takerID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Connections returns the number of open connections of takerID on this instance.
func (h *Hub) Connections(takerID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.takers[takerID])
}

// Publisher notifies takers from processes without connections (the worker).
type Publisher struct {
	redis  RedisPublisher
	logger *zap.Logger
}

// NewPublisher creates a Redis-only notifier.
func NewPublisher(redis RedisPublisher, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{redis: redis, logger: logger}
}

// NotifyTaker publishes event to the taker's channel.
func (p *Publisher) NotifyTaker(takerID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.redis.PublishTakerEvent(takerID, event, data); err != nil {
		p.logger.Warn("publish taker event", zap.String("taker_id", takerID.String()), zap.Error(err))
	}
}
