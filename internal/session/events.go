package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/trainhub/portal/internal/models"
)

// EventType names a session notification.
type EventType string

const (
	EventStarted        EventType = "started"
	EventAnswerChanged  EventType = "answer_changed"
	EventTick           EventType = "tick"
	EventExpiringSoon   EventType = "expiring_soon"
	EventExpired        EventType = "expired"
	EventFinalized      EventType = "finalized"
	EventFinalizeFailed EventType = "finalize_failed"
	// EventCatalogChanged invalidates cached assessment lists.
	EventCatalogChanged EventType = "catalog_changed"
)

// Event is delivered to Bus subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type          EventType
	AttemptID     uuid.UUID
	AssessmentID  uuid.UUID
	QuestionIndex int
	OptionIndex   int
	Remaining     int
	Trigger       models.Trigger
	Result        *models.Result
	Err           error
}

// Bus fans events out to subscribers synchronously. Handlers must not block.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every current subscriber. Safe to call from any goroutine.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}
