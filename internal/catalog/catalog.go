package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trainhub/portal/internal/models"
	"github.com/trainhub/portal/internal/session"
)

// Lister fetches the assessments assigned to the caller.
type Lister interface {
	ListAssessments(ctx context.Context) ([]models.AssessmentSummary, error)
}

// Entry is a summary with its presentation state.
type Entry struct {
	models.AssessmentSummary
	State models.PresentationState `json:"state"`
}

// Client caches the last successful listing until it is refreshed or invalidated.
type Client struct {
	api    Lister
	now    func() time.Time
	logger *zap.Logger
	unsub  func()

	mu        sync.Mutex
	summaries []models.AssessmentSummary
	valid     bool
	gen       uint64 // bumped by Invalidate
	fetchedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithNow replaces the time source used to compute presentation states.
func WithNow(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a catalog client. When bus is not nil the cache is dropped on
// catalog_changed and finalized events.
func New(api Lister, bus *session.Bus, opts ...Option) *Client {
	c := &Client{api: api, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if bus != nil {
		c.unsub = bus.Subscribe(func(e session.Event) {
			switch e.Type {
			case session.EventCatalogChanged, session.EventFinalized:
				c.Invalidate()
			}
		})
	}
	return c
}

// List returns the cached listing, fetching it first when the cache is empty or invalidated.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	if c.valid {
		summaries := c.summaries
		c.mu.Unlock()
		return c.entries(summaries), nil
	}
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// Refresh always fetches from the server and replaces the cache on success. A listing
// fetched across an invalidation is returned but not cached.
func (c *Client) Refresh(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	summaries, err := c.api.ListAssessments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	c.mu.Lock()
	if gen == c.gen {
		c.summaries = summaries
		c.valid = true
		c.fetchedAt = c.now()
	}
	c.mu.Unlock()

	c.logger.Debug("catalog refreshed", zap.Int("assessments", len(summaries)))
	return c.entries(summaries), nil
}

// Invalidate drops the cache; the next List fetches again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.gen++
	c.mu.Unlock()
}

// FetchedAt returns when the cache was last filled.
func (c *Client) FetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedAt
}

// Close detaches the client from the event bus.
func (c *Client) Close() {
	if c.unsub != nil {
		c.unsub()
	}
}

func (c *Client) entries(summaries []models.AssessmentSummary) []Entry {
	now := c.now()
	out := make([]Entry, len(summaries))
	for i, s := range summaries {
		out[i] = Entry{AssessmentSummary: s, State: State(s, now)}
	}
	return out
}

// State computes what the catalog shows for s at now. The taker's own attempt wins over
// the assessment window; a window that has not opened yet is scheduled even if the
// administrator status already says active.
func State(s models.AssessmentSummary, now time.Time) models.PresentationState {
	if s.AttemptStatus != nil {
		switch *s.AttemptStatus {
		case models.AttemptCompleted:
			return models.StateCompleted
		case models.AttemptInProgress:
			return models.StateInProgress
		}
	}
	switch s.Status {
	case models.AssessmentExpired, models.AssessmentCancelled:
		return models.StateExpired
	}
	if s.NotAfter != nil && !now.Before(*s.NotAfter) {
		return models.StateExpired
	}
	if now.Before(s.NotBefore) {
		return models.StateScheduled
	}
	return models.StateAvailable
}
