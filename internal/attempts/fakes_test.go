package attempts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trainhub/portal/internal/models"
)

type memStore struct {
	mu             sync.Mutex
	attempts       map[uuid.UUID]*models.Attempt
	results        map[uuid.UUID]*models.Result
	completeCalls  int
	beforeComplete func()
	cutoff         time.Time
}

func newMemStore() *memStore {
	return &memStore{attempts: map[uuid.UUID]*models.Attempt{}, results: map[uuid.UUID]*models.Result{}}
}

func (m *memStore) FindForTaker(_ context.Context, takerID, assessmentID uuid.UUID) (*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.TakerID == takerID && a.AssessmentID == assessmentID {
			out := *a
			return &out, nil
		}
	}
	return nil, ErrAttemptNotFound
}

func (m *memStore) Create(ctx context.Context, a *models.Attempt) (*models.Attempt, bool, error) {
	if existing, err := m.FindForTaker(ctx, a.TakerID, a.AssessmentID); err == nil {
		return existing, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *a
	stored.ID = uuid.New()
	m.attempts[stored.ID] = &stored
	out := stored
	return &out, true, nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.Attempt, *models.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, nil, ErrAttemptNotFound
	}
	out := *a
	return &out, m.results[id], nil
}

func (m *memStore) Complete(_ context.Context, res *models.Result) (bool, error) {
	if m.beforeComplete != nil {
		m.beforeComplete()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeCalls++
	a := m.attempts[res.AttemptID]
	if a == nil || a.Status != models.AttemptInProgress {
		return false, nil
	}
	completedAt := res.CompletedAt
	trigger := res.Trigger
	a.Status = models.AttemptCompleted
	a.CompletedAt = &completedAt
	a.Trigger = &trigger
	m.results[res.AttemptID] = res
	return true, nil
}

func (m *memStore) ListOverdue(_ context.Context, cutoff time.Time, limit int) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoff = cutoff
	var out []models.Attempt
	for _, a := range m.attempts {
		if a.Status == models.AttemptInProgress && a.Deadline().Before(cutoff) && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

type fakeAssessments struct {
	byID     map[uuid.UUID]*models.Assessment
	assigned map[uuid.UUID]bool
}

func (f *fakeAssessments) Get(_ context.Context, id uuid.UUID) (*models.Assessment, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, ErrAssessmentNotFound
	}
	return a, nil
}

func (f *fakeAssessments) IsAssigned(_ context.Context, assessmentID, _ uuid.UUID) (bool, error) {
	return f.assigned[assessmentID], nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]*models.Result
}

func (c *memCache) Get(_ context.Context, takerID, attemptID uuid.UUID) (*models.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.data[resultKey(takerID, attemptID)]; ok {
		return res, nil
	}
	return nil, ErrCacheMiss
}

func (c *memCache) Set(_ context.Context, takerID uuid.UUID, res *models.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[resultKey(takerID, res.AttemptID)] = res
	return nil
}

type notification struct {
	takerID uuid.UUID
	event   string
}

type recNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (r *recNotifier) NotifyTaker(takerID uuid.UUID, event string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, notification{takerID: takerID, event: event})
}

type prefixSigner struct{}

func (prefixSigner) SignImage(_ context.Context, key string) (string, error) {
	return "https://signed.example/" + key, nil
}

type fixture struct {
	svc        *Service
	store      *memStore
	cache      *memCache
	notifier   *recNotifier
	assessment *models.Assessment
	takerID    uuid.UUID
	now        time.Time
}

var baseTime = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	a := &models.Assessment{
		ID:              uuid.New(),
		Title:           "Warehouse safety",
		DurationMinutes: 10,
		NotBefore:       baseTime.Add(-time.Hour),
		Status:          models.AssessmentActive,
		Questions: []models.Question{
			{ID: uuid.New(), Position: 1, Prompt: "Q1", OptionType: models.OptionDefault,
				Options: []models.Option{{Text: "a"}, {Text: "b"}, {Text: "c"}}, CorrectIndex: 2},
			{ID: uuid.New(), Position: 2, Prompt: "Q2", OptionType: models.OptionSingleSelect,
				Options: []models.Option{{Text: "yes"}, {Text: "no"}}, CorrectIndex: 0},
			{ID: uuid.New(), Position: 3, Prompt: "Q3", OptionType: models.OptionImage,
				Options: []models.Option{{ImageKey: "questions/x/a.png"}, {ImageKey: "questions/x/b.png"}}, CorrectIndex: 1},
		},
	}
	f := &fixture{
		store:      newMemStore(),
		cache:      &memCache{data: map[string]*models.Result{}},
		notifier:   &recNotifier{},
		assessment: a,
		takerID:    uuid.New(),
		now:        baseTime,
	}
	src := &fakeAssessments{byID: map[uuid.UUID]*models.Assessment{a.ID: a}, assigned: map[uuid.UUID]bool{a.ID: true}}
	f.svc = NewService(f.store, src, f.cache, f.notifier, prefixSigner{}, nil)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func intPtr(i int) *int { return &i }

func dense(qs []models.Question, picks map[int]int) []models.AnswerEntry {
	out := Unanswered(qs)
	for i, opt := range picks {
		out[i].Answered = true
		out[i].OptionIndex = intPtr(opt)
	}
	return out
}
