package prescreen

import (
	"context"
	"sync"
	"time"

	"github.com/trial-prescreen-server/internal/domain"
)

type fakeCriteria struct {
	byTrial map[string][]domain.Criterion
	err     error
	block   bool
}

func (f *fakeCriteria) GetRequiredCriteria(ctx context.Context, trialID string) ([]domain.Criterion, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Criterion(nil), f.byTrial[trialID]...), nil
}

func (f *fakeCriteria) GetCriterionByID(_ context.Context, id string) (*domain.Criterion, error) {
	for _, cs := range f.byTrial {
		for i := range cs {
			if cs[i].ID == id {
				c := cs[i]
				return &c, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

type fakeSessions struct {
	mu         sync.Mutex
	sessions   map[string]*domain.PrescreeningSession
	order      []string
	answers    map[string]map[string]domain.Answer
	results    map[string]*domain.EligibilityResult
	failAppend error
	// onCreate runs before CreateSession checks for an open session.
	onCreate func()
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[string]*domain.PrescreeningSession),
		answers:  make(map[string]map[string]domain.Answer),
		results:  make(map[string]*domain.EligibilityResult),
	}
}

func (f *fakeSessions) CreateSession(_ context.Context, s *domain.PrescreeningSession) error {
	if hook := f.onCreate; hook != nil {
		f.onCreate = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.SessionID == s.SessionID && existing.TrialID == s.TrialID && existing.Status == domain.SESSION_IN_PROGRESS {
			return domain.ErrSessionExists
		}
	}
	cp := *s
	f.sessions[s.ID] = &cp
	f.order = append(f.order, s.ID)
	return nil
}

func (f *fakeSessions) GetLatestSession(_ context.Context, sessionID, trialID string) (*domain.PrescreeningSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		s := f.sessions[f.order[i]]
		if s.SessionID == sessionID && (trialID == "" || s.TrialID == trialID) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeSessions) AppendAnswer(_ context.Context, id string, a *domain.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend != nil {
		return f.failAppend
	}
	if f.answers[id] == nil {
		f.answers[id] = make(map[string]domain.Answer)
	}
	f.answers[id][a.CriterionID] = *a
	return nil
}

func (f *fakeSessions) ListAnswers(_ context.Context, id string) ([]domain.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Answer
	for _, a := range f.answers[id] {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeSessions) IncrementAnsweredCount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.AnsweredQuestions = len(f.answers[id])
	}
	return nil
}

func (f *fakeSessions) CompleteSession(_ context.Context, id string, status domain.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.Status != domain.SESSION_IN_PROGRESS {
		return nil
	}
	now := time.Now().UTC()
	s.Status = status
	s.CompletedAt = &now
	return nil
}

func (f *fakeSessions) SaveResult(_ context.Context, id string, r *domain.EligibilityResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[id]; !ok {
		f.results[id] = r
	}
	return nil
}

func (f *fakeSessions) GetResult(_ context.Context, id string) (*domain.EligibilityResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeSessions) Health(context.Context) error { return nil }
func (f *fakeSessions) Close() error                 { return nil }

func (f *fakeSessions) session(id string) domain.PrescreeningSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func (f *fakeSessions) insert(s domain.PrescreeningSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = &s
	f.order = append(f.order, s.ID)
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type fakeContact struct {
	mu     sync.Mutex
	begins int
	block  bool
	err    error
}

func (f *fakeContact) BeginContactCollection(ctx context.Context, _ domain.HandoffEvent) (string, error) {
	f.mu.Lock()
	block, err := f.block, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.begins++
	f.mu.Unlock()
	return "Could we have your name and a phone number?", nil
}

func (f *fakeContact) ContinueContactCollection(_ context.Context, _ domain.HandoffEvent, message string) (string, domain.TerminalOutcome, bool, error) {
	if message == "no thanks" {
		return "Understood.", domain.OutcomeContactDeclined, true, nil
	}
	return "Thank you, the study team will be in touch.", domain.OutcomeContactCollected, true, nil
}

type fakeBooking struct {
	available bool
	begins    int
}

func (f *fakeBooking) HasAvailableSlot(context.Context, string, string) (bool, error) {
	return f.available, nil
}

func (f *fakeBooking) BeginBooking(context.Context, domain.HandoffEvent) (string, error) {
	f.begins++
	return "Great news! Which of these times works for you?", nil
}

func (f *fakeBooking) ContinueBooking(context.Context, domain.HandoffEvent, string) (string, domain.TerminalOutcome, bool, error) {
	return "You're booked.", domain.OutcomeBooked, true, nil
}

type fakeFollowUps struct {
	mu       sync.Mutex
	requests []domain.FollowUpRequest
}

func (f *fakeFollowUps) RequestFollowUp(_ context.Context, _ string, req domain.FollowUpRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

func (l *LocalTurnLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
