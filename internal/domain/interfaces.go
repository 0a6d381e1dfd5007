package domain

import (
	"context"
	"time"
)

// CriterionStore reads trial eligibility criteria.
type CriterionStore interface {
	// GetRequiredCriteria returns the criteria of a trial ordered by sort key,
	// then exclusion before inclusion, then category priority, then id.
	GetRequiredCriteria(ctx context.Context, trialID string) ([]Criterion, error)
	// GetCriterionByID returns ErrNotFound when no criterion has the id.
	GetCriterionByID(ctx context.Context, id string) (*Criterion, error)
}

// NLService is the natural-language service contract: free-text completion
// and best-effort structured extraction.
type NLService interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float32) (string, error)
	ExtractStructured(ctx context.Context, prompt string, schemaHint map[string]any, timeout time.Duration) (map[string]any, error)
}

// SessionStore persists prescreening sessions, answers and results. All
// writes are idempotent for retries of the same logical operation.
type SessionStore interface {
	// CreateSession returns ErrSessionExists when an in-progress session for
	// the same (session_id, trial_id) already exists.
	CreateSession(ctx context.Context, session *PrescreeningSession) error
	// GetLatestSession returns the most recently started session, or
	// ErrNotFound. An empty trialID matches any trial.
	GetLatestSession(ctx context.Context, sessionID, trialID string) (*PrescreeningSession, error)
	// AppendAnswer stores the answer for one criterion, replacing any
	// earlier answer to the same criterion.
	AppendAnswer(ctx context.Context, prescreeningID string, answer *Answer) error
	ListAnswers(ctx context.Context, prescreeningID string) ([]Answer, error)
	// IncrementAnsweredCount recomputes answered_questions from stored answers.
	IncrementAnsweredCount(ctx context.Context, prescreeningID string) error
	CompleteSession(ctx context.Context, prescreeningID string, status SessionStatus) error
	SaveResult(ctx context.Context, prescreeningID string, result *EligibilityResult) error
	GetResult(ctx context.Context, prescreeningID string) (*EligibilityResult, error)
	Health(ctx context.Context) error
	Close() error
}

// StateStore keeps the conversation state record between turns.
type StateStore interface {
	// Load returns a fresh idle state when nothing is stored.
	Load(ctx context.Context, sessionID string) (*ConversationState, error)
	Save(ctx context.Context, state *ConversationState) error
	Delete(ctx context.Context, sessionID string) error
}

// TurnLocker serializes turns for one session.
type TurnLocker interface {
	// Acquire blocks until the lock is held or ctx ends. The returned
	// function releases it.
	Acquire(ctx context.Context, sessionID string) (release func(), err error)
}

// ContactCollector is the downstream contact-collection collaborator.
type ContactCollector interface {
	BeginContactCollection(ctx context.Context, event HandoffEvent) (reply string, err error)
	// ContinueContactCollection handles one reply; done reports a terminal
	// outcome.
	ContinueContactCollection(ctx context.Context, event HandoffEvent, message string) (reply string, outcome TerminalOutcome, done bool, err error)
}

// BookingScheduler is the downstream availability and booking collaborator.
type BookingScheduler interface {
	HasAvailableSlot(ctx context.Context, trialID, location string) (bool, error)
	BeginBooking(ctx context.Context, event HandoffEvent) (reply string, err error)
	ContinueBooking(ctx context.Context, event HandoffEvent, message string) (reply string, outcome TerminalOutcome, done bool, err error)
}

// FollowUpSink receives medication washout follow-up requests.
type FollowUpSink interface {
	RequestFollowUp(ctx context.Context, sessionID string, req FollowUpRequest) error
}
