package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConversationStateVersion is bumped whenever ConversationState changes shape.
const ConversationStateVersion = 1

// StateType names a node of the prescreening conversation.
type StateType string

const (
	StateIdle                 StateType = "idle"
	StateAwaitingResumeChoice StateType = "awaiting_resume_choice"
	StatePrescreeningActive   StateType = "prescreening_active"
	StateAwaitingFollowUp     StateType = "awaiting_follow_up"
	StatePrescreeningReview   StateType = "prescreening_review"
	StatePrescreeningComplete StateType = "prescreening_complete"
	StateContactCollection    StateType = "contact_collection"
	StateBooking              StateType = "booking"
	StateTerminal             StateType = "terminal"
)

// IsValid reports whether s is a known conversation state.
func (s StateType) IsValid() bool {
	switch s {
	case StateIdle, StateAwaitingResumeChoice, StatePrescreeningActive, StateAwaitingFollowUp,
		StatePrescreeningReview, StatePrescreeningComplete, StateContactCollection, StateBooking,
		StateTerminal:
		return true
	default:
		return false
	}
}

func (s StateType) String() string {
	return string(s)
}

// TerminalOutcome records how a conversation ended.
type TerminalOutcome string

const (
	OutcomeIneligible       TerminalOutcome = "ineligible"
	OutcomeContactCollected TerminalOutcome = "contact_collected"
	OutcomeContactDeclined  TerminalOutcome = "contact_declined"
	OutcomeBooked           TerminalOutcome = "booked"
	OutcomeBookingFailed    TerminalOutcome = "booking_failed"
	OutcomeAbandoned        TerminalOutcome = "abandoned"
	OutcomeRestartRequired  TerminalOutcome = "restart_required"
)

// ConversationState is the single typed record carried between turns of one
// conversation. Each sub-flow owns its own section.
type ConversationState struct {
	Version       int       `json:"version"`
	SessionID     string    `json:"session_id"`
	TrialID       string    `json:"trial_id"`
	FocusLocation string    `json:"focus_location,omitempty"`
	State         StateType `json:"state"`
	UpdatedAt     time.Time `json:"updated_at"`

	Prescreening *PrescreeningState `json:"prescreening,omitempty"`
	Resume       *ResumeOffer       `json:"resume,omitempty"`
	Handoff      *HandoffState      `json:"handoff,omitempty"`
}

// PrescreeningState is the prescreening sub-flow. CurrentIndex is the only
// position marker and is advanced only after an accepted answer.
type PrescreeningState struct {
	PrescreeningID string                      `json:"prescreening_id"`
	Criteria       []Criterion                 `json:"criteria"`
	Questions      []Question                  `json:"questions"`
	CurrentIndex   int                         `json:"current_index"`
	Answers        map[string]Answer           `json:"answers"`
	Verdicts       map[string]CriterionVerdict `json:"verdicts"`
	Pending        *PendingConfirmation        `json:"pending,omitempty"`
	FollowUp       *FollowUpRequest            `json:"follow_up,omitempty"`
	// EditIndex is set while the person re-answers one question from review.
	EditIndex *int               `json:"edit_index,omitempty"`
	Result    *EligibilityResult `json:"result,omitempty"`
}

// PendingConfirmation is a borderline value waiting for a yes/no confirmation.
type PendingConfirmation struct {
	QuestionIndex int    `json:"question_index"`
	Answer        Answer `json:"answer"`
	Prompt        string `json:"prompt"`
}

// ResumeOffer is shown when a recent in-progress session exists.
type ResumeOffer struct {
	PrescreeningID string    `json:"prescreening_id"`
	StartedAt      time.Time `json:"started_at"`
	Answered       int       `json:"answered"`
	Total          int       `json:"total"`
}

// HandoffState tracks the downstream contact or booking flow.
type HandoffState struct {
	Event   HandoffEvent    `json:"event"`
	Outcome TerminalOutcome `json:"outcome,omitempty"`
}

// HandoffEvent is emitted to downstream collaborators on completion.
type HandoffEvent struct {
	SessionID     string        `json:"session_id"`
	TrialID       string        `json:"trial_id"`
	OverallStatus OverallStatus `json:"overall_status"`
	FocusLocation string        `json:"focus_location"`
}

// NewConversationState returns an idle state for a session.
func NewConversationState(sessionID string) *ConversationState {
	return &ConversationState{
		Version:   ConversationStateVersion,
		SessionID: sessionID,
		State:     StateIdle,
		UpdatedAt: time.Now().UTC(),
	}
}

// CurrentQuestion returns the question at the current index, or nil when
// all questions have been answered.
func (p *PrescreeningState) CurrentQuestion() *Question {
	if p.EditIndex != nil {
		return &p.Questions[*p.EditIndex]
	}
	if p.CurrentIndex < 0 || p.CurrentIndex >= len(p.Questions) {
		return nil
	}
	return &p.Questions[p.CurrentIndex]
}

// CriterionFor returns the criterion behind a question.
func (p *PrescreeningState) CriterionFor(criterionID string) (*Criterion, bool) {
	for i := range p.Criteria {
		if p.Criteria[i].ID == criterionID {
			return &p.Criteria[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so a turn can work on a scratch state and discard
// it on timeout.
func (s *ConversationState) Clone() (*ConversationState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("cloning conversation state: %w", err)
	}
	var out ConversationState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cloning conversation state: %w", err)
	}
	return &out, nil
}

// DecodeConversationState parses a persisted state and rejects versions this
// build does not understand.
func DecodeConversationState(data []byte) (*ConversationState, error) {
	var s ConversationState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &DataIntegrityError{Entity: "conversation_state", Reason: err.Error()}
	}
	if s.Version != ConversationStateVersion {
		return nil, &DataIntegrityError{
			Entity: "conversation_state",
			ID:     s.SessionID,
			Reason: fmt.Sprintf("unsupported version %d", s.Version),
		}
	}
	if !s.State.IsValid() {
		return nil, &DataIntegrityError{Entity: "conversation_state", ID: s.SessionID, Reason: "unknown state " + string(s.State)}
	}
	return &s, nil
}
