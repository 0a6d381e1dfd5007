// Package domain contains the core entities of the trial prescreening engine:
// eligibility criteria, the questions derived from them, the answers a person
// gives, and the per-criterion and overall eligibility judgments.
//
// The Criterion Judge and Eligibility Aggregator are pure over these types.
// Only the prescreening state machine mutates persisted session state.
package domain

import (
	"errors"
	"time"
)

// CriterionKind distinguishes inclusion rules from exclusion rules.
type CriterionKind string

const (
	INCLUSION CriterionKind = "inclusion"
	EXCLUSION CriterionKind = "exclusion"
)

// AnswerType is the expected shape of a reply to a Question.
type AnswerType string

const (
	ANSWER_YES_NO AnswerType = "yes_no"
	ANSWER_NUMBER AnswerType = "number"
	ANSWER_TEXT   AnswerType = "text"
	ANSWER_DATE   AnswerType = "date"
)

// OverallStatus is the aggregated eligibility determination for one trial.
type OverallStatus string

const (
	LIKELY_ELIGIBLE      OverallStatus = "likely_eligible"
	POTENTIALLY_ELIGIBLE OverallStatus = "potentially_eligible"
	LIKELY_INELIGIBLE    OverallStatus = "likely_ineligible"
	NEEDS_REVIEW         OverallStatus = "needs_review"
)

// VerdictStatus is the detailed outcome of judging one criterion.
type VerdictStatus string

const (
	VERDICT_MET             VerdictStatus = "met"
	VERDICT_NOT_MET         VerdictStatus = "not_met"
	VERDICT_NEEDS_REVIEW    VerdictStatus = "needs_review"
	VERDICT_NEEDS_FOLLOW_UP VerdictStatus = "needs_follow_up"
)

// SessionStatus is the persisted lifecycle status of a prescreening session.
type SessionStatus string

const (
	SESSION_IN_PROGRESS SessionStatus = "in_progress"
	SESSION_COMPLETED   SessionStatus = "completed"
	SESSION_ABANDONED   SessionStatus = "abandoned"
)

var (
	ErrInvalidCriterionKind = errors.New("invalid criterion kind")
	ErrInvalidAnswerType    = errors.New("invalid answer type")
	ErrInvalidSessionStatus = errors.New("invalid session status")
)

// IsValid reports whether k is a known criterion kind.
func (k CriterionKind) IsValid() bool {
	return k == INCLUSION || k == EXCLUSION
}

func (k CriterionKind) String() string {
	return string(k)
}

// IsValid reports whether t is a known answer type.
func (t AnswerType) IsValid() bool {
	switch t {
	case ANSWER_YES_NO, ANSWER_NUMBER, ANSWER_TEXT, ANSWER_DATE:
		return true
	default:
		return false
	}
}

func (t AnswerType) String() string {
	return string(t)
}

// IsValid reports whether s is one of the four overall statuses.
func (s OverallStatus) IsValid() bool {
	switch s {
	case LIKELY_ELIGIBLE, POTENTIALLY_ELIGIBLE, LIKELY_INELIGIBLE, NEEDS_REVIEW:
		return true
	default:
		return false
	}
}

func (s OverallStatus) String() string {
	return string(s)
}

// Rank orders statuses from worst (0) to best (3). Used to check that an
// improvement in verdicts never makes the overall status worse.
func (s OverallStatus) Rank() int {
	switch s {
	case LIKELY_ELIGIBLE:
		return 3
	case POTENTIALLY_ELIGIBLE:
		return 2
	case NEEDS_REVIEW:
		return 1
	default:
		return 0
	}
}

// Description returns the wording used in summaries shown to the person.
func (s OverallStatus) Description() string {
	switch s {
	case LIKELY_ELIGIBLE:
		return "You appear to meet the eligibility requirements for this study"
	case POTENTIALLY_ELIGIBLE:
		return "You may be eligible for this study, pending review by the study team"
	case LIKELY_INELIGIBLE:
		return "Based on your answers, you may not qualify for this study"
	case NEEDS_REVIEW:
		return "Some of your answers need review by the study team"
	default:
		return "Eligibility could not be determined"
	}
}

// IsValid reports whether s is a known session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SESSION_IN_PROGRESS, SESSION_COMPLETED, SESSION_ABANDONED:
		return true
	default:
		return false
	}
}

func (s SessionStatus) String() string {
	return string(s)
}

// Criterion is one inclusion or exclusion rule from a trial protocol.
// It is immutable once authored and read-only to the engine.
type Criterion struct {
	ID       string        `json:"id"`
	TrialID  string        `json:"trial_id"`
	Kind     CriterionKind `json:"kind"`
	Category string        `json:"category"`
	Text     string        `json:"free_text"`
	Required bool          `json:"required"`
	SortKey  int           `json:"sort_key"`
}

// IsInclusion reports whether the criterion is an inclusion rule.
func (c *Criterion) IsInclusion() bool {
	return c.Kind == INCLUSION
}

// Question is derived from exactly one Criterion and never mutated.
type Question struct {
	CriterionID    string     `json:"criterion_id"`
	Text           string     `json:"text"`
	AnswerType     AnswerType `json:"answer_type"`
	EvaluationHint string     `json:"evaluation_hint,omitempty"`
	// Rule names the generator rule that produced the question.
	Rule string `json:"rule,omitempty"`
	// AlsoApplies lists criteria whose question text was identical to this
	// one; the single answer is recorded against each of them.
	AlsoApplies []string `json:"also_applies,omitempty"`
}

// CriterionIDs returns the primary criterion followed by any duplicates.
func (q *Question) CriterionIDs() []string {
	return append([]string{q.CriterionID}, q.AlsoApplies...)
}

// Answer is one person's reply to one Question, with its parsed value.
type Answer struct {
	CriterionID    string      `json:"criterion_id"`
	QuestionText   string      `json:"question_text"`
	RawResponse    string      `json:"raw_response"`
	ParsedValue    ParsedValue `json:"parsed_value"`
	Interpretation string      `json:"interpretation"`
	Confidence     float64     `json:"confidence"`
	AnsweredAt     time.Time   `json:"answered_at"`
}

// ParsedValue is the normalized value extracted from a reply. Exactly the
// fields relevant to the question's answer type are populated.
type ParsedValue struct {
	Kind        AnswerType    `json:"kind"`
	Bool        *bool         `json:"bool,omitempty"`
	Number      *float64      `json:"number,omitempty"`
	Text        string        `json:"text,omitempty"`
	Date        *time.Time    `json:"date,omitempty"`
	Body        *BodyMeasures `json:"body,omitempty"`
	Medications []string      `json:"medications,omitempty"`
	// NoMedications is set when the person explicitly said they take none.
	NoMedications bool `json:"no_medications,omitempty"`
}

// BodyMeasures holds a parsed height/weight pair in metric units.
type BodyMeasures struct {
	HeightM  float64 `json:"height_m"`
	WeightKg float64 `json:"weight_kg"`
	BMI      float64 `json:"bmi"`
}

// CriterionVerdict is the judgment for one Criterion+Answer pair. A nil
// Eligible means the criterion needs human or service review.
type CriterionVerdict struct {
	CriterionID string        `json:"criterion_id"`
	Kind        CriterionKind `json:"kind"`
	Required    bool          `json:"required"`
	Eligible    *bool         `json:"eligible"`
	Status      VerdictStatus `json:"status"`
	Explanation string        `json:"explanation"`
	Confidence  float64       `json:"confidence"`
	// Method names the judge stage that produced the verdict.
	Method string `json:"method"`
	// FollowUp is set only when Status is VERDICT_NEEDS_FOLLOW_UP.
	FollowUp *FollowUpRequest `json:"follow_up,omitempty"`
}

// IsMet reports whether the criterion was satisfied (inclusion met or
// exclusion passed).
func (v *CriterionVerdict) IsMet() bool {
	return v.Eligible != nil && *v.Eligible
}

// IsFailed reports whether the criterion failed outright.
func (v *CriterionVerdict) IsFailed() bool {
	return v.Eligible != nil && !*v.Eligible
}

// FollowUpRequest asks the surrounding conversation for a clarification
// about medication washout before a verdict can be reached.
type FollowUpRequest struct {
	CriterionID     string   `json:"criterion_id"`
	MedicationNames []string `json:"medication_names"`
	WashoutPeriod   string   `json:"washout_period,omitempty"`
	Question        string   `json:"question"`
}

// EligibilityResult is computed once per completed session.
type EligibilityResult struct {
	ID             string             `json:"id"`
	SessionID      string             `json:"session_id"`
	TrialID        string             `json:"trial_id"`
	OverallStatus  OverallStatus      `json:"overall_status"`
	InclusionMet   int                `json:"inclusion_met"`
	InclusionTotal int                `json:"inclusion_total"`
	ExclusionMet   int                `json:"exclusion_met"`
	ExclusionTotal int                `json:"exclusion_total"`
	Verdicts       []CriterionVerdict `json:"verdicts"`
	Summary        string             `json:"summary_text"`
	CreatedAt      time.Time          `json:"created_at"`
}

// InclusionRatio returns the fraction of inclusion criteria met.
func (r *EligibilityResult) InclusionRatio() float64 {
	if r.InclusionTotal == 0 {
		return 0
	}
	return float64(r.InclusionMet) / float64(r.InclusionTotal)
}

// PrescreeningSession is the persisted record of one prescreening run for
// a (session, trial) pair.
type PrescreeningSession struct {
	ID                string        `json:"id"`
	SessionID         string        `json:"session_id"`
	TrialID           string        `json:"trial_id"`
	Status            SessionStatus `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	TotalQuestions    int           `json:"total_questions"`
	AnsweredQuestions int           `json:"answered_questions"`
}

// Age returns how long ago the session started, relative to now.
func (s *PrescreeningSession) Age(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// FloatPtr returns a pointer to f.
func FloatPtr(f float64) *float64 {
	return &f
}
