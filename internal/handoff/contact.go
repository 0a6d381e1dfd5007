// Package handoff holds the default downstream collaborators used by the
// binaries: a conversational contact collector and a logging follow-up sink.
package handoff

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/service"
)

const (
	msgAskContact = "The study team would like to follow up with you. What is the best phone number or email address to reach you? You can also say \"no thanks\"."
	msgAskAgain   = "I couldn't find a phone number or email address in that. Please share one, or say \"no thanks\"."
	msgCollected  = "Thank you. A member of the study team will reach out to you soon."
	msgDeclined   = "No problem. Thank you for your time, and feel free to come back if you change your mind."
)

var (
	emailRegex   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRegex   = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{8,}\d`)
	declineRegex = regexp.MustCompile(`(?i)^\s*(no thanks|no thank you|not interested|don'?t contact me|skip)\b`)
)

// Contact is what the person agreed to share.
type Contact struct {
	SessionID     string
	TrialID       string
	OverallStatus domain.OverallStatus
	Email         string
	Phone         string
	CollectedAt   time.Time
}

// ContactRecorder stores collected contacts for the study team.
type ContactRecorder interface {
	RecordContact(ctx context.Context, contact Contact) error
}

// ContactCollector asks for one phone number or email address.
type ContactCollector struct {
	recorder ContactRecorder
	logger   *logrus.Logger
	now      func() time.Time
}

// NewContactCollector creates a collector that hands contacts to recorder.
func NewContactCollector(recorder ContactRecorder, logger *logrus.Logger) *ContactCollector {
	return &ContactCollector{recorder: recorder, logger: logger, now: time.Now}
}

func (c *ContactCollector) BeginContactCollection(_ context.Context, event domain.HandoffEvent) (string, error) {
	c.logger.WithFields(logrus.Fields{
		"session_id":     event.SessionID,
		"trial_id":       event.TrialID,
		"overall_status": event.OverallStatus,
	}).Info("Contact collection started")
	return msgAskContact, nil
}

func (c *ContactCollector) ContinueContactCollection(ctx context.Context, event domain.HandoffEvent, message string) (string, domain.TerminalOutcome, bool, error) {
	if declineRegex.MatchString(message) {
		return msgDeclined, domain.OutcomeContactDeclined, true, nil
	}
	if yes, ok := service.ClassifyYesNo(message); ok && !yes {
		return msgDeclined, domain.OutcomeContactDeclined, true, nil
	}

	contact := Contact{
		SessionID:     event.SessionID,
		TrialID:       event.TrialID,
		OverallStatus: event.OverallStatus,
		Email:         emailRegex.FindString(message),
		CollectedAt:   c.now().UTC(),
	}
	if phone := phoneRegex.FindString(message); phone != "" {
		contact.Phone = strings.TrimSpace(phone)
	}
	if contact.Email == "" && contact.Phone == "" {
		return msgAskAgain, "", false, nil
	}

	if err := c.recorder.RecordContact(ctx, contact); err != nil {
		return "", "", false, err
	}
	c.logger.WithFields(logrus.Fields{
		"session_id": event.SessionID,
		"trial_id":   event.TrialID,
		"has_email":  contact.Email != "",
		"has_phone":  contact.Phone != "",
	}).Info("Contact collected")
	return msgCollected, domain.OutcomeContactCollected, true, nil
}

// MemoryContactRecorder keeps contacts in memory, keyed by session. A second
// recording for the same session and trial replaces the first.
type MemoryContactRecorder struct {
	mu       sync.Mutex
	contacts map[string]Contact
}

// NewMemoryContactRecorder returns an empty recorder.
func NewMemoryContactRecorder() *MemoryContactRecorder {
	return &MemoryContactRecorder{contacts: make(map[string]Contact)}
}

func (r *MemoryContactRecorder) RecordContact(_ context.Context, contact Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[contact.SessionID+"/"+contact.TrialID] = contact
	return nil
}

// Contacts returns a snapshot of the recorded contacts.
func (r *MemoryContactRecorder) Contacts() []Contact {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c)
	}
	return out
}

// LogFollowUpSink records washout follow-up requests in the log for the
// study team.
type LogFollowUpSink struct {
	logger *logrus.Logger
}

// NewLogFollowUpSink creates a follow-up sink.
func NewLogFollowUpSink(logger *logrus.Logger) *LogFollowUpSink {
	return &LogFollowUpSink{logger: logger}
}

func (s *LogFollowUpSink) RequestFollowUp(_ context.Context, sessionID string, req domain.FollowUpRequest) error {
	s.logger.WithFields(logrus.Fields{
		"session_id":       sessionID,
		"criterion_id":     req.CriterionID,
		"medication_names": req.MedicationNames,
		"washout_period":   req.WashoutPeriod,
	}).Info("Medication washout follow-up requested")
	return nil
}
