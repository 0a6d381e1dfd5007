package handoff

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-prescreen-server/internal/domain"
)

var event = domain.HandoffEvent{SessionID: "s1", TrialID: "trial-a", OverallStatus: domain.LIKELY_ELIGIBLE}

type failingRecorder struct{}

func (failingRecorder) RecordContact(context.Context, Contact) error {
	return errors.New("store down")
}

func TestContactCollector(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		wantDone  bool
		wantOut   domain.TerminalOutcome
		wantEmail string
		wantPhone string
	}{
		{"email", "sure, jane.doe@example.org works", true, domain.OutcomeContactCollected, "jane.doe@example.org", ""},
		{"phone", "call me at (617) 555-0134", true, domain.OutcomeContactCollected, "", "(617) 555-0134"},
		{"both", "555-201-3344 or j@x.io", true, domain.OutcomeContactCollected, "j@x.io", "555-201-3344"},
		{"declined phrase", "no thanks", true, domain.OutcomeContactDeclined, "", ""},
		{"plain no", "nope", true, domain.OutcomeContactDeclined, "", ""},
		{"nothing usable", "yes", false, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := test.NewNullLogger()
			recorder := NewMemoryContactRecorder()
			c := NewContactCollector(recorder, logger)

			opening, err := c.BeginContactCollection(context.Background(), event)
			require.NoError(t, err)
			assert.Contains(t, opening, "phone number or email")

			reply, outcome, done, err := c.ContinueContactCollection(context.Background(), event, tt.message)
			require.NoError(t, err)
			assert.NotEmpty(t, reply)
			assert.Equal(t, tt.wantDone, done)
			assert.Equal(t, tt.wantOut, outcome)

			contacts := recorder.Contacts()
			if tt.wantOut != domain.OutcomeContactCollected {
				assert.Empty(t, contacts)
				return
			}
			require.Len(t, contacts, 1)
			assert.Equal(t, tt.wantEmail, contacts[0].Email)
			assert.Equal(t, tt.wantPhone, contacts[0].Phone)
			assert.Equal(t, "trial-a", contacts[0].TrialID)
		})
	}
}

func TestContactCollector_RecorderFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := NewContactCollector(failingRecorder{}, logger)

	_, _, done, err := c.ContinueContactCollection(context.Background(), event, "a@b.co")
	assert.Error(t, err)
	assert.False(t, done)
}

func TestLogFollowUpSink(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	sink := NewLogFollowUpSink(logger)

	err := sink.RequestFollowUp(context.Background(), "s1", domain.FollowUpRequest{
		CriterionID:     "exc-sglt2",
		MedicationNames: []string{"empagliflozin"},
		WashoutPeriod:   "4 weeks",
	})
	require.NoError(t, err)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "exc-sglt2", entry.Data["criterion_id"])
	assert.Equal(t, "4 weeks", entry.Data["washout_period"])
}
