package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-prescreen-server/internal/domain"
)

func TestMetrics_RecordsEngineEvents(t *testing.T) {
	m := New()

	m.TurnCompleted("message", domain.StatePrescreeningActive, 120*time.Millisecond, nil)
	m.TurnCompleted("message", domain.StatePrescreeningActive, 15*time.Second, domain.ErrTurnTimeout)
	m.TurnCompleted("start", domain.StateIdle, time.Millisecond, errors.New("boom"))
	m.SessionStarted("trial-a")
	m.SessionStarted("trial-a")
	m.SessionCompleted("trial-a", domain.LIKELY_ELIGIBLE)
	m.AnswerValidated("valid")
	m.AnswerValidated("invalid")
	m.AnswerValidated("valid")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("message", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("message", domain.ErrCodeServiceUnavailable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("start", domain.ErrCodeInternal)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsStarted.WithLabelValues("trial-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsCompleted.WithLabelValues("trial-a", "likely_eligible")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnswersValidated.WithLabelValues("valid")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.TurnDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SessionStarted("trial-a")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `prescreen_sessions_started_total{trial_id="trial-a"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.SessionStarted("t")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SessionsStarted.WithLabelValues("t")))
}
