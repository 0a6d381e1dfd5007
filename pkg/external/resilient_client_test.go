package external

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-prescreen-server/internal/domain"
)

// scriptedNL returns the scripted errors in order, then succeeds.
type scriptedNL struct {
	errs  []error
	calls int
}

func (s *scriptedNL) next() error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedNL) Complete(context.Context, string, int, float32) (string, error) {
	if err := s.next(); err != nil {
		return "", err
	}
	return "hello", nil
}

func (s *scriptedNL) ExtractStructured(context.Context, string, map[string]any, time.Duration) (map[string]any, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestResilient(next domain.NLService, retries int) (*ResilientNLClient, *[]time.Duration) {
	c := NewResilientNLClient(next, domain.NLServiceConfig{
		MaxRetries:      retries,
		InitialBackoff:  100 * time.Millisecond,
		BreakerRequests: 1,
		BreakerInterval: time.Minute,
		BreakerTimeout:  time.Minute,
	}, testLogger())
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func throttled() error {
	return &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "rate limited"}
}

func TestResilientNLClient_RetriesThrottlingWithBackoff(t *testing.T) {
	next := &scriptedNL{errs: []error{throttled(), throttled()}}
	c, slept := newTestResilient(next, 3)

	reply, err := c.Complete(context.Background(), "hi", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Equal(t, 3, next.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestResilientNLClient_GivesUpAsUnavailable(t *testing.T) {
	next := &scriptedNL{errs: []error{
		&openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")},
		&openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")},
	}}
	c, _ := newTestResilient(next, 1)

	_, err := c.ExtractStructured(context.Background(), "p", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Equal(t, 2, next.calls)
}

func TestResilientNLClient_ClientErrorsAreNotRetried(t *testing.T) {
	next := &scriptedNL{errs: []error{&openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}}}
	c, slept := newTestResilient(next, 3)

	_, err := c.Complete(context.Background(), "hi", 10, 0)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Equal(t, 1, next.calls)
	assert.Empty(t, *slept)
}

func TestResilientNLClient_MalformedReplyPassesThrough(t *testing.T) {
	next := &scriptedNL{errs: []error{ErrNoJSON}}
	c, _ := newTestResilient(next, 3)

	_, err := c.ExtractStructured(context.Background(), "p", nil, time.Second)
	assert.ErrorIs(t, err, ErrNoJSON)
	assert.NotErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Equal(t, 1, next.calls)
}

func TestResilientNLClient_BreakerOpens(t *testing.T) {
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, &openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable})
	}
	next := &scriptedNL{errs: errs}
	c, _ := newTestResilient(next, 0)

	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), "hi", 10, 0)
		require.Error(t, err)
	}
	calls := next.calls

	_, err := c.Complete(context.Background(), "hi", 10, 0)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, calls, next.calls, "open breaker must not reach the service")
}
