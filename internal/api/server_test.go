package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/prescreen"
)

type mockConversation struct {
	mock.Mock
}

func (m *mockConversation) Start(ctx context.Context, sessionID, trialID, location string) (*prescreen.Reply, error) {
	args := m.Called(ctx, sessionID, trialID, location)
	reply, _ := args.Get(0).(*prescreen.Reply)
	return reply, args.Error(1)
}

func (m *mockConversation) HandleMessage(ctx context.Context, sessionID, message string) (*prescreen.Reply, error) {
	args := m.Called(ctx, sessionID, message)
	reply, _ := args.Get(0).(*prescreen.Reply)
	return reply, args.Error(1)
}

func (m *mockConversation) State(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	args := m.Called(ctx, sessionID)
	state, _ := args.Get(0).(*domain.ConversationState)
	return state, args.Error(1)
}

func newTestServer(t *testing.T, conv Conversation, opts Options) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, conv, opts, logger)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestServer_Start(t *testing.T) {
	conv := &mockConversation{}
	conv.On("Start", mock.Anything, "s1", "trial-a", "Boston").Return(&prescreen.Reply{
		SessionID: "s1",
		Message:   "Question 1 of 8: What is your age?",
		State:     domain.StatePrescreeningActive,
		Progress:  &prescreen.Progress{Answered: 0, Total: 8},
	}, nil)
	srv := newTestServer(t, conv, Options{})

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/sessions/s1/start",
		map[string]string{"trial_id": "trial-a", "location": "Boston"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prescreening_active", body["state"])
	assert.Equal(t, "Question 1 of 8: What is your age?", body["message"])
	assert.Nil(t, body["error"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	conv.AssertExpectations(t)
}

func TestServer_StartRequiresTrial(t *testing.T) {
	conv := &mockConversation{}
	srv := newTestServer(t, conv, Options{})

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/sessions/s1/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, domain.ErrCodeValidation, errBody["code"])
	conv.AssertNotCalled(t, "Start", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_MessageErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		reply      *prescreen.Reply
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "timeout",
			err:        domain.ErrTurnTimeout,
			reply:      &prescreen.Reply{Message: domain.MsgApology, State: domain.StatePrescreeningActive},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   domain.ErrCodeServiceUnavailable,
			wantMsg:    domain.MsgApology,
		},
		{
			name:       "busy",
			err:        fmt.Errorf("%w: %w", domain.ErrTurnInProgress, context.DeadlineExceeded),
			reply:      &prescreen.Reply{Message: domain.MsgBusy},
			wantStatus: http.StatusConflict,
			wantCode:   domain.ErrCodeSessionConflict,
			wantMsg:    domain.MsgBusy,
		},
		{
			name:       "restart",
			err:        &domain.DataIntegrityError{Entity: "criterion", ID: "inc-age", Reason: "missing"},
			reply:      &prescreen.Reply{Message: domain.MsgRestart, State: domain.StateIdle, Outcome: domain.OutcomeRestartRequired},
			wantStatus: http.StatusOK,
			wantCode:   domain.ErrCodeDataIntegrity,
			wantMsg:    domain.MsgRestart,
		},
		{
			name:       "unexpected without reply",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   domain.ErrCodeInternal,
			wantMsg:    domain.MsgContactHuman,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &mockConversation{}
			conv.On("HandleMessage", mock.Anything, "s1", "45").Return(tt.reply, tt.err)
			srv := newTestServer(t, conv, Options{})

			rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/sessions/s1/messages",
				map[string]string{"message": "45"})

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantMsg, body["message"])
			errBody := body["error"].(map[string]any)
			assert.Equal(t, tt.wantCode, errBody["code"])
			assert.NotContains(t, rec.Body.String(), "disk on fire")
		})
	}
}

func TestServer_State(t *testing.T) {
	conv := &mockConversation{}
	state := domain.NewConversationState("s1")
	state.TrialID = "trial-a"
	conv.On("State", mock.Anything, "s1").Return(state, nil)
	conv.On("State", mock.Anything, "bad").Return(nil, &domain.DataIntegrityError{Entity: "conversation_state", Reason: "bad json"})
	srv := newTestServer(t, conv, Options{})

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/sessions/s1/state", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "trial-a", body["trial_id"])

	rec, body = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/sessions/bad/state", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["error"])
}

func TestServer_Health(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	srv := newTestServer(t, &mockConversation{}, Options{Checks: map[string]HealthCheck{"database": healthy, "redis": healthy}})
	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	srv = newTestServer(t, &mockConversation{}, Options{Checks: map[string]HealthCheck{"database": healthy, "redis": down}})
	rec, body = doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("prescreen_turns_total 1\n"))
	})
	srv := newTestServer(t, &mockConversation{}, Options{Metrics: metrics})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "prescreen_turns_total")
}

func TestServer_Websocket(t *testing.T) {
	conv := &mockConversation{}
	conv.On("Start", mock.Anything, "s1", "trial-a", "").Return(&prescreen.Reply{
		SessionID: "s1", Message: "Question 1 of 2: What is your age?", State: domain.StatePrescreeningActive,
	}, nil)
	conv.On("HandleMessage", mock.Anything, "s1", "45").Return(&prescreen.Reply{
		SessionID: "s1", Message: "Question 2 of 2: Are you pregnant?", State: domain.StatePrescreeningActive,
	}, nil)
	srv := newTestServer(t, conv, Options{})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/s1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	frames := []wsRequest{
		{Type: "start", TrialID: "trial-a"},
		{Type: "message", Message: "45"},
		{Type: "shout"},
	}
	var replies []map[string]any
	for _, f := range frames {
		require.NoError(t, ws.WriteJSON(f))
		var reply map[string]any
		require.NoError(t, ws.ReadJSON(&reply))
		replies = append(replies, reply)
	}

	assert.Equal(t, "Question 1 of 2: What is your age?", replies[0]["message"])
	assert.Equal(t, "Question 2 of 2: Are you pregnant?", replies[1]["message"])
	assert.Equal(t, domain.ErrCodeValidation, replies[2]["error"].(map[string]any)["code"])
	conv.AssertExpectations(t)
}
