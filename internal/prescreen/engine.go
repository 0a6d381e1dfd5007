// Package prescreen implements the prescreening conversation state machine.
//
// Each turn runs on a scratch copy of the conversation state. Writes to the
// session store are collected as effects and committed only when the turn
// finishes inside its deadline, so a timed-out turn leaves both the stored
// state and the persisted session untouched.
package prescreen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/service"
)

// Reply is the engine's response to one turn.
type Reply struct {
	SessionID string                    `json:"session_id"`
	Message   string                    `json:"message"`
	State     domain.StateType          `json:"state"`
	Question  *domain.Question          `json:"question,omitempty"`
	Progress  *Progress                 `json:"progress,omitempty"`
	Result    *domain.EligibilityResult `json:"result,omitempty"`
	Outcome   domain.TerminalOutcome    `json:"outcome,omitempty"`
}

// Progress counts answered questions in the active prescreening.
type Progress struct {
	Answered int `json:"answered"`
	Total    int `json:"total"`
}

// Observer receives engine events. Implementations must be safe for
// concurrent use.
type Observer interface {
	TurnCompleted(kind string, state domain.StateType, elapsed time.Duration, err error)
	SessionStarted(trialID string)
	SessionCompleted(trialID string, status domain.OverallStatus)
	AnswerValidated(status string)
}

type noopObserver struct{}

func (noopObserver) TurnCompleted(string, domain.StateType, time.Duration, error) {}
func (noopObserver) SessionStarted(string)                                        {}
func (noopObserver) SessionCompleted(string, domain.OverallStatus)                {}
func (noopObserver) AnswerValidated(string)                                       {}

// Dependencies are the collaborators of an Engine. Booking, FollowUps and
// Observer are optional.
type Dependencies struct {
	Criteria   domain.CriterionStore
	Sessions   domain.SessionStore
	States     domain.StateStore
	Locker     domain.TurnLocker
	Contact    domain.ContactCollector
	Booking    domain.BookingScheduler
	FollowUps  domain.FollowUpSink
	Generator  *service.QuestionGenerator
	Validator  *service.ResponseValidator
	Judge      *service.CriterionJudge
	Aggregator *service.EligibilityAggregator
	Observer   Observer
}

// Engine drives prescreening conversations.
type Engine struct {
	deps   Dependencies
	cfg    domain.PrescreeningConfig
	logger *logrus.Logger
	now    func() time.Time
}

// NewEngine validates deps and returns an engine.
func NewEngine(deps Dependencies, cfg domain.PrescreeningConfig, logger *logrus.Logger) (*Engine, error) {
	switch {
	case deps.Criteria == nil:
		return nil, errors.New("prescreen: criterion store is required")
	case deps.Sessions == nil:
		return nil, errors.New("prescreen: session store is required")
	case deps.States == nil:
		return nil, errors.New("prescreen: state store is required")
	case deps.Contact == nil:
		return nil, errors.New("prescreen: contact collector is required")
	case deps.Generator == nil || deps.Validator == nil || deps.Judge == nil || deps.Aggregator == nil:
		return nil, errors.New("prescreen: generator, validator, judge and aggregator are required")
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalTurnLocker()
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	defaults := domain.DefaultPrescreeningConfig()
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaults.TurnTimeout
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = defaults.DuplicateWindow
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = defaults.ResumeWindow
	}
	if cfg.StrongMatchRatio <= 0 {
		cfg.StrongMatchRatio = defaults.StrongMatchRatio
	}

	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// effect is a deferred write committed after the turn succeeds.
type effect struct {
	name string
	run  func(ctx context.Context) error
}

// turn is the working set of one conversation turn.
type turn struct {
	ctx     context.Context
	state   *domain.ConversationState
	effects []effect
	reply   Reply
	logger  *logrus.Entry
}

func (t *turn) do(name string, run func(ctx context.Context) error) {
	t.effects = append(t.effects, effect{name: name, run: run})
}

// Start begins, resumes or blocks a prescreening for (sessionID, trialID).
func (e *Engine) Start(ctx context.Context, sessionID, trialID, location string) (*Reply, error) {
	if sessionID == "" || trialID == "" {
		verr := domain.NewValidationError("trial_id", "A session and a study are required to start.", "")
		return &Reply{SessionID: sessionID, Message: domain.UserMessage(verr)}, verr
	}
	return e.runTurn(ctx, sessionID, "start", func(t *turn) error {
		return e.start(t, trialID, location)
	})
}

// HandleMessage processes one inbound message for a session.
func (e *Engine) HandleMessage(ctx context.Context, sessionID, message string) (*Reply, error) {
	return e.runTurn(ctx, sessionID, "message", func(t *turn) error {
		return e.dispatch(t, message)
	})
}

// State returns the stored conversation state for a session.
func (e *Engine) State(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	return e.deps.States.Load(ctx, sessionID)
}

// runTurn serializes, times out and commits one turn.
func (e *Engine) runTurn(ctx context.Context, sessionID, kind string, step func(t *turn) error) (reply *Reply, err error) {
	started := e.now()
	logger := e.logger.WithFields(logrus.Fields{"session_id": sessionID, "turn": kind})
	defer func() {
		state := domain.StateType("")
		if reply != nil {
			state = reply.State
		}
		e.deps.Observer.TurnCompleted(kind, state, e.now().Sub(started), err)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()

	release, err := e.deps.Locker.Acquire(ctx, sessionID)
	if err != nil {
		logger.WithError(err).Warn("Turn lock not acquired")
		return &Reply{SessionID: sessionID, Message: domain.MsgBusy}, fmt.Errorf("%w: %w", domain.ErrTurnInProgress, err)
	}
	defer release()

	stored, err := e.deps.States.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrDataIntegrity) {
			return e.restart(ctx, logger, domain.NewConversationState(sessionID), err)
		}
		return e.apology(logger, sessionID, nil, err)
	}
	scratch, err := stored.Clone()
	if err != nil {
		return e.apology(logger, sessionID, stored, err)
	}

	t := &turn{ctx: ctx, state: scratch, logger: logger}
	stepErr := step(t)
	if ctx.Err() != nil {
		return e.apology(logger, sessionID, stored, domain.ErrTurnTimeout)
	}
	if stepErr != nil {
		if errors.Is(stepErr, domain.ErrDataIntegrity) {
			return e.restart(ctx, logger, stored, stepErr)
		}
		if errors.Is(stepErr, domain.ErrServiceUnavailable) {
			return e.apology(logger, sessionID, stored, stepErr)
		}
		logger.WithError(stepErr).Error("Turn failed")
		return &Reply{SessionID: sessionID, Message: domain.UserMessage(stepErr), State: stored.State}, stepErr
	}

	for _, eff := range t.effects {
		if ctx.Err() != nil {
			return e.apology(logger, sessionID, stored, domain.ErrTurnTimeout)
		}
		if err := eff.run(ctx); err != nil {
			if errors.Is(err, domain.ErrSessionConflict) {
				logger.WithField("effect", eff.name).WithError(err).Warn("Session conflict, state unchanged")
				return &Reply{SessionID: sessionID, Message: domain.UserMessage(err), State: stored.State}, err
			}
			logger.WithField("effect", eff.name).WithError(err).Error("Failed to commit turn effect")
			return e.apology(logger, sessionID, stored, fmt.Errorf("%s: %w", eff.name, err))
		}
	}

	t.state.UpdatedAt = e.now().UTC()
	if err := e.deps.States.Save(ctx, t.state); err != nil {
		return e.apology(logger, sessionID, stored, fmt.Errorf("saving state: %w", err))
	}

	out := t.reply
	out.SessionID = sessionID
	out.State = t.state.State
	out.Progress = progressOf(t.state)
	logger.WithFields(logrus.Fields{
		"state":   t.state.State,
		"effects": len(t.effects),
	}).Debug("Turn committed")
	return &out, nil
}

// apology leaves the stored state as it was and asks the person to resend.
func (e *Engine) apology(logger *logrus.Entry, sessionID string, stored *domain.ConversationState, cause error) (*Reply, error) {
	logger.WithError(cause).Warn("Turn abandoned, state unchanged")
	reply := &Reply{SessionID: sessionID, Message: domain.MsgApology}
	if stored != nil {
		reply.State = stored.State
		if stored.Prescreening != nil && stored.State == domain.StatePrescreeningActive {
			reply.Question = stored.Prescreening.CurrentQuestion()
		}
	}
	if errors.Is(cause, domain.ErrTurnTimeout) {
		return reply, cause
	}
	return reply, fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, cause)
}

// restart ends a conversation whose state or data cannot be trusted. The
// open session, if any, is abandoned and the conversation returns to idle.
func (e *Engine) restart(ctx context.Context, logger *logrus.Entry, stored *domain.ConversationState, cause error) (*Reply, error) {
	logger.WithError(cause).Error("Data integrity failure, restarting conversation")

	if stored.Prescreening != nil && stored.Prescreening.Result == nil {
		if err := e.deps.Sessions.CompleteSession(ctx, stored.Prescreening.PrescreeningID, domain.SESSION_ABANDONED); err != nil {
			logger.WithError(err).Warn("Failed to abandon session after integrity failure")
		}
	}
	fresh := domain.NewConversationState(stored.SessionID)
	fresh.TrialID = stored.TrialID
	fresh.FocusLocation = stored.FocusLocation
	if err := e.deps.States.Save(ctx, fresh); err != nil {
		logger.WithError(err).Warn("Failed to reset conversation state")
	}
	return &Reply{
		SessionID: stored.SessionID,
		Message:   domain.MsgRestart,
		State:     fresh.State,
		Outcome:   domain.OutcomeRestartRequired,
	}, cause
}

// unavailable marks an infrastructure failure as retryable unless it is a
// data integrity problem.
func unavailable(op string, err error) error {
	if errors.Is(err, domain.ErrDataIntegrity) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrServiceUnavailable, err)
}

func progressOf(s *domain.ConversationState) *Progress {
	p := s.Prescreening
	if p == nil || len(p.Questions) == 0 {
		return nil
	}
	answered := 0
	for _, q := range p.Questions {
		if _, ok := p.Answers[q.CriterionID]; ok {
			answered++
		}
	}
	return &Progress{Answered: answered, Total: len(p.Questions)}
}
