package prescreen

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/service"
)

var (
	editRegex    = regexp.MustCompile(`(?i)\b(?:edit|change|update|redo|fix)\b\D*(\d+)`)
	confirmRegex = regexp.MustCompile(`(?i)^\s*(confirm|submit|looks good|all good|that's right|that is right|correct|done|finish)\b`)
	resumeRegex  = regexp.MustCompile(`(?i)\b(resume|continue|pick up|carry on)\b`)
	restartRegex = regexp.MustCompile(`(?i)\b(restart|start over|start again|begin again|new one)\b`)
	abandonRegex = regexp.MustCompile(`(?i)\b(stop|abandon|cancel|quit|exit|never mind|nevermind)\b`)
)

func (e *Engine) start(t *turn, trialID, location string) error {
	s := t.state
	if s.TrialID == trialID && s.Prescreening != nil && isQuestioning(s.State) {
		t.reply.Message = msgContinue + "\n\n" + e.promptFor(t)
		return nil
	}
	if s.Prescreening != nil && s.TrialID != trialID && isQuestioning(s.State) {
		oldID := s.Prescreening.PrescreeningID
		t.do("abandon_previous_session", func(ctx context.Context) error {
			return e.deps.Sessions.CompleteSession(ctx, oldID, domain.SESSION_ABANDONED)
		})
	}

	latest, err := e.deps.Sessions.GetLatestSession(t.ctx, s.SessionID, trialID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		latest = nil
	case err != nil:
		return unavailable("looking up sessions", err)
	}

	if latest != nil {
		now := e.now()
		switch latest.Status {
		case domain.SESSION_COMPLETED:
			if now.Sub(latest.StartedAt) < e.cfg.DuplicateWindow {
				return e.blockDuplicate(t, trialID, latest)
			}
		case domain.SESSION_IN_PROGRESS:
			if latest.Age(now) < e.cfg.ResumeWindow {
				return e.offerResume(t, trialID, location, latest)
			}
			// Queued ahead of create_session so the one-in-progress
			// constraint holds when the effects commit.
			staleID := latest.ID
			t.do("abandon_stale_session", func(ctx context.Context) error {
				return e.deps.Sessions.CompleteSession(ctx, staleID, domain.SESSION_ABANDONED)
			})
			t.logger.WithField("prescreening_id", staleID).Info("Abandoning stale prescreening session")
		}
	}
	return e.createSession(t, trialID, location)
}

func (e *Engine) blockDuplicate(t *turn, trialID string, latest *domain.PrescreeningSession) error {
	s := t.state
	s.TrialID = trialID
	s.State = domain.StateTerminal
	s.Resume = nil
	s.Prescreening = nil

	msg := msgDuplicate
	if result, err := e.deps.Sessions.GetResult(t.ctx, latest.ID); err == nil {
		msg = fmt.Sprintf("%s %s.", msgDuplicate, result.OverallStatus.Description())
		t.reply.Result = result
	} else if !errors.Is(err, domain.ErrNotFound) {
		t.logger.WithError(err).Warn("Could not load previous result")
	}
	t.reply.Message = msg
	t.logger.WithFields(logrus.Fields{
		"trial_id":        trialID,
		"prescreening_id": latest.ID,
	}).Info("Blocked duplicate prescreening")
	return nil
}

func (e *Engine) offerResume(t *turn, trialID, location string, latest *domain.PrescreeningSession) error {
	s := t.state
	s.TrialID = trialID
	if location != "" {
		s.FocusLocation = location
	}
	s.State = domain.StateAwaitingResumeChoice
	s.Resume = &domain.ResumeOffer{
		PrescreeningID: latest.ID,
		StartedAt:      latest.StartedAt,
		Answered:       latest.AnsweredQuestions,
		Total:          latest.TotalQuestions,
	}
	t.reply.Message = fmt.Sprintf(msgResumeOffer, latest.AnsweredQuestions, latest.TotalQuestions)
	return nil
}

func (e *Engine) createSession(t *turn, trialID, location string) error {
	s := t.state
	criteria, err := e.deps.Criteria.GetRequiredCriteria(t.ctx, trialID)
	if err != nil {
		return unavailable("loading criteria", err)
	}
	if len(criteria) == 0 {
		return &domain.DataIntegrityError{Entity: "trial", ID: trialID, Reason: "no eligibility criteria"}
	}
	questions := e.deps.Generator.GenerateAll(t.ctx, trialID, criteria)

	session := &domain.PrescreeningSession{
		ID:             uuid.New().String(),
		SessionID:      s.SessionID,
		TrialID:        trialID,
		Status:         domain.SESSION_IN_PROGRESS,
		StartedAt:      e.now().UTC(),
		TotalQuestions: len(questions),
	}
	t.do("create_session", func(ctx context.Context) error {
		err := e.deps.Sessions.CreateSession(ctx, session)
		if errors.Is(err, domain.ErrSessionExists) {
			// Another instance created one first; the next start offers it.
			return fmt.Errorf("%w: %w", domain.ErrSessionConflict, err)
		}
		return err
	})

	s.TrialID = trialID
	if location != "" {
		s.FocusLocation = location
	}
	s.State = domain.StatePrescreeningActive
	s.Resume = nil
	s.Handoff = nil
	s.Prescreening = &domain.PrescreeningState{
		PrescreeningID: session.ID,
		Criteria:       criteria,
		Questions:      questions,
		Answers:        make(map[string]domain.Answer),
		Verdicts:       make(map[string]domain.CriterionVerdict),
	}

	t.do("record_session_started", func(context.Context) error {
		e.deps.Observer.SessionStarted(trialID)
		return nil
	})
	t.logger.WithFields(logrus.Fields{
		"trial_id":        trialID,
		"prescreening_id": session.ID,
		"questions":       len(questions),
	}).Info("Started prescreening")

	t.reply.Message = fmt.Sprintf(msgIntro, len(questions)) + "\n\n" + e.promptFor(t)
	return nil
}

func (e *Engine) dispatch(t *turn, message string) error {
	message = strings.TrimSpace(message)
	s := t.state

	switch s.State {
	case domain.StateIdle:
		if s.TrialID != "" && restartRegex.MatchString(message) {
			return e.start(t, s.TrialID, s.FocusLocation)
		}
		t.reply.Message = msgIdle
		return nil
	case domain.StateAwaitingResumeChoice:
		return e.handleResumeChoice(t, message)
	case domain.StateTerminal:
		t.reply.Message = msgTerminal
		if s.Handoff != nil {
			t.reply.Outcome = s.Handoff.Outcome
		}
		return nil
	}

	if s.Prescreening == nil {
		return &domain.DataIntegrityError{Entity: "conversation_state", ID: s.SessionID, Reason: "missing prescreening for state " + string(s.State)}
	}

	switch s.State {
	case domain.StatePrescreeningActive:
		return e.handleAnswer(t, message)
	case domain.StateAwaitingFollowUp:
		return e.handleFollowUp(t, message)
	case domain.StatePrescreeningReview:
		return e.handleReview(t, message)
	case domain.StatePrescreeningComplete:
		if s.Prescreening.Result == nil {
			return e.complete(t)
		}
		return e.handoff(t, "")
	case domain.StateContactCollection:
		return e.continueContact(t, message)
	case domain.StateBooking:
		return e.continueBooking(t, message)
	}
	return &domain.DataIntegrityError{Entity: "conversation_state", ID: s.SessionID, Reason: "unhandled state " + string(s.State)}
}

func (e *Engine) handleResumeChoice(t *turn, message string) error {
	s := t.state
	offer := s.Resume
	if offer == nil {
		return &domain.DataIntegrityError{Entity: "conversation_state", ID: s.SessionID, Reason: "resume choice without offer"}
	}

	switch {
	case restartRegex.MatchString(message):
		id := offer.PrescreeningID
		t.do("abandon_session", func(ctx context.Context) error {
			return e.deps.Sessions.CompleteSession(ctx, id, domain.SESSION_ABANDONED)
		})
		s.Resume = nil
		return e.createSession(t, s.TrialID, s.FocusLocation)

	case abandonRegex.MatchString(message):
		id := offer.PrescreeningID
		t.do("abandon_session", func(ctx context.Context) error {
			return e.deps.Sessions.CompleteSession(ctx, id, domain.SESSION_ABANDONED)
		})
		s.State = domain.StateIdle
		s.Resume = nil
		s.Prescreening = nil
		s.TrialID = ""
		t.reply.Message = msgAbandoned
		t.reply.Outcome = domain.OutcomeAbandoned
		return nil

	case resumeRegex.MatchString(message):
		return e.resume(t, offer)
	}

	if yes, ok := service.ClassifyYesNo(message); ok && yes {
		return e.resume(t, offer)
	}
	t.reply.Message = msgResumeHelp
	return nil
}

// resume continues a session at its first unanswered question. When the
// conversation state was lost the question list is regenerated and stored
// answers are judged again.
func (e *Engine) resume(t *turn, offer *domain.ResumeOffer) error {
	s := t.state
	s.Resume = nil
	if p := s.Prescreening; p != nil && p.PrescreeningID == offer.PrescreeningID {
		s.State = domain.StatePrescreeningActive
		t.reply.Message = msgWelcomeBack + "\n\n" + e.promptFor(t)
		return nil
	}

	criteria, err := e.deps.Criteria.GetRequiredCriteria(t.ctx, s.TrialID)
	if err != nil {
		return unavailable("loading criteria", err)
	}
	answers, err := e.deps.Sessions.ListAnswers(t.ctx, offer.PrescreeningID)
	if err != nil {
		return unavailable("loading answers", err)
	}

	p := &domain.PrescreeningState{
		PrescreeningID: offer.PrescreeningID,
		Criteria:       criteria,
		Questions:      e.deps.Generator.GenerateAll(t.ctx, s.TrialID, criteria),
		Answers:        make(map[string]domain.Answer, len(answers)),
		Verdicts:       make(map[string]domain.CriterionVerdict, len(answers)),
	}
	for _, a := range answers {
		p.Answers[a.CriterionID] = a
	}

	var followUp *domain.FollowUpRequest
	p.CurrentIndex = len(p.Questions)
	for i := range p.Questions {
		q := p.Questions[i]
		first, ok := p.Answers[q.CriterionID]
		if !ok {
			p.CurrentIndex = i
			break
		}
		for _, id := range q.CriterionIDs() {
			c, ok := p.CriterionFor(id)
			if !ok {
				return &domain.DataIntegrityError{Entity: "criterion", ID: id, Reason: "stored answer for unknown criterion"}
			}
			a, ok := p.Answers[id]
			if !ok {
				a = first
				a.CriterionID = id
				p.Answers[id] = a
			}
			v := e.deps.Judge.Judge(t.ctx, c, &q, &a)
			p.Verdicts[id] = v
			if v.FollowUp != nil && followUp == nil {
				followUp = v.FollowUp
			}
		}
	}

	s.Prescreening = p
	s.State = domain.StatePrescreeningActive
	t.logger.WithFields(logrus.Fields{
		"prescreening_id": p.PrescreeningID,
		"current_index":   p.CurrentIndex,
	}).Info("Resumed prescreening from stored answers")

	if followUp != nil {
		e.askFollowUp(t, followUp)
		t.reply.Message = msgWelcomeBack + "\n\n" + t.reply.Message
		return nil
	}
	if p.CurrentIndex >= len(p.Questions) {
		return e.advance(t, false)
	}
	t.reply.Message = msgWelcomeBack + "\n\n" + e.promptFor(t)
	return nil
}

func (e *Engine) handleAnswer(t *turn, message string) error {
	p := t.state.Prescreening
	q := p.CurrentQuestion()
	if q == nil {
		return e.advance(t, false)
	}
	index := p.CurrentIndex
	if p.EditIndex != nil {
		index = *p.EditIndex
	}

	if pending := p.Pending; pending != nil {
		p.Pending = nil
		if pending.QuestionIndex == index {
			if yes, ok := service.ClassifyYesNo(message); ok {
				if yes {
					return e.accept(t, q, pending.Answer)
				}
				t.reply.Message = msgReask + "\n\n" + q.Text
				t.reply.Question = q
				return nil
			}
		}
		// Any other reply is validated as a fresh answer.
	}

	result := e.deps.Validator.Validate(t.ctx, q, message)
	t.do("record_validation", func(context.Context) error {
		e.deps.Observer.AnswerValidated(string(result.Status))
		return nil
	})

	switch result.Status {
	case service.ValidationInvalid:
		t.reply.Message = result.Prompt
		t.reply.Question = q
		return nil
	case service.ValidationNeedsConfirmation:
		p.Pending = &domain.PendingConfirmation{
			QuestionIndex: index,
			Answer:        result.Answer(q, message, e.now().UTC()),
			Prompt:        result.Prompt,
		}
		t.reply.Message = result.Prompt
		return nil
	}
	return e.accept(t, q, result.Answer(q, message, e.now().UTC()))
}

// accept records an answer against every criterion the question covers,
// judges it, and moves the conversation on.
func (e *Engine) accept(t *turn, q *domain.Question, answer domain.Answer) error {
	s := t.state
	p := s.Prescreening
	question := *q
	prescreeningID := p.PrescreeningID

	var followUp *domain.FollowUpRequest
	for _, id := range question.CriterionIDs() {
		c, ok := p.CriterionFor(id)
		if !ok {
			return &domain.DataIntegrityError{Entity: "criterion", ID: id, Reason: "question refers to unknown criterion"}
		}
		a := answer
		a.CriterionID = id
		p.Answers[id] = a
		t.do("append_answer", func(ctx context.Context) error {
			return e.deps.Sessions.AppendAnswer(ctx, prescreeningID, &a)
		})

		v := e.deps.Judge.Judge(t.ctx, c, &question, &a)
		p.Verdicts[id] = v
		if v.FollowUp != nil && followUp == nil {
			followUp = v.FollowUp
		}
	}
	t.do("increment_answered", func(ctx context.Context) error {
		return e.deps.Sessions.IncrementAnsweredCount(ctx, prescreeningID)
	})

	editing := p.EditIndex != nil
	if !editing {
		p.CurrentIndex++
	}

	if followUp != nil {
		e.askFollowUp(t, followUp)
		return nil
	}

	p.EditIndex = nil
	return e.advance(t, editing)
}

// askFollowUp parks the conversation on a follow-up question and hands the
// request to the follow-up sink.
func (e *Engine) askFollowUp(t *turn, req *domain.FollowUpRequest) {
	s := t.state
	s.Prescreening.FollowUp = req
	s.State = domain.StateAwaitingFollowUp
	if e.deps.FollowUps != nil {
		emitted := *req
		sessionID := s.SessionID
		t.do("emit_follow_up", func(ctx context.Context) error {
			return e.deps.FollowUps.RequestFollowUp(ctx, sessionID, emitted)
		})
	}
	t.reply.Message = req.Question
}

func (e *Engine) handleFollowUp(t *turn, message string) error {
	p := t.state.Prescreening
	req := p.FollowUp
	if req == nil {
		return &domain.DataIntegrityError{Entity: "conversation_state", ID: t.state.SessionID, Reason: "follow-up state without request"}
	}
	c, ok := p.CriterionFor(req.CriterionID)
	if !ok {
		return &domain.DataIntegrityError{Entity: "criterion", ID: req.CriterionID, Reason: "follow-up for unknown criterion"}
	}

	p.Verdicts[c.ID] = e.deps.Judge.ResolveFollowUp(c, req, message)
	p.FollowUp = nil
	editing := p.EditIndex != nil
	p.EditIndex = nil
	return e.advance(t, editing)
}

// advance asks the next question, or moves to review or completion once
// every question has been answered.
func (e *Engine) advance(t *turn, fromEdit bool) error {
	p := t.state.Prescreening
	if fromEdit || p.CurrentIndex >= len(p.Questions) {
		if e.cfg.ReviewEnabled {
			t.state.State = domain.StatePrescreeningReview
			t.reply.Message = recap(p)
			return nil
		}
		return e.complete(t)
	}
	t.state.State = domain.StatePrescreeningActive
	t.reply.Message = e.promptFor(t)
	return nil
}

func (e *Engine) handleReview(t *turn, message string) error {
	p := t.state.Prescreening

	if m := editRegex.FindStringSubmatch(message); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(p.Questions) {
			t.reply.Message = fmt.Sprintf(msgEditRange, len(p.Questions))
			return nil
		}
		index := n - 1
		p.EditIndex = &index
		p.Pending = nil
		t.state.State = domain.StatePrescreeningActive
		t.reply.Message = e.promptFor(t)
		return nil
	}

	if confirmRegex.MatchString(message) {
		return e.complete(t)
	}
	if yes, ok := service.ClassifyYesNo(message); ok && yes {
		return e.complete(t)
	}
	t.reply.Message = msgReviewHelp
	return nil
}

// complete aggregates once, persists the result and hands off.
func (e *Engine) complete(t *turn) error {
	s := t.state
	p := s.Prescreening
	if p.Result == nil {
		result := e.deps.Aggregator.Aggregate(s.SessionID, s.TrialID, p.Criteria, p.Verdicts)
		p.Result = result
		id := p.PrescreeningID
		trialID := s.TrialID
		t.do("save_result", func(ctx context.Context) error {
			return e.deps.Sessions.SaveResult(ctx, id, result)
		})
		t.do("complete_session", func(ctx context.Context) error {
			return e.deps.Sessions.CompleteSession(ctx, id, domain.SESSION_COMPLETED)
		})
		t.do("record_session_completed", func(context.Context) error {
			e.deps.Observer.SessionCompleted(trialID, result.OverallStatus)
			return nil
		})
	}
	s.State = domain.StatePrescreeningComplete
	return e.handoff(t, p.Result.Summary)
}

// handoff starts booking when the match is strong and a slot is free at the
// person's location, and contact collection otherwise. Never both. A likely
// ineligible result never books.
func (e *Engine) handoff(t *turn, preface string) error {
	s := t.state
	result := s.Prescreening.Result
	event := domain.HandoffEvent{
		SessionID:     s.SessionID,
		TrialID:       s.TrialID,
		OverallStatus: result.OverallStatus,
		FocusLocation: s.FocusLocation,
	}
	t.reply.Result = result

	next := domain.StateContactCollection
	if e.deps.Booking != nil && result.OverallStatus != domain.LIKELY_INELIGIBLE &&
		result.InclusionRatio() >= e.cfg.StrongMatchRatio {
		available, err := e.deps.Booking.HasAvailableSlot(t.ctx, s.TrialID, s.FocusLocation)
		switch {
		case err != nil:
			t.logger.WithError(err).Warn("Availability check failed, collecting contact details instead")
		case available:
			next = domain.StateBooking
		}
	}

	var (
		reply string
		err   error
	)
	if next == domain.StateBooking {
		reply, err = e.deps.Booking.BeginBooking(t.ctx, event)
		if err != nil {
			t.logger.WithError(err).Warn("Booking hand-off failed, collecting contact details instead")
			next = domain.StateContactCollection
		}
	}
	if next == domain.StateContactCollection {
		reply, err = e.deps.Contact.BeginContactCollection(t.ctx, event)
	}
	if err != nil {
		// Stay in prescreening_complete; the next message retries.
		t.logger.WithError(err).Error("Hand-off failed")
		t.reply.Message = joinMessages(preface, msgHandoffRetry)
		return nil
	}

	s.State = next
	s.Handoff = &domain.HandoffState{Event: event}
	t.logger.WithFields(logrus.Fields{
		"trial_id":       s.TrialID,
		"overall_status": result.OverallStatus,
		"handoff":        next,
	}).Info("Prescreening handed off")
	t.reply.Message = joinMessages(preface, reply)
	return nil
}

func (e *Engine) continueContact(t *turn, message string) error {
	h := t.state.Handoff
	if h == nil {
		return &domain.DataIntegrityError{Entity: "conversation_state", ID: t.state.SessionID, Reason: "contact collection without hand-off"}
	}
	reply, outcome, done, err := e.deps.Contact.ContinueContactCollection(t.ctx, h.Event, message)
	if err != nil {
		return unavailable("contact collection", err)
	}
	t.reply.Message = reply
	if done {
		e.finish(t, outcome)
	}
	return nil
}

func (e *Engine) continueBooking(t *turn, message string) error {
	h := t.state.Handoff
	if h == nil || e.deps.Booking == nil {
		return &domain.DataIntegrityError{Entity: "conversation_state", ID: t.state.SessionID, Reason: "booking without hand-off"}
	}
	reply, outcome, done, err := e.deps.Booking.ContinueBooking(t.ctx, h.Event, message)
	if err != nil {
		return unavailable("booking", err)
	}
	t.reply.Message = reply
	if done {
		e.finish(t, outcome)
	}
	return nil
}

// finish moves to terminal. A likely-ineligible result ends as ineligible
// whatever the contact flow reported.
func (e *Engine) finish(t *turn, outcome domain.TerminalOutcome) {
	s := t.state
	if s.Handoff.Event.OverallStatus == domain.LIKELY_INELIGIBLE {
		outcome = domain.OutcomeIneligible
	}
	s.Handoff.Outcome = outcome
	s.State = domain.StateTerminal
	t.reply.Outcome = outcome
	t.logger.WithFields(logrus.Fields{
		"trial_id": s.TrialID,
		"outcome":  outcome,
	}).Info("Conversation reached terminal state")
}

// promptFor renders the current question with its position.
func (e *Engine) promptFor(t *turn) string {
	s := t.state
	p := s.Prescreening
	switch s.State {
	case domain.StateAwaitingFollowUp:
		if p.FollowUp != nil {
			return p.FollowUp.Question
		}
	case domain.StatePrescreeningReview:
		return recap(p)
	}
	q := p.CurrentQuestion()
	if q == nil {
		return recap(p)
	}
	t.reply.Question = q
	if p.EditIndex != nil {
		return fmt.Sprintf("Question %d: %s", *p.EditIndex+1, q.Text)
	}
	return fmt.Sprintf("Question %d of %d: %s", p.CurrentIndex+1, len(p.Questions), q.Text)
}

func isQuestioning(state domain.StateType) bool {
	switch state {
	case domain.StatePrescreeningActive, domain.StateAwaitingFollowUp, domain.StatePrescreeningReview:
		return true
	}
	return false
}
