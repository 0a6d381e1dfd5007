// Package sessionstore persists prescreening sessions, answers and results
// in SQLite or PostgreSQL.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

// sqlStore holds the queries shared by both backends. Queries are written
// with '?' placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	log      *logrus.Logger
	numbered bool
	isUnique func(error) bool
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sessionColumns = `id, session_id, trial_id, status, started_at, completed_at, total_questions, answered_questions`

func scanSession(row scanner) (*domain.PrescreeningSession, error) {
	var (
		ps        domain.PrescreeningSession
		status    string
		completed sql.NullTime
	)
	if err := row.Scan(&ps.ID, &ps.SessionID, &ps.TrialID, &status, &ps.StartedAt, &completed,
		&ps.TotalQuestions, &ps.AnsweredQuestions); err != nil {
		return nil, err
	}
	ps.Status = domain.SessionStatus(status)
	if !ps.Status.IsValid() {
		return nil, &domain.DataIntegrityError{Entity: "prescreening_session", ID: ps.ID, Reason: "unknown status " + status}
	}
	if completed.Valid {
		t := completed.Time
		ps.CompletedAt = &t
	}
	return &ps, nil
}

// CreateSession inserts a new in-progress session.
func (s *sqlStore) CreateSession(ctx context.Context, ps *domain.PrescreeningSession) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO prescreening_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), ps.ID, ps.SessionID, ps.TrialID, string(ps.Status), ps.StartedAt.UTC(), nullTime(ps.CompletedAt),
		ps.TotalQuestions, ps.AnsweredQuestions)
	if err != nil {
		if s.isUnique(err) {
			return fmt.Errorf("%w: session %s trial %s", domain.ErrSessionExists, ps.SessionID, ps.TrialID)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"prescreening_id": ps.ID,
		"session_id":      ps.SessionID,
		"trial_id":        ps.TrialID,
	}).Debug("Prescreening session created")
	return nil
}

// GetLatestSession returns the most recently started session.
func (s *sqlStore) GetLatestSession(ctx context.Context, sessionID, trialID string) (*domain.PrescreeningSession, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+sessionColumns+`
		FROM prescreening_sessions
		WHERE session_id = ? AND (? = '' OR trial_id = ?)
		ORDER BY started_at DESC
		LIMIT 1
	`), sessionID, trialID, trialID)

	ps, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return ps, nil
}

// AppendAnswer stores or replaces the answer to one criterion.
func (s *sqlStore) AppendAnswer(ctx context.Context, prescreeningID string, a *domain.Answer) error {
	parsed, err := json.Marshal(a.ParsedValue)
	if err != nil {
		return fmt.Errorf("encoding parsed value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO prescreening_answers (
			prescreening_id, criterion_id, question_text, raw_response,
			parsed_value, interpretation, confidence, answered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (prescreening_id, criterion_id) DO UPDATE SET
			question_text = EXCLUDED.question_text,
			raw_response = EXCLUDED.raw_response,
			parsed_value = EXCLUDED.parsed_value,
			interpretation = EXCLUDED.interpretation,
			confidence = EXCLUDED.confidence,
			answered_at = EXCLUDED.answered_at
	`), prescreeningID, a.CriterionID, a.QuestionText, a.RawResponse, string(parsed),
		a.Interpretation, a.Confidence, a.AnsweredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store answer: %w", err)
	}
	return nil
}

// ListAnswers returns the stored answers in the order they were given.
func (s *sqlStore) ListAnswers(ctx context.Context, prescreeningID string) ([]domain.Answer, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT criterion_id, question_text, raw_response, parsed_value,
			interpretation, confidence, answered_at
		FROM prescreening_answers
		WHERE prescreening_id = ?
		ORDER BY answered_at, criterion_id
	`), prescreeningID)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()

	var answers []domain.Answer
	for rows.Next() {
		var (
			a      domain.Answer
			parsed []byte
		)
		if err := rows.Scan(&a.CriterionID, &a.QuestionText, &a.RawResponse, &parsed,
			&a.Interpretation, &a.Confidence, &a.AnsweredAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		if err := json.Unmarshal(parsed, &a.ParsedValue); err != nil {
			return nil, &domain.DataIntegrityError{Entity: "prescreening_answer", ID: a.CriterionID, Reason: err.Error()}
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// IncrementAnsweredCount recomputes the count from stored answers so a
// retried write cannot count twice.
func (s *sqlStore) IncrementAnsweredCount(ctx context.Context, prescreeningID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE prescreening_sessions
		SET answered_questions = (
			SELECT COUNT(*) FROM prescreening_answers WHERE prescreening_id = ?
		)
		WHERE id = ?
	`), prescreeningID, prescreeningID)
	if err != nil {
		return fmt.Errorf("failed to update answered count: %w", err)
	}
	return requireRow(res, prescreeningID)
}

// CompleteSession moves an in-progress session to status. Finishing an
// already finished session is a no-op.
func (s *sqlStore) CompleteSession(ctx context.Context, prescreeningID string, status domain.SessionStatus) error {
	if status == domain.SESSION_IN_PROGRESS || !status.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidSessionStatus, status)
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE prescreening_sessions
		SET status = ?, completed_at = ?
		WHERE id = ? AND status = 'in_progress'
	`), string(status), time.Now().UTC(), prescreeningID)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM prescreening_sessions WHERE id = ?`), prescreeningID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// SaveResult stores the result once; a second save keeps the first.
func (s *sqlStore) SaveResult(ctx context.Context, prescreeningID string, r *domain.EligibilityResult) error {
	verdicts, err := json.Marshal(r.Verdicts)
	if err != nil {
		return fmt.Errorf("encoding verdicts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO eligibility_results (
			id, prescreening_id, session_id, trial_id, overall_status,
			inclusion_met, inclusion_total, exclusion_met, exclusion_total,
			verdicts, summary_text, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (prescreening_id) DO NOTHING
	`), r.ID, prescreeningID, r.SessionID, r.TrialID, string(r.OverallStatus),
		r.InclusionMet, r.InclusionTotal, r.ExclusionMet, r.ExclusionTotal,
		string(verdicts), r.Summary, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// GetResult returns the stored result of a session.
func (s *sqlStore) GetResult(ctx context.Context, prescreeningID string) (*domain.EligibilityResult, error) {
	var (
		r        domain.EligibilityResult
		status   string
		verdicts []byte
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, session_id, trial_id, overall_status,
			inclusion_met, inclusion_total, exclusion_met, exclusion_total,
			verdicts, summary_text, created_at
		FROM eligibility_results
		WHERE prescreening_id = ?
	`), prescreeningID).Scan(&r.ID, &r.SessionID, &r.TrialID, &status,
		&r.InclusionMet, &r.InclusionTotal, &r.ExclusionMet, &r.ExclusionTotal,
		&verdicts, &r.Summary, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan result: %w", err)
	}

	r.OverallStatus = domain.OverallStatus(status)
	if !r.OverallStatus.IsValid() {
		return nil, &domain.DataIntegrityError{Entity: "eligibility_result", ID: r.ID, Reason: "unknown status " + status}
	}
	if err := json.Unmarshal(verdicts, &r.Verdicts); err != nil {
		return nil, &domain.DataIntegrityError{Entity: "eligibility_result", ID: r.ID, Reason: err.Error()}
	}
	return &r, nil
}

// Health pings the database.
func (s *sqlStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
