package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

// categoryPriority ranks criterion categories when sort keys tie. Unknown
// categories sort after all known ones.
var categoryPriority = map[string]int{
	"demographics":    0,
	"diagnosis":       1,
	"measurements":    2,
	"labs":            3,
	"medications":     4,
	"medical_history": 5,
	"reproductive":    6,
	"procedures":      7,
	"study_logistics": 8,
	"consent":         9,
}

func categoryRank(category string) int {
	if rank, ok := categoryPriority[strings.ToLower(strings.TrimSpace(category))]; ok {
		return rank
	}
	return len(categoryPriority)
}

// SortCriteria orders criteria by sort key, then exclusion before inclusion,
// then category priority, then id.
func SortCriteria(criteria []domain.Criterion) {
	sort.SliceStable(criteria, func(i, j int) bool {
		a, b := criteria[i], criteria[j]
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		if a.Kind != b.Kind {
			return a.Kind == domain.EXCLUSION
		}
		if ra, rb := categoryRank(a.Category), categoryRank(b.Category); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
}

// CriterionRepository reads eligibility criteria from PostgreSQL.
type CriterionRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewCriterionRepository creates a new criterion repository
func NewCriterionRepository(db *pgxpool.Pool, logger *logrus.Logger) *CriterionRepository {
	return &CriterionRepository{
		db:  db,
		log: logger,
	}
}

const criterionColumns = `id, trial_id, kind, category, free_text, required, sort_key`

func scanCriterion(row pgx.Row) (domain.Criterion, error) {
	var (
		c    domain.Criterion
		kind string
	)
	if err := row.Scan(&c.ID, &c.TrialID, &kind, &c.Category, &c.Text, &c.Required, &c.SortKey); err != nil {
		return c, err
	}
	c.Kind = domain.CriterionKind(kind)
	if !c.Kind.IsValid() {
		return c, &domain.DataIntegrityError{Entity: "criterion", ID: c.ID, Reason: "unknown kind " + kind}
	}
	return c, nil
}

// GetRequiredCriteria returns every criterion of a trial in asking order.
func (r *CriterionRepository) GetRequiredCriteria(ctx context.Context, trialID string) ([]domain.Criterion, error) {
	query := `
		SELECT ` + criterionColumns + `
		FROM eligibility_criteria
		WHERE trial_id = $1
		ORDER BY sort_key, id`

	rows, err := r.db.Query(ctx, query, trialID)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"trial_id": trialID,
			"error":    err,
		}).Error("Failed to query criteria")
		return nil, fmt.Errorf("getting criteria for trial: %w", err)
	}
	defer rows.Close()

	var criteria []domain.Criterion
	for rows.Next() {
		c, err := scanCriterion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning criterion row: %w", err)
		}
		criteria = append(criteria, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating criterion rows: %w", err)
	}

	SortCriteria(criteria)

	r.log.WithFields(logrus.Fields{
		"trial_id": trialID,
		"count":    len(criteria),
	}).Debug("Criteria loaded")
	return criteria, nil
}

// GetCriterionByID retrieves one criterion.
func (r *CriterionRepository) GetCriterionByID(ctx context.Context, id string) (*domain.Criterion, error) {
	query := `
		SELECT ` + criterionColumns + `
		FROM eligibility_criteria
		WHERE id = $1`

	c, err := scanCriterion(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("criterion %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting criterion by ID: %w", err)
	}
	return &c, nil
}

// Create inserts a criterion. Used for seeding trials.
func (r *CriterionRepository) Create(ctx context.Context, c *domain.Criterion) error {
	if !c.Kind.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCriterionKind, c.Kind)
	}

	query := `
		INSERT INTO eligibility_criteria (` + criterionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := r.db.Exec(ctx, query, c.ID, c.TrialID, string(c.Kind), c.Category, c.Text, c.Required, c.SortKey); err != nil {
		r.log.WithFields(logrus.Fields{
			"criterion_id": c.ID,
			"trial_id":     c.TrialID,
			"error":        err,
		}).Error("Failed to create criterion")
		return fmt.Errorf("creating criterion: %w", err)
	}
	return nil
}
