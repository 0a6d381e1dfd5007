package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

// FileCriterionStore serves criteria loaded from a JSON file holding an
// array of criteria.
type FileCriterionStore struct {
	byTrial map[string][]domain.Criterion
	byID    map[string]domain.Criterion
}

// LoadCriteriaFile reads and validates a criteria file.
func LoadCriteriaFile(path string, logger *logrus.Logger) (*FileCriterionStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading criteria file: %w", err)
	}

	var criteria []domain.Criterion
	if err := json.Unmarshal(data, &criteria); err != nil {
		return nil, fmt.Errorf("parsing criteria file: %w", err)
	}

	store, err := NewFileCriterionStore(criteria)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path":     path,
		"trials":   len(store.byTrial),
		"criteria": len(store.byID),
	}).Info("Criteria file loaded")
	return store, nil
}

// NewFileCriterionStore indexes criteria held in memory.
func NewFileCriterionStore(criteria []domain.Criterion) (*FileCriterionStore, error) {
	store := &FileCriterionStore{
		byTrial: make(map[string][]domain.Criterion),
		byID:    make(map[string]domain.Criterion, len(criteria)),
	}
	for _, c := range criteria {
		switch {
		case c.ID == "" || c.TrialID == "":
			return nil, fmt.Errorf("criterion %q: id and trial_id are required", c.ID)
		case !c.Kind.IsValid():
			return nil, fmt.Errorf("criterion %s: %w: %q", c.ID, domain.ErrInvalidCriterionKind, c.Kind)
		}
		if _, dup := store.byID[c.ID]; dup {
			return nil, fmt.Errorf("criterion %s: duplicate id", c.ID)
		}
		store.byID[c.ID] = c
		store.byTrial[c.TrialID] = append(store.byTrial[c.TrialID], c)
	}
	for _, list := range store.byTrial {
		SortCriteria(list)
	}
	return store, nil
}

// GetRequiredCriteria returns a copy of the trial's criteria.
func (s *FileCriterionStore) GetRequiredCriteria(_ context.Context, trialID string) ([]domain.Criterion, error) {
	return append([]domain.Criterion(nil), s.byTrial[trialID]...), nil
}

// GetCriterionByID returns ErrNotFound for unknown ids.
func (s *FileCriterionStore) GetCriterionByID(_ context.Context, id string) (*domain.Criterion, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("criterion %s: %w", id, domain.ErrNotFound)
	}
	return &c, nil
}

// TrialIDs lists the trials in the file.
func (s *FileCriterionStore) TrialIDs() []string {
	ids := make([]string, 0, len(s.byTrial))
	for id := range s.byTrial {
		ids = append(ids, id)
	}
	return ids
}
