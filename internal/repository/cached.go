package repository

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

// CachedCriterionStore memoizes a CriterionStore. Criteria are immutable
// once authored, so entries only leave the cache by size or age.
type CachedCriterionStore struct {
	next    domain.CriterionStore
	byTrial *expirable.LRU[string, []domain.Criterion]
	byID    *expirable.LRU[string, domain.Criterion]
	log     *logrus.Logger
}

// NewCachedCriterionStore wraps next with size-bounded, expiring caches.
func NewCachedCriterionStore(next domain.CriterionStore, size int, ttl time.Duration, logger *logrus.Logger) *CachedCriterionStore {
	if size <= 0 {
		size = 128
	}
	return &CachedCriterionStore{
		next:    next,
		byTrial: expirable.NewLRU[string, []domain.Criterion](size, nil, ttl),
		byID:    expirable.NewLRU[string, domain.Criterion](size*16, nil, ttl),
		log:     logger,
	}
}

// GetRequiredCriteria returns a copy of the cached list.
func (s *CachedCriterionStore) GetRequiredCriteria(ctx context.Context, trialID string) ([]domain.Criterion, error) {
	if cached, ok := s.byTrial.Get(trialID); ok {
		return append([]domain.Criterion(nil), cached...), nil
	}

	criteria, err := s.next.GetRequiredCriteria(ctx, trialID)
	if err != nil {
		return nil, err
	}
	// An empty list is not cached so newly authored trials show up.
	if len(criteria) > 0 {
		s.byTrial.Add(trialID, append([]domain.Criterion(nil), criteria...))
		for _, c := range criteria {
			s.byID.Add(c.ID, c)
		}
		s.log.WithFields(logrus.Fields{
			"trial_id": trialID,
			"count":    len(criteria),
		}).Debug("Cached trial criteria")
	}
	return criteria, nil
}

// GetCriterionByID consults the cache before the wrapped store.
func (s *CachedCriterionStore) GetCriterionByID(ctx context.Context, id string) (*domain.Criterion, error) {
	if c, ok := s.byID.Get(id); ok {
		return &c, nil
	}
	c, err := s.next.GetCriterionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.byID.Add(id, *c)
	return c, nil
}

// Purge drops every cached entry.
func (s *CachedCriterionStore) Purge() {
	s.byTrial.Purge()
	s.byID.Purge()
}
