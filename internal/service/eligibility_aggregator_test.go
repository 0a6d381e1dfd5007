package service

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-prescreen-server/internal/domain"
)

type outcome int

const (
	met outcome = iota
	failed
	open
)

// eightCriteria returns 5 inclusion and 3 exclusion criteria.
func eightCriteria() []domain.Criterion {
	var criteria []domain.Criterion
	for i := 1; i <= 5; i++ {
		criteria = append(criteria, criterion(fmt.Sprintf("inc-%d", i), domain.INCLUSION, fmt.Sprintf("Inclusion %d", i)))
	}
	for i := 1; i <= 3; i++ {
		criteria = append(criteria, criterion(fmt.Sprintf("exc-%d", i), domain.EXCLUSION, fmt.Sprintf("Exclusion %d", i)))
	}
	return criteria
}

func verdictsFor(criteria []domain.Criterion, outcomes map[string]outcome) map[string]domain.CriterionVerdict {
	verdicts := make(map[string]domain.CriterionVerdict, len(criteria))
	for i := range criteria {
		c := &criteria[i]
		switch outcomes[c.ID] {
		case met:
			verdicts[c.ID] = decide(c, c.Kind == domain.INCLUSION, "ok", 0.9, MethodBinary)
		case failed:
			verdicts[c.ID] = decide(c, c.Kind == domain.EXCLUSION, "failed", 0.9, MethodBinary)
		case open:
			verdicts[c.ID] = needsReview(c, "review")
		}
	}
	return verdicts
}

func TestEligibilityAggregator_FullSessionScenarios(t *testing.T) {
	agg := NewEligibilityAggregator(quietLogger(), domain.DefaultPrescreeningConfig().PotentialRatio)
	criteria := eightCriteria()

	t.Run("All_Met_Is_Likely_Eligible", func(t *testing.T) {
		result := agg.Aggregate("s1", "trial-1", criteria, verdictsFor(criteria, nil))
		assert.Equal(t, domain.LIKELY_ELIGIBLE, result.OverallStatus)
		assert.Equal(t, 5, result.InclusionMet)
		assert.Equal(t, 5, result.InclusionTotal)
		assert.Equal(t, 3, result.ExclusionMet)
		assert.Equal(t, 3, result.ExclusionTotal)
		assert.Len(t, result.Verdicts, 8)
		assert.NotEmpty(t, result.ID)
	})

	t.Run("Six_Of_Eight_Is_Potentially_Eligible", func(t *testing.T) {
		result := agg.Aggregate("s1", "trial-1", criteria, verdictsFor(criteria, map[string]outcome{
			"inc-5": open,
			"exc-3": open,
		}))
		assert.Equal(t, domain.POTENTIALLY_ELIGIBLE, result.OverallStatus)
		assert.Equal(t, 4, result.InclusionMet)
		assert.Equal(t, 2, result.ExclusionMet)
	})

	t.Run("Five_Of_Eight_With_Required_Failure_Is_Likely_Ineligible", func(t *testing.T) {
		result := agg.Aggregate("s1", "trial-1", criteria, verdictsFor(criteria, map[string]outcome{
			"inc-1": failed,
			"inc-2": failed,
			"exc-1": failed,
		}))
		assert.Equal(t, domain.LIKELY_INELIGIBLE, result.OverallStatus)
		assert.Equal(t, 3, result.InclusionMet)
		assert.Equal(t, 2, result.ExclusionMet)
	})

	t.Run("Five_Met_Two_Open_With_Required_Failure_Is_Likely_Ineligible", func(t *testing.T) {
		result := agg.Aggregate("s1", "trial-1", criteria, verdictsFor(criteria, map[string]outcome{
			"inc-1": failed,
			"inc-5": open,
			"exc-3": open,
		}))
		assert.Equal(t, domain.LIKELY_INELIGIBLE, result.OverallStatus)
		assert.Equal(t, 3, result.InclusionMet)
		assert.Equal(t, 2, result.ExclusionMet)
	})

	t.Run("All_Open_Needs_Review", func(t *testing.T) {
		outcomes := make(map[string]outcome, len(criteria))
		for _, c := range criteria {
			outcomes[c.ID] = open
		}
		result := agg.Aggregate("s1", "trial-1", criteria, verdictsFor(criteria, outcomes))
		assert.Equal(t, domain.NEEDS_REVIEW, result.OverallStatus)
		assert.Zero(t, result.InclusionMet)
		assert.Zero(t, result.ExclusionMet)
	})

	t.Run("Open_Verdicts_Do_Not_Count_As_Met", func(t *testing.T) {
		// 5 met, 3 open and nothing failed stays below the ratio.
		result := agg.Aggregate("s1", "trial-1", criteria, verdictsFor(criteria, map[string]outcome{
			"inc-4": open,
			"inc-5": open,
			"exc-3": open,
		}))
		assert.Equal(t, domain.NEEDS_REVIEW, result.OverallStatus)
	})

	t.Run("Failures_On_Optional_Criteria_Need_Review", func(t *testing.T) {
		optional := eightCriteria()
		for i := range optional {
			optional[i].Required = false
		}
		result := agg.Aggregate("s1", "trial-1", optional, verdictsFor(optional, map[string]outcome{
			"inc-1": failed,
			"inc-2": failed,
			"exc-1": failed,
		}))
		assert.Equal(t, domain.NEEDS_REVIEW, result.OverallStatus)
	})

	t.Run("Missing_Verdict_Counts_As_Review", func(t *testing.T) {
		verdicts := verdictsFor(criteria, nil)
		delete(verdicts, "exc-2")
		result := agg.Aggregate("s1", "trial-1", criteria, verdicts)
		assert.Equal(t, domain.POTENTIALLY_ELIGIBLE, result.OverallStatus)
		assert.Equal(t, domain.VERDICT_NEEDS_REVIEW, result.Verdicts[6].Status)
	})

	t.Run("No_Criteria_Needs_Review", func(t *testing.T) {
		result := agg.Aggregate("s1", "trial-1", nil, nil)
		assert.Equal(t, domain.NEEDS_REVIEW, result.OverallStatus)
	})
}

func TestEligibilityAggregator_Monotonic(t *testing.T) {
	agg := NewEligibilityAggregator(quietLogger(), 0.8)
	criteria := eightCriteria()[:4]
	criteria[0].Required = false
	criteria[3].Required = false

	// Every assignment of met/failed/open to four criteria.
	var assignments []map[string]outcome
	var walk func(i int, cur map[string]outcome)
	walk = func(i int, cur map[string]outcome) {
		if i == len(criteria) {
			cp := make(map[string]outcome, len(cur))
			for k, v := range cur {
				cp[k] = v
			}
			assignments = append(assignments, cp)
			return
		}
		for _, o := range []outcome{met, failed, open} {
			cur[criteria[i].ID] = o
			walk(i+1, cur)
		}
	}
	walk(0, map[string]outcome{})
	require.Len(t, assignments, 81)

	for _, before := range assignments {
		base := agg.Aggregate("s", "t", criteria, verdictsFor(criteria, before)).OverallStatus
		for id, o := range before {
			if o != failed {
				continue
			}
			after := make(map[string]outcome, len(before))
			for k, v := range before {
				after[k] = v
			}
			after[id] = met

			improved := agg.Aggregate("s", "t", criteria, verdictsFor(criteria, after)).OverallStatus
			assert.GreaterOrEqual(t, improved.Rank(), base.Rank(),
				"%v -> %v moved %s to %s", before, after, base, improved)
		}
	}
}

func TestEligibilityAggregator_RatioThreshold(t *testing.T) {
	criteria := eightCriteria()
	sixOfEight := verdictsFor(criteria, map[string]outcome{"inc-5": open, "exc-3": open})

	strict := NewEligibilityAggregator(quietLogger(), 0.8)
	assert.Equal(t, domain.NEEDS_REVIEW, strict.Aggregate("s", "t", criteria, sixOfEight).OverallStatus)

	fallback := NewEligibilityAggregator(quietLogger(), 0)
	assert.Equal(t, domain.POTENTIALLY_ELIGIBLE, fallback.Aggregate("s", "t", criteria, sixOfEight).OverallStatus)
}

func TestSummarize(t *testing.T) {
	agg := NewEligibilityAggregator(quietLogger(), 0.8)
	criteria := eightCriteria()
	result := agg.Aggregate("s1", "trial-1", criteria, verdictsFor(criteria, map[string]outcome{"inc-1": failed}))

	assert.Contains(t, result.Summary, "Inclusion criteria met: 4 of 5")
	assert.Contains(t, result.Summary, "Exclusion criteria passed: 3 of 3")
	assert.Contains(t, result.Summary, "1. [not met] Inclusion 1: failed")
	assert.Contains(t, result.Summary, NextSteps(result.OverallStatus))
}
