package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

// EligibilityAggregator combines per-criterion verdicts into one overall
// status. It is pure apart from logging and ID/time generation.
type EligibilityAggregator struct {
	logger         *logrus.Logger
	potentialRatio float64
	now            func() time.Time
}

// NewEligibilityAggregator creates an aggregator. potentialRatio is the share
// of criteria that must be met (passed, for exclusions) for
// potentially_eligible; open verdicts count in the total only.
func NewEligibilityAggregator(logger *logrus.Logger, potentialRatio float64) *EligibilityAggregator {
	if potentialRatio <= 0 || potentialRatio > 1 {
		potentialRatio = domain.DefaultPrescreeningConfig().PotentialRatio
	}
	return &EligibilityAggregator{
		logger:         logger,
		potentialRatio: potentialRatio,
		now:            time.Now,
	}
}

// Aggregate computes the result for a completed session. Verdicts are keyed
// by criterion ID; a criterion without a verdict counts as needing review.
func (a *EligibilityAggregator) Aggregate(sessionID, trialID string, criteria []domain.Criterion, verdicts map[string]domain.CriterionVerdict) *domain.EligibilityResult {
	result := &domain.EligibilityResult{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		TrialID:   trialID,
		Verdicts:  make([]domain.CriterionVerdict, 0, len(criteria)),
		CreatedAt: a.now(),
	}

	for i := range criteria {
		c := &criteria[i]
		v, ok := verdicts[c.ID]
		if !ok {
			v = needsReview(c, "No answer was recorded for this criterion")
		}
		if c.Kind == domain.INCLUSION {
			result.InclusionTotal++
			if v.IsMet() {
				result.InclusionMet++
			}
		} else {
			result.ExclusionTotal++
			if v.IsMet() {
				result.ExclusionMet++
			}
		}
		result.Verdicts = append(result.Verdicts, v)
	}

	result.OverallStatus = a.decide(result.Verdicts)
	result.Summary = Summarize(result, criteria)

	a.logger.WithFields(logrus.Fields{
		"session_id":      sessionID,
		"trial_id":        trialID,
		"overall_status":  result.OverallStatus,
		"inclusion_met":   result.InclusionMet,
		"inclusion_total": result.InclusionTotal,
		"exclusion_met":   result.ExclusionMet,
		"exclusion_total": result.ExclusionTotal,
	}).Info("Aggregated eligibility")
	return result
}

// Decide applies the aggregation rule to a verdict list.
func (a *EligibilityAggregator) Decide(verdicts []domain.CriterionVerdict) domain.OverallStatus {
	return a.decide(verdicts)
}

func (a *EligibilityAggregator) decide(verdicts []domain.CriterionVerdict) domain.OverallStatus {
	if len(verdicts) == 0 {
		return domain.NEEDS_REVIEW
	}

	met := 0
	requiredFailed := false
	for i := range verdicts {
		v := &verdicts[i]
		switch {
		case v.IsMet():
			met++
		case v.IsFailed() && v.Required:
			requiredFailed = true
		}
	}

	total := len(verdicts)
	if met == total {
		return domain.LIKELY_ELIGIBLE
	}
	if float64(met)/float64(total) >= a.potentialRatio {
		return domain.POTENTIALLY_ELIGIBLE
	}
	if requiredFailed {
		return domain.LIKELY_INELIGIBLE
	}
	return domain.NEEDS_REVIEW
}

// Summarize renders the person-facing result text: a headline, one line per
// criterion and a next-steps sentence.
func Summarize(r *domain.EligibilityResult, criteria []domain.Criterion) string {
	byID := make(map[string]*domain.Criterion, len(criteria))
	for i := range criteria {
		byID[criteria[i].ID] = &criteria[i]
	}

	var b strings.Builder
	b.WriteString(r.OverallStatus.Description())
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Inclusion criteria met: %d of %d. Exclusion criteria passed: %d of %d.\n",
		r.InclusionMet, r.InclusionTotal, r.ExclusionMet, r.ExclusionTotal)

	for i, v := range r.Verdicts {
		label := v.CriterionID
		if c, ok := byID[v.CriterionID]; ok {
			label = c.Text
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, verdictMark(&v), label, v.Explanation)
	}
	b.WriteString(NextSteps(r.OverallStatus))
	return b.String()
}

func verdictMark(v *domain.CriterionVerdict) string {
	switch {
	case v.IsMet():
		return "ok"
	case v.IsFailed():
		return "not met"
	default:
		return "review"
	}
}

// NextSteps returns the closing sentence for a status.
func NextSteps(status domain.OverallStatus) string {
	switch status {
	case domain.LIKELY_ELIGIBLE:
		return "Next step: we'd like to connect you with the study team to schedule a screening visit."
	case domain.POTENTIALLY_ELIGIBLE:
		return "Next step: the study team will review your answers and contact you to confirm eligibility."
	case domain.LIKELY_INELIGIBLE:
		return "Next step: you can leave your contact details to hear about other studies that may be a better fit."
	default:
		return "Next step: a member of the study team will review your answers with you."
	}
}
