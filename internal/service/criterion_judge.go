package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

// Judge stages recorded on verdicts.
const (
	MethodNumeric  = "numeric_rule"
	MethodBMI      = "bmi_rule"
	MethodWashout  = "medication_washout"
	MethodBinary   = "binary"
	MethodNL       = "nl_fallback"
	MethodFollowUp = "follow_up"
	MethodNone     = "unresolved"
)

var (
	unwillingRegex = regexp.MustCompile(`(?i)\b(not willing|unwilling|can't stop|cannot stop|can not stop|won't stop|will not stop|wouldn't stop|would not stop|don't want to stop|do not want to stop|need to keep|have to keep|not able to stop|unable to stop)\b`)
	willingRegex   = regexp.MustCompile(`(?i)\b(willing|can stop|could stop|happy to stop|able to stop|would stop|will stop|ok to stop|okay to stop|fine to stop|can pause|could pause|already stopped|no longer taking)\b`)
	obesityRegex   = regexp.MustCompile(`(?i)\bobes\w*`)
)

var nlVerdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"eligible":    map[string]any{"type": "boolean"},
		"confidence":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"explanation": map[string]any{"type": "string"},
	},
	"required": []any{"eligible", "confidence", "explanation"},
}

// minNLConfidence is the lowest service confidence accepted as a verdict.
const minNLConfidence = 0.5

// CriterionJudge decides whether one answer satisfies one criterion. It
// tries deterministic rules first and falls back to the NL service.
type CriterionJudge struct {
	logger  *logrus.Logger
	nl      domain.NLService
	timeout time.Duration
	now     func() time.Time
}

// NewCriterionJudge creates a judge. nl may be nil, in which case answers no
// deterministic rule covers are marked for review.
func NewCriterionJudge(logger *logrus.Logger, nl domain.NLService, timeout time.Duration) *CriterionJudge {
	return &CriterionJudge{
		logger:  logger,
		nl:      nl,
		timeout: timeout,
		now:     time.Now,
	}
}

// Judge evaluates answer against criterion. It never returns an error; any
// failure is reported as a needs_review verdict with an explanation.
func (j *CriterionJudge) Judge(ctx context.Context, c *domain.Criterion, q *domain.Question, a *domain.Answer) domain.CriterionVerdict {
	text := normalizeCriterionText(c.Text)
	hint := ""
	if q != nil {
		hint = q.EvaluationHint
	}

	stages := []func() (domain.CriterionVerdict, bool){
		func() (domain.CriterionVerdict, bool) { return j.judgeNumeric(c, text, a) },
		func() (domain.CriterionVerdict, bool) { return j.judgeBMI(c, text, a) },
		func() (domain.CriterionVerdict, bool) { return j.judgeMedication(c, text, hint, a) },
		func() (domain.CriterionVerdict, bool) { return j.judgeBinary(c, a) },
	}
	for _, stage := range stages {
		if v, ok := stage(); ok {
			j.logVerdict(c, v)
			return v
		}
	}

	v := j.judgeWithNL(ctx, c, a)
	j.logVerdict(c, v)
	return v
}

func (j *CriterionJudge) logVerdict(c *domain.Criterion, v domain.CriterionVerdict) {
	j.logger.WithFields(logrus.Fields{
		"criterion_id": c.ID,
		"kind":         c.Kind,
		"method":       v.Method,
		"status":       v.Status,
	}).Debug("Judged criterion")
}

// judgeNumeric handles number answers and date answers against a threshold
// or range parsed from the criterion. Dates are compared as time elapsed.
func (j *CriterionJudge) judgeNumeric(c *domain.Criterion, text string, a *domain.Answer) (domain.CriterionVerdict, bool) {
	pv := a.ParsedValue
	if pv.Number == nil && pv.Date == nil {
		return domain.CriterionVerdict{}, false
	}
	rule, ok := ParseNumericRule(text)
	if !ok {
		return domain.CriterionVerdict{}, false
	}

	var (
		value    float64
		observed string
	)
	if pv.Number != nil {
		value = *pv.Number
		observed = formatNumber(value)
	} else {
		unit := rule.Unit
		if unit == "" {
			unit = "month"
		}
		value = ElapsedIn(*pv.Date, j.now(), unit)
		observed = fmt.Sprintf("%.1f %ss since %s", value, unit, pv.Date.Format("Jan 2006"))
	}

	inRange := rule.Contains(value)
	explanation := fmt.Sprintf("Reported %s; criterion requires %s", observed, rule)
	if c.Kind == domain.EXCLUSION {
		explanation = fmt.Sprintf("Reported %s; exclusion applies when %s", observed, rule)
	}
	return decide(c, inRange, explanation, a.Confidence, MethodNumeric), true
}

// judgeBMI compares a parsed height/weight against the body-size threshold
// in the criterion. The threshold's unit decides what it measures: kg/m² or a
// BMI mention compares BMI, kg/lb compares weight, cm/m/in/ft compares
// height. A criterion that only says "obese" is read as BMI ≥ 30.
func (j *CriterionJudge) judgeBMI(c *domain.Criterion, text string, a *domain.Answer) (domain.CriterionVerdict, bool) {
	body := a.ParsedValue.Body
	if body == nil || body.BMI <= 0 {
		return domain.CriterionVerdict{}, false
	}
	rule, ok := ParseNumericRule(text)
	if !ok {
		if !obesityRegex.MatchString(text) {
			return domain.CriterionVerdict{}, false
		}
		rule = &NumericRule{Min: domain.FloatPtr(30), MinInclusive: true}
	}

	m, ok := bodyMeasureFor(text)
	if !ok {
		return domain.CriterionVerdict{}, false
	}
	value := m.value(body)
	if value <= 0 {
		return domain.CriterionVerdict{}, false
	}

	inRange := rule.Contains(value)
	explanation := fmt.Sprintf("%s %.1f%s; criterion requires %s%s", m.label, value, m.suffix, rule, m.suffix)
	return decide(c, inRange, explanation, a.Confidence, MethodBMI), true
}

// bodyMeasure is the quantity a body-size threshold is stated in.
type bodyMeasure struct {
	label  string
	suffix string
	value  func(*domain.BodyMeasures) float64
}

var (
	weightUnitRegex = regexp.MustCompile(`(?i)\d\s*(?:kgs?|kilograms?|kilos?|lbs?|pounds?)\b`)
	poundUnitRegex  = regexp.MustCompile(`(?i)\d\s*(?:lbs?|pounds?)\b`)
	heightUnitRegex = regexp.MustCompile(`(?i)\d\s*(cm|centimet(?:er|re)s?|m|met(?:er|re)s?|in|inch(?:es)?|ft|feet|foot)\b`)
	weightWordRegex = regexp.MustCompile(`(?i)\b(?:weight|weighs?|weighing)\b`)
	heightWordRegex = regexp.MustCompile(`(?i)\b(?:height|tall)\b`)
)

func bodyMeasureFor(text string) (bodyMeasure, bool) {
	bmi := bodyMeasure{label: "BMI", value: func(b *domain.BodyMeasures) float64 { return b.BMI }}
	switch {
	case bmiStrongRegex.MatchString(text) || obesityRegex.MatchString(text):
		return bmi, true
	case poundUnitRegex.MatchString(text):
		return bodyMeasure{label: "Weight", suffix: " lbs", value: func(b *domain.BodyMeasures) float64 {
			return b.WeightKg / kgPerPound
		}}, true
	case weightUnitRegex.MatchString(text):
		return bodyMeasure{label: "Weight", suffix: " kg", value: func(b *domain.BodyMeasures) float64 {
			return b.WeightKg
		}}, true
	}
	if m := heightUnitRegex.FindStringSubmatch(text); m != nil {
		unit := strings.ToLower(m[1])
		switch {
		case strings.HasPrefix(unit, "c"):
			return bodyMeasure{label: "Height", suffix: " cm", value: func(b *domain.BodyMeasures) float64 { return b.HeightM * 100 }}, true
		case unit == "m" || strings.HasPrefix(unit, "met"):
			return bodyMeasure{label: "Height", suffix: " m", value: func(b *domain.BodyMeasures) float64 { return b.HeightM }}, true
		case strings.HasPrefix(unit, "f"):
			return bodyMeasure{label: "Height", suffix: " ft", value: func(b *domain.BodyMeasures) float64 { return b.HeightM / metersPerInch / 12 }}, true
		default:
			return bodyMeasure{label: "Height", suffix: " in", value: func(b *domain.BodyMeasures) float64 { return b.HeightM / metersPerInch }}, true
		}
	}
	// A unitless threshold next to "weight" or "height" is ambiguous.
	if weightWordRegex.MatchString(text) || heightWordRegex.MatchString(text) {
		return bodyMeasure{}, false
	}
	return bmi, true
}

// judgeMedication checks the named drugs against the drugs the criterion
// refers to. A match on a washout criterion depends on willingness to stop;
// when the reply does not say, a follow-up is requested.
func (j *CriterionJudge) judgeMedication(c *domain.Criterion, text, hint string, a *domain.Answer) (domain.CriterionVerdict, bool) {
	pv := a.ParsedValue
	isMedAnswer := hint == HintMedication || hint == HintWashout || pv.NoMedications || len(pv.Medications) > 0
	if !isMedAnswer {
		return domain.CriterionVerdict{}, false
	}

	relevant := relevantDrugs(text)
	washout := hint == HintWashout || isWashoutCriterion(text)

	if pv.NoMedications || (pv.Bool != nil && !*pv.Bool && len(pv.Medications) == 0) {
		return decide(c, false, "Reported taking no medications", a.Confidence, MethodWashout), true
	}

	if len(pv.Medications) == 0 {
		// Said yes without naming anything.
		if washout && len(relevant) > 0 {
			return followUp(c, relevant, washoutPeriod(text)), true
		}
		return domain.CriterionVerdict{}, false
	}
	if len(relevant) == 0 {
		return domain.CriterionVerdict{}, false
	}

	matched := intersect(pv.Medications, relevant)
	if len(matched) == 0 {
		explanation := fmt.Sprintf("Reported %s, none of which are covered by this criterion", strings.Join(pv.Medications, ", "))
		return decide(c, false, explanation, a.Confidence, MethodWashout), true
	}
	if !washout {
		explanation := fmt.Sprintf("Reported taking %s", strings.Join(matched, ", "))
		return decide(c, true, explanation, a.Confidence, MethodWashout), true
	}

	switch {
	case unwillingRegex.MatchString(a.RawResponse):
		return washoutVerdict(c, matched, false, a.Confidence, MethodWashout), true
	case willingRegex.MatchString(a.RawResponse):
		return washoutVerdict(c, matched, true, a.Confidence, MethodWashout), true
	default:
		return followUp(c, matched, washoutPeriod(text)), true
	}
}

// judgeBinary maps a yes/no answer directly: inclusion is met by yes and
// exclusion passes on no.
func (j *CriterionJudge) judgeBinary(c *domain.Criterion, a *domain.Answer) (domain.CriterionVerdict, bool) {
	pv := a.ParsedValue
	if pv.Kind != domain.ANSWER_YES_NO || pv.Bool == nil {
		return domain.CriterionVerdict{}, false
	}
	said := "no"
	if *pv.Bool {
		said = "yes"
	}
	explanation := fmt.Sprintf("Answered %s", said)
	return decide(c, *pv.Bool, explanation, a.Confidence, MethodBinary), true
}

func (j *CriterionJudge) judgeWithNL(ctx context.Context, c *domain.Criterion, a *domain.Answer) domain.CriterionVerdict {
	if j.nl == nil {
		return needsReview(c, "No rule could evaluate this answer automatically")
	}

	prompt := fmt.Sprintf(
		"You are screening a person for a clinical trial.\n"+
			"Criterion (%s): %s\n"+
			"Question asked: %s\n"+
			"Person's reply: %s\n\n"+
			"Decide whether the person is eligible with respect to this criterion. "+
			"For an exclusion criterion, eligible means the exclusion does not apply. "+
			"Respond with JSON: {\"eligible\": bool, \"confidence\": 0..1, \"explanation\": string}.",
		c.Kind, c.Text, a.QuestionText, a.RawResponse)

	out, err := j.nl.ExtractStructured(ctx, prompt, nlVerdictSchema, j.timeout)
	if err != nil {
		j.logger.WithFields(logrus.Fields{"criterion_id": c.ID}).WithError(err).Warn("NL judgment failed")
		return needsReview(c, "Automatic review was unavailable; the study team will review this answer")
	}

	eligible, ok := out["eligible"].(bool)
	if !ok {
		return needsReview(c, "Automatic review returned no decision")
	}
	confidence, _ := numberField(out, "confidence")
	explanation, _ := out["explanation"].(string)
	if explanation == "" {
		explanation = "Judged by automatic review"
	}
	if confidence < minNLConfidence {
		v := needsReview(c, fmt.Sprintf("Low-confidence automatic review: %s", explanation))
		v.Confidence = confidence
		return v
	}

	status := domain.VERDICT_NOT_MET
	if eligible {
		status = domain.VERDICT_MET
	}
	return domain.CriterionVerdict{
		CriterionID: c.ID,
		Kind:        c.Kind,
		Required:    c.Required,
		Eligible:    domain.BoolPtr(eligible),
		Status:      status,
		Explanation: explanation,
		Confidence:  confidence,
		Method:      MethodNL,
	}
}

// ResolveFollowUp judges the reply to a washout follow-up exactly once.
// Anything other than a clear willing or unwilling reply ends in review.
func (j *CriterionJudge) ResolveFollowUp(c *domain.Criterion, req *domain.FollowUpRequest, reply string) domain.CriterionVerdict {
	var v domain.CriterionVerdict
	switch {
	case unwillingRegex.MatchString(reply):
		v = washoutVerdict(c, req.MedicationNames, false, 0.9, MethodFollowUp)
	case willingRegex.MatchString(reply):
		v = washoutVerdict(c, req.MedicationNames, true, 0.9, MethodFollowUp)
	default:
		if yes, ok := ClassifyYesNo(reply); ok {
			v = washoutVerdict(c, req.MedicationNames, yes, 0.85, MethodFollowUp)
		} else {
			v = needsReview(c, fmt.Sprintf("Unclear whether %s can be stopped", joinOr(req.MedicationNames)))
			v.Method = MethodFollowUp
		}
	}
	j.logVerdict(c, v)
	return v
}

// decide converts "the criterion's condition holds" into a verdict.
// Exclusions pass when their condition does not hold.
func decide(c *domain.Criterion, holds bool, explanation string, confidence float64, method string) domain.CriterionVerdict {
	eligible := holds
	if c.Kind == domain.EXCLUSION {
		eligible = !holds
	}
	status := domain.VERDICT_NOT_MET
	if eligible {
		status = domain.VERDICT_MET
	}
	if confidence == 0 {
		confidence = 0.9
	}
	return domain.CriterionVerdict{
		CriterionID: c.ID,
		Kind:        c.Kind,
		Required:    c.Required,
		Eligible:    domain.BoolPtr(eligible),
		Status:      status,
		Explanation: explanation,
		Confidence:  confidence,
		Method:      method,
	}
}

// washoutVerdict does not depend on kind: willingness to stop satisfies
// both a washout exclusion and a "willing to discontinue" inclusion.
func washoutVerdict(c *domain.Criterion, meds []string, willing bool, confidence float64, method string) domain.CriterionVerdict {
	status := domain.VERDICT_NOT_MET
	explanation := fmt.Sprintf("Takes %s and is not willing to stop", joinOr(meds))
	if willing {
		status = domain.VERDICT_MET
		explanation = fmt.Sprintf("Takes %s and is willing to stop for the washout period", joinOr(meds))
	}
	return domain.CriterionVerdict{
		CriterionID: c.ID,
		Kind:        c.Kind,
		Required:    c.Required,
		Eligible:    domain.BoolPtr(willing),
		Status:      status,
		Explanation: explanation,
		Confidence:  confidence,
		Method:      method,
	}
}

func followUp(c *domain.Criterion, meds []string, period string) domain.CriterionVerdict {
	question := fmt.Sprintf("Would you be willing to stop taking %s before the study begins?", joinOr(meds))
	if period != "" {
		question = fmt.Sprintf("Would you be willing to stop taking %s for at least %s before the study begins?", joinOr(meds), period)
	}
	return domain.CriterionVerdict{
		CriterionID: c.ID,
		Kind:        c.Kind,
		Required:    c.Required,
		Status:      domain.VERDICT_NEEDS_FOLLOW_UP,
		Explanation: fmt.Sprintf("Takes %s; willingness to stop is unknown", joinOr(meds)),
		Confidence:  0.5,
		Method:      MethodWashout,
		FollowUp: &domain.FollowUpRequest{
			CriterionID:     c.ID,
			MedicationNames: meds,
			WashoutPeriod:   period,
			Question:        question,
		},
	}
}

func needsReview(c *domain.Criterion, explanation string) domain.CriterionVerdict {
	return domain.CriterionVerdict{
		CriterionID: c.ID,
		Kind:        c.Kind,
		Required:    c.Required,
		Status:      domain.VERDICT_NEEDS_REVIEW,
		Explanation: explanation,
		Method:      MethodNone,
	}
}

func intersect(have, want []string) []string {
	set := make(map[string]bool, len(want))
	for _, w := range want {
		set[w] = true
	}
	var out []string
	for _, h := range have {
		if set[strings.ToLower(h)] {
			out = append(out, strings.ToLower(h))
		}
	}
	return out
}
