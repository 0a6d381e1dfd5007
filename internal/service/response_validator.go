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

// ValidationStatus is the outcome of validating one reply.
type ValidationStatus string

const (
	ValidationValid             ValidationStatus = "valid"
	ValidationInvalid           ValidationStatus = "invalid"
	ValidationNeedsConfirmation ValidationStatus = "needs_confirmation"
)

// ValidationResult carries the parsed value for valid and needs_confirmation
// outcomes, and the prompt to send back for invalid and needs_confirmation.
type ValidationResult struct {
	Status         ValidationStatus
	Value          domain.ParsedValue
	Interpretation string
	Confidence     float64
	Prompt         string
	Err            *domain.ValidationError
}

// Answer builds the Answer record for an accepted or confirmed reply.
func (r *ValidationResult) Answer(q *domain.Question, raw string, at time.Time) domain.Answer {
	return domain.Answer{
		CriterionID:    q.CriterionID,
		QuestionText:   q.Text,
		RawResponse:    raw,
		ParsedValue:    r.Value,
		Interpretation: r.Interpretation,
		Confidence:     r.Confidence,
		AnsweredAt:     at,
	}
}

var (
	yesPhrases = []string{
		"yes", "y", "yeah", "yea", "yep", "yup", "sure", "correct", "right", "affirmative",
		"absolutely", "definitely", "of course", "certainly", "indeed", "true", "ok", "okay",
		"i do", "i am", "i have", "i did", "i will", "i would", "i can", "that's right", "that is right",
	}
	noPhrases = []string{
		"no", "n", "nope", "nah", "never", "not", "negative", "none", "false", "no way", "neither",
		"i don't", "i dont", "i do not", "i'm not", "im not", "i am not", "i haven't", "i have not",
		"i didn't", "i did not", "i won't", "i will not", "i wouldn't", "i would not", "i can't",
		"i cannot", "not really", "not at all",
	}
	uncertainPhrases = []string{
		"not sure", "unsure", "maybe", "don't know", "dont know", "do not know", "perhaps",
		"possibly", "no idea", "can't remember", "cannot remember", "don't remember", "not certain",
	}

	replyCleanRegex  = regexp.MustCompile(`[^a-z0-9'\s]+`)
	noneMedsRegex    = regexp.MustCompile(`(?i)\b(none|nothing|n/a|no (medications?|meds|medicines?|drugs?|pills)|not taking any(thing)?|(don't|do not|dont) take any(thing)?)\b`)
	medLeadRegex     = regexp.MustCompile(`(?i)^(yes[,.]?\s*)?(i take|i'm taking|i am taking|i'm on|i am on|taking|currently taking|i use)\s+`)
	medSplitRegex    = regexp.MustCompile(`\s*(?:,|;|/|\n|\band\b|\bplus\b|&)\s*`)
	isoDateRegex     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDateRegex = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{4}|\d{2})\b`)
	monthFirstRegex  = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	dayFirstRegex    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:of\s+)?(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
	monthIndex       = map[string]time.Month{"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6, "jul": 7, "aug": 8, "sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12}
)

// Example formats shown with corrective prompts.
const (
	exampleYesNo      = `"yes" or "no"`
	exampleNumber     = `"3"`
	exampleAge        = `"45"`
	exampleBody       = `5'8", 160 lbs (or 173 cm, 73 kg)`
	exampleMedication = `"metformin, lisinopril" or "none"`
	exampleDate       = `"03/15/2021" or "March 15, 2021"`
)

// ResponseValidator interprets free-text replies against a question's
// expected answer type.
type ResponseValidator struct {
	logger    *logrus.Logger
	extractor *EntityExtractor
	now       func() time.Time
}

// NewResponseValidator creates a validator. extractor may be nil, in which
// case only deterministic parsing is used.
func NewResponseValidator(logger *logrus.Logger, extractor *EntityExtractor) *ResponseValidator {
	return &ResponseValidator{
		logger:    logger,
		extractor: extractor,
		now:       time.Now,
	}
}

// Validate interprets raw as a reply to q.
func (v *ResponseValidator) Validate(ctx context.Context, q *domain.Question, raw string) ValidationResult {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("response", "I didn't catch an answer.", exampleFor(q))
	}

	var result ValidationResult
	switch q.AnswerType {
	case domain.ANSWER_YES_NO:
		result = v.validateYesNo(raw)
	case domain.ANSWER_NUMBER:
		result = v.validateNumber(q, raw)
	case domain.ANSWER_DATE:
		result = v.validateDate(raw)
	default:
		switch q.EvaluationHint {
		case HintBMI:
			result = v.validateBody(ctx, raw)
		case HintMedication, HintWashout:
			result = v.validateMedications(ctx, raw)
		default:
			result = ValidationResult{
				Status:         ValidationValid,
				Value:          domain.ParsedValue{Kind: domain.ANSWER_TEXT, Text: raw},
				Interpretation: raw,
				Confidence:     0.7,
			}
		}
	}

	v.logger.WithFields(logrus.Fields{
		"criterion_id": q.CriterionID,
		"answer_type":  q.AnswerType,
		"hint":         q.EvaluationHint,
		"status":       result.Status,
	}).Debug("Validated response")
	return result
}

// ClassifyYesNo maps a reply to yes or no. ok is false for anything else,
// including uncertain replies such as "not sure".
func ClassifyYesNo(raw string) (answer bool, ok bool) {
	text := strings.ToLower(strings.TrimSpace(raw))
	text = replyCleanRegex.ReplaceAllString(text, " ")
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return false, false
	}
	for _, p := range uncertainPhrases {
		if strings.Contains(text, p) {
			return false, false
		}
	}
	yes := longestPrefix(text, yesPhrases)
	no := longestPrefix(text, noPhrases)
	switch {
	case yes == 0 && no == 0:
		return false, false
	case no > yes:
		return false, true
	case yes > no:
		return true, true
	default:
		return false, false
	}
}

func longestPrefix(text string, phrases []string) int {
	best := 0
	for _, p := range phrases {
		if (text == p || strings.HasPrefix(text, p+" ")) && len(p) > best {
			best = len(p)
		}
	}
	return best
}

func (v *ResponseValidator) validateYesNo(raw string) ValidationResult {
	answer, ok := ClassifyYesNo(raw)
	if !ok {
		return invalid("yes_no", "Please answer yes or no.", exampleYesNo)
	}
	interp := "no"
	if answer {
		interp = "yes"
	}
	return ValidationResult{
		Status:         ValidationValid,
		Value:          domain.ParsedValue{Kind: domain.ANSWER_YES_NO, Bool: domain.BoolPtr(answer)},
		Interpretation: interp,
		Confidence:     0.95,
	}
}

func (v *ResponseValidator) validateNumber(q *domain.Question, raw string) ValidationResult {
	n, ok := parseNumber(raw)
	if !ok {
		example := exampleNumber
		if q.EvaluationHint == HintAge {
			example = exampleAge
		}
		return invalid("number", "I need a number for this question.", example)
	}

	result := ValidationResult{
		Status:         ValidationValid,
		Value:          domain.ParsedValue{Kind: domain.ANSWER_NUMBER, Number: domain.FloatPtr(n)},
		Interpretation: formatNumber(n),
		Confidence:     0.95,
	}

	switch {
	case q.EvaluationHint == HintAge && (n < 1 || n > 120):
		result.Status = ValidationNeedsConfirmation
		result.Prompt = fmt.Sprintf("Just to confirm, you are %s years old. Is that correct?", formatNumber(n))
	case q.EvaluationHint == HintCount && n > 1000:
		result.Status = ValidationNeedsConfirmation
		result.Prompt = fmt.Sprintf("Just to confirm, the number is %s. Is that correct?", formatNumber(n))
	case n < 0:
		result.Status = ValidationNeedsConfirmation
		result.Prompt = fmt.Sprintf("Just to confirm, the value is %s (a negative number). Is that correct?", formatNumber(n))
	}
	return result
}

func (v *ResponseValidator) validateBody(ctx context.Context, raw string) ValidationResult {
	reading := parseBodyMeasures(raw)
	if !reading.complete() && v.extractor != nil {
		reading = v.extractor.FillBodyMeasures(ctx, raw, reading)
	}

	switch {
	case reading.HeightM == 0 && reading.WeightKg == 0:
		return invalid("height_weight", "Please tell me your height and weight.", exampleBody)
	case reading.HeightM == 0:
		return invalid("height", "Thanks. Could you also tell me your height?", exampleBody)
	case reading.WeightKg == 0:
		return invalid("weight", "Thanks. Could you also tell me your weight?", exampleBody)
	}

	bmi := ComputeBMI(reading.HeightM, reading.WeightKg)
	value := domain.ParsedValue{
		Kind: domain.ANSWER_TEXT,
		Text: raw,
		Body: &domain.BodyMeasures{HeightM: reading.HeightM, WeightKg: reading.WeightKg, BMI: bmi},
	}
	result := ValidationResult{
		Status:         ValidationValid,
		Value:          value,
		Interpretation: describeBody(reading.HeightM, reading.WeightKg, bmi),
		Confidence:     0.9,
	}
	if ok, _ := plausibleBody(reading.HeightM, reading.WeightKg, bmi); !ok {
		result.Status = ValidationNeedsConfirmation
		result.Prompt = fmt.Sprintf("Just to confirm, I have you at %s. Is that correct?", result.Interpretation)
	}
	return result
}

func (v *ResponseValidator) validateMedications(ctx context.Context, raw string) ValidationResult {
	if noneMedsRegex.MatchString(raw) {
		return noMedications()
	}
	if answer, ok := ClassifyYesNo(raw); ok && len(strings.Fields(raw)) <= 2 {
		if !answer {
			return noMedications()
		}
		return ValidationResult{
			Status:         ValidationValid,
			Value:          domain.ParsedValue{Kind: domain.ANSWER_TEXT, Text: raw, Bool: domain.BoolPtr(true)},
			Interpretation: "taking medication (names not given)",
			Confidence:     0.5,
		}
	}

	if known := findKnownDrugs(raw); len(known) > 0 {
		return medicationsResult(raw, known, 0.9)
	}

	if v.extractor != nil {
		if names := v.extractor.ExtractMedications(ctx, raw); len(names) > 0 {
			return medicationsResult(raw, names, 0.75)
		}
	}

	names := splitMedicationList(raw)
	if len(names) == 0 {
		return invalid("medications", "Please list the medications you take, or say none.", exampleMedication)
	}
	return medicationsResult(raw, names, 0.6)
}

func noMedications() ValidationResult {
	return ValidationResult{
		Status:         ValidationValid,
		Value:          domain.ParsedValue{Kind: domain.ANSWER_TEXT, Bool: domain.BoolPtr(false), NoMedications: true},
		Interpretation: "no medications",
		Confidence:     0.95,
	}
}

func medicationsResult(raw string, names []string, confidence float64) ValidationResult {
	return ValidationResult{
		Status: ValidationValid,
		Value: domain.ParsedValue{
			Kind:        domain.ANSWER_TEXT,
			Text:        raw,
			Bool:        domain.BoolPtr(true),
			Medications: names,
		},
		Interpretation: "taking " + strings.Join(names, ", "),
		Confidence:     confidence,
	}
}

// splitMedicationList accepts user-provided names verbatim.
func splitMedicationList(raw string) []string {
	text := medLeadRegex.ReplaceAllString(strings.TrimSpace(raw), "")
	var out []string
	for _, part := range medSplitRegex.Split(text, -1) {
		part = strings.Trim(strings.TrimSpace(part), ".!")
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func (v *ResponseValidator) validateDate(raw string) ValidationResult {
	d, ok := parseDate(raw)
	if !ok {
		return invalid("date", "Please give the full date, including day, month and year.", exampleDate)
	}
	if d.After(v.now()) {
		return invalid("date", "That date is in the future. Please check it and try again.", exampleDate)
	}
	return ValidationResult{
		Status:         ValidationValid,
		Value:          domain.ParsedValue{Kind: domain.ANSWER_DATE, Date: &d},
		Interpretation: d.Format("January 2, 2006"),
		Confidence:     0.95,
	}
}

// parseDate requires a day, month and year. Numeric dates are read as
// month/day/year unless the first field cannot be a month.
func parseDate(raw string) (time.Time, bool) {
	text := strings.ToLower(raw)

	if m := isoDateRegex.FindStringSubmatch(text); m != nil {
		return buildDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := monthFirstRegex.FindStringSubmatch(text); m != nil {
		return buildDate(atoi(m[3]), int(monthIndex[strings.ToLower(m[1])]), atoi(m[2]))
	}
	if m := dayFirstRegex.FindStringSubmatch(text); m != nil {
		return buildDate(atoi(m[3]), int(monthIndex[strings.ToLower(m[2])]), atoi(m[1]))
	}
	if m := numericDateRegex.FindStringSubmatch(text); m != nil {
		first, second, year := atoi(m[1]), atoi(m[2]), atoi(m[3])
		if year < 100 {
			year += 2000
			if year > time.Now().Year() {
				year -= 100
			}
		}
		if first > 12 {
			return buildDate(year, second, first)
		}
		return buildDate(year, first, second)
	}
	return time.Time{}, false
}

func buildDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1900 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

func atoi(s string) int {
	return int(atof(s))
}

func invalid(field, message, example string) ValidationResult {
	verr := domain.NewValidationError(field, message, example)
	return ValidationResult{
		Status: ValidationInvalid,
		Prompt: domain.UserMessage(verr),
		Err:    verr,
	}
}

func exampleFor(q *domain.Question) string {
	switch q.AnswerType {
	case domain.ANSWER_YES_NO:
		return exampleYesNo
	case domain.ANSWER_NUMBER:
		if q.EvaluationHint == HintAge {
			return exampleAge
		}
		return exampleNumber
	case domain.ANSWER_DATE:
		return exampleDate
	}
	switch q.EvaluationHint {
	case HintBMI:
		return exampleBody
	case HintMedication, HintWashout:
		return exampleMedication
	}
	return ""
}
