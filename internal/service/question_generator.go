package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

// Evaluation hints attached to generated questions. The validator and the
// judge use them to pick a parser and an evaluation path.
const (
	HintAge         = "age"
	HintBMI         = "bmi"
	HintMedication  = "medication"
	HintWashout     = "medication_washout"
	HintLab         = "lab"
	HintTimeWindow  = "time_window"
	HintVaccination = "vaccination"
	HintConsent     = "consent"
	HintContracept  = "contraception"
	HintPregnancy   = "pregnancy"
	HintCount       = "count"
	HintOnsetDate   = "onset_date"
	HintDiagnosis   = "diagnosis"
	HintGeneral     = "general"
)

var (
	ageRegex           = regexp.MustCompile(`(?i)\b(age[ds]?|years? of age|years? old)\b`)
	childbearingRegex  = regexp.MustCompile(`(?i)child-?bearing`)
	bmiStrongRegex     = regexp.MustCompile(`(?i)\b(bmi|body mass index)\b|kg/m`)
	bodySizeRegex      = regexp.MustCompile(`(?i)\b(weight|height|obes\w*|overweight)\b`)
	labRegex           = regexp.MustCompile(`(?i)\b(hba1c|a1c|hemoglobin a1c|egfr|creatinine|hemoglobin|ldl|hdl|cholesterol|triglycerides|alt|ast|platelets?|glucose|systolic blood pressure|diastolic blood pressure|blood pressure|tsh|psa)\b`)
	timeWindowRegex    = regexp.MustCompile(`(?i)\b(?:within|in|during)\s+(?:the\s+)?(?:past|last|previous|prior)?\s*(\d+|one|two|three|four|five|six|twelve)\s+(days?|weeks?|months?|years?)(?:\s+(?:prior to|before)\s+(?:screening|enrollment|randomization|the study))?`)
	vaccinationRegex   = regexp.MustCompile(`(?i)\b(vaccin\w*|immuni[sz]\w*)\b`)
	receivedRegex      = regexp.MustCompile(`(?i)^(receipt of|received|receiving|has received|have received)\s+`)
	consentRegex       = regexp.MustCompile(`(?i)\bconsent\b`)
	contraceptionRegex = regexp.MustCompile(`(?i)\b(contracepti\w*|birth control)\b`)
	pregnancyRegex     = regexp.MustCompile(`(?i)\b(pregnan\w*|nursing|breast-?feeding|lactating)\b`)
	countPerRegex      = regexp.MustCompile(`[≥≤<>]\s*\d+(?:\.\d+)?\s+([a-z][a-z -]*?)\s+(?:per|a|each|every)\s+(day|week|month|year)\b`)
	countPlainRegex    = regexp.MustCompile(`[≥≤<>]\s*\d+(?:\.\d+)?\s+([a-z][a-z -]*)$`)
	onsetRegex         = regexp.MustCompile(`(?i)^(?:.*?\b)?diagnos\w*\s+(?:with\s+|of\s+)?(.+?)\s+(?:for\s+)?(?:at least|≥|more than|>|for over|for)\s*\d+\s*(?:months?|years?)`)
	diagnosisRegex     = regexp.MustCompile(`(?i)\b(diagnos\w*|history of|confirmed|documented|known)\b`)
	diagnosisLeadRegex = regexp.MustCompile(`(?i)^(a\s+)?((clinical|confirmed|documented|known)\s+)*((diagnosis\s+of|diagnosed\s+with)\s+)?`)
	passiveVerbRegex   = regexp.MustCompile(`(?i)^(hospitali[sz]ed|admitted|diagnosed|treated|vaccinated|immuni[sz]ed|enrolled)\b`)
	pastVerbRegex      = regexp.MustCompile(`(?i)^(\w+ed|had|taken|undergone|been|given|seen|done|received)\b`)
)

var labDisplayNames = map[string]string{
	"hba1c": "HbA1c", "a1c": "HbA1c", "hemoglobin a1c": "HbA1c", "egfr": "eGFR",
	"creatinine": "creatinine", "hemoglobin": "hemoglobin", "ldl": "LDL cholesterol",
	"hdl": "HDL cholesterol", "cholesterol": "cholesterol", "triglycerides": "triglycerides",
	"alt": "ALT", "ast": "AST", "platelet": "platelet count", "platelets": "platelet count",
	"glucose": "blood glucose", "systolic blood pressure": "systolic blood pressure",
	"diastolic blood pressure": "diastolic blood pressure", "blood pressure": "blood pressure",
	"tsh": "TSH", "psa": "PSA",
}

var countUnitWords = map[string]bool{
	"day": true, "days": true, "week": true, "weeks": true, "month": true, "months": true,
	"year": true, "years": true, "kg": true, "mg": true, "mmhg": true, "percent": true, "lbs": true,
}

// questionDraft is the raw output of a rule before post-validation.
type questionDraft struct {
	text       string
	answerType domain.AnswerType
	hint       string
}

// QuestionRule pairs a matcher with a template. Rules are tried in order and
// the first match wins.
type QuestionRule struct {
	Name    string
	Matches func(text string, c *domain.Criterion) bool
	Build   func(text string, c *domain.Criterion) questionDraft
}

// QuestionGenerator turns criteria into questions using an ordered rule table
// that always ends with a fallback template.
type QuestionGenerator struct {
	logger *logrus.Logger
	rules  []QuestionRule
	memo   *lru.Cache[string, []domain.Question]
}

// NewQuestionGenerator creates a generator. memoSize bounds the per-trial
// question list cache; zero disables it.
func NewQuestionGenerator(logger *logrus.Logger, memoSize int) *QuestionGenerator {
	g := &QuestionGenerator{logger: logger}
	g.rules = defaultQuestionRules()
	if memoSize > 0 {
		cache, err := lru.New[string, []domain.Question](memoSize)
		if err == nil {
			g.memo = cache
		}
	}
	return g
}

// Rules returns the rule table in evaluation order.
func (g *QuestionGenerator) Rules() []QuestionRule {
	return g.rules
}

// Generate derives one question from one criterion. It never fails.
func (g *QuestionGenerator) Generate(c *domain.Criterion) domain.Question {
	text := normalizeCriterionText(c.Text)

	for _, rule := range g.rules {
		if !rule.Matches(text, c) {
			continue
		}
		draft := rule.Build(text, c)
		q, err := g.finalize(c, rule.Name, draft)
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"criterion_id": c.ID,
				"rule":         rule.Name,
			}).WithError(err).Warn("Generated question failed validation, trying next rule")
			continue
		}
		return q
	}

	// The fallback rule matches everything, so this is only reached when its
	// own output failed validation.
	g.logger.WithField("criterion_id", c.ID).Error("All question rules failed validation")
	return domain.Question{
		CriterionID:    c.ID,
		Text:           "Does this statement apply to you?",
		AnswerType:     domain.ANSWER_YES_NO,
		EvaluationHint: HintGeneral,
		Rule:           "fallback",
	}
}

// GenerateAll derives the ordered question list for a trial. Criteria whose
// question text is byte-identical to an earlier one are folded into that
// question, so no question is asked twice.
func (g *QuestionGenerator) GenerateAll(ctx context.Context, trialID string, criteria []domain.Criterion) []domain.Question {
	key := memoKey(trialID, criteria)
	if g.memo != nil {
		if cached, ok := g.memo.Get(key); ok {
			return cloneQuestions(cached)
		}
	}

	questions := make([]domain.Question, 0, len(criteria))
	index := make(map[string]int, len(criteria))
	for i := range criteria {
		if ctx.Err() != nil {
			break
		}
		q := g.Generate(&criteria[i])
		if at, dup := index[q.Text]; dup {
			questions[at].AlsoApplies = append(questions[at].AlsoApplies, q.CriterionID)
			g.logger.WithFields(logrus.Fields{
				"trial_id":     trialID,
				"criterion_id": q.CriterionID,
				"duplicate_of": questions[at].CriterionID,
			}).Debug("Dropped duplicate question")
			continue
		}
		index[q.Text] = len(questions)
		questions = append(questions, q)
	}

	g.logger.WithFields(logrus.Fields{
		"trial_id":       trialID,
		"criteria_count": len(criteria),
		"question_count": len(questions),
	}).Info("Generated prescreening questions")

	if g.memo != nil && ctx.Err() == nil {
		g.memo.Add(key, cloneQuestions(questions))
	}
	return questions
}

// finalize applies post-generation checks and corrects the answer type from
// the question's surface form.
func (g *QuestionGenerator) finalize(c *domain.Criterion, ruleName string, d questionDraft) (domain.Question, error) {
	text := finishQuestion(d.text)
	if !strings.HasSuffix(text, "?") || len(text) < 4 {
		return domain.Question{}, fmt.Errorf("%w: question %q is not a question", domain.ErrGenerationFailure, text)
	}
	if hasDuplicateAdjacentWords(text) {
		return domain.Question{}, fmt.Errorf("%w: question %q repeats a word", domain.ErrGenerationFailure, text)
	}

	answerType := d.answerType
	if cue, ok := surfaceAnswerType(text); ok && cue != answerType {
		g.logger.WithFields(logrus.Fields{
			"criterion_id": c.ID,
			"rule":         ruleName,
			"declared":     answerType,
			"surface":      cue,
		}).Debug("Corrected answer type from question wording")
		answerType = cue
	}

	return domain.Question{
		CriterionID:    c.ID,
		Text:           text,
		AnswerType:     answerType,
		EvaluationHint: d.hint,
		Rule:           ruleName,
	}, nil
}

var (
	numberCuePrefixes = []string{"how many", "how much", "how old", "how often", "what is your age", "what was your most recent", "what is your most recent"}
	dateCuePrefixes   = []string{"when ", "on what date", "what date"}
	textCuePrefixes   = []string{"what ", "which "}
	yesNoCuePrefixes  = []string{"do ", "does ", "did ", "are ", "is ", "have ", "has ", "were ", "was ", "will ", "would ", "can ", "could "}
	yesNoInlineCues   = []string{", have you ", ", did you ", ", were you ", ", are you ", ", do you "}
)

// surfaceAnswerType infers the answer type implied by a question's wording.
func surfaceAnswerType(q string) (domain.AnswerType, bool) {
	lower := strings.ToLower(q)
	for _, p := range numberCuePrefixes {
		if strings.HasPrefix(lower, p) {
			return domain.ANSWER_NUMBER, true
		}
	}
	for _, p := range dateCuePrefixes {
		if strings.HasPrefix(lower, p) {
			return domain.ANSWER_DATE, true
		}
	}
	for _, p := range textCuePrefixes {
		if strings.HasPrefix(lower, p) {
			return domain.ANSWER_TEXT, true
		}
	}
	for _, p := range yesNoCuePrefixes {
		if strings.HasPrefix(lower, p) {
			return domain.ANSWER_YES_NO, true
		}
	}
	for _, p := range yesNoInlineCues {
		if strings.Contains(lower, p) {
			return domain.ANSWER_YES_NO, true
		}
	}
	return "", false
}

func defaultQuestionRules() []QuestionRule {
	return []QuestionRule{
		{
			Name: "age",
			Matches: func(t string, _ *domain.Criterion) bool {
				return ageRegex.MatchString(t) && !childbearingRegex.MatchString(t)
			},
			Build: func(string, *domain.Criterion) questionDraft {
				return questionDraft{"What is your age?", domain.ANSWER_NUMBER, HintAge}
			},
		},
		{
			Name: "bmi",
			Matches: func(t string, _ *domain.Criterion) bool {
				return bmiStrongRegex.MatchString(t) || (bodySizeRegex.MatchString(t) && !isMedicationCriterion(t))
			},
			Build: func(string, *domain.Criterion) questionDraft {
				return questionDraft{"What is your current height and weight?", domain.ANSWER_TEXT, HintBMI}
			},
		},
		{
			Name: "medication",
			Matches: func(t string, _ *domain.Criterion) bool {
				return isMedicationCriterion(t) && !vaccinationRegex.MatchString(t)
			},
			Build: buildMedicationQuestion,
		},
		{
			Name: "lab_value",
			Matches: func(t string, _ *domain.Criterion) bool {
				if !labRegex.MatchString(t) {
					return false
				}
				_, ok := ParseNumericRule(t)
				return ok
			},
			Build: func(t string, _ *domain.Criterion) questionDraft {
				name := strings.ToLower(labRegex.FindString(t))
				display, ok := labDisplayNames[name]
				if !ok {
					display = name
				}
				return questionDraft{
					fmt.Sprintf("What was your most recent %s result?", display),
					domain.ANSWER_NUMBER,
					HintLab,
				}
			},
		},
		{
			Name:    "time_window",
			Matches: func(t string, _ *domain.Criterion) bool { return timeWindowRegex.MatchString(t) },
			Build:   buildTimeWindowQuestion,
		},
		{
			Name:    "vaccination",
			Matches: func(t string, _ *domain.Criterion) bool { return vaccinationRegex.MatchString(t) },
			Build: func(t string, _ *domain.Criterion) questionDraft {
				phrase := receivedRegex.ReplaceAllString(conditionPhrase(t), "")
				return questionDraft{
					fmt.Sprintf("Have you received %s?", phrase),
					domain.ANSWER_YES_NO,
					HintVaccination,
				}
			},
		},
		{
			Name:    "consent",
			Matches: func(t string, _ *domain.Criterion) bool { return consentRegex.MatchString(t) },
			Build: func(string, *domain.Criterion) questionDraft {
				return questionDraft{"Are you willing and able to provide written informed consent?", domain.ANSWER_YES_NO, HintConsent}
			},
		},
		{
			Name:    "contraception",
			Matches: func(t string, _ *domain.Criterion) bool { return contraceptionRegex.MatchString(t) },
			Build: func(string, *domain.Criterion) questionDraft {
				return questionDraft{
					"Are you willing to use an effective method of birth control for the duration of the study?",
					domain.ANSWER_YES_NO,
					HintContracept,
				}
			},
		},
		{
			Name:    "pregnancy",
			Matches: func(t string, _ *domain.Criterion) bool { return pregnancyRegex.MatchString(t) },
			Build: func(string, *domain.Criterion) questionDraft {
				return questionDraft{
					"Are you currently pregnant or breastfeeding, or planning to become pregnant during the study?",
					domain.ANSWER_YES_NO,
					HintPregnancy,
				}
			},
		},
		{
			Name:    "count",
			Matches: func(t string, _ *domain.Criterion) bool { _, ok := countQuestion(t); return ok },
			Build: func(t string, _ *domain.Criterion) questionDraft {
				q, _ := countQuestion(t)
				return questionDraft{q, domain.ANSWER_NUMBER, HintCount}
			},
		},
		{
			Name:    "onset_date",
			Matches: func(t string, _ *domain.Criterion) bool { return onsetRegex.MatchString(rewriteComparators(t)) },
			Build: func(t string, _ *domain.Criterion) questionDraft {
				m := onsetRegex.FindStringSubmatch(rewriteComparators(t))
				return questionDraft{
					fmt.Sprintf("When were you first diagnosed with %s?", strings.TrimSpace(m[1])),
					domain.ANSWER_DATE,
					HintOnsetDate,
				}
			},
		},
		{
			Name:    "diagnosis",
			Matches: func(t string, _ *domain.Criterion) bool { return diagnosisRegex.MatchString(t) },
			Build: func(t string, _ *domain.Criterion) questionDraft {
				phrase := diagnosisLeadRegex.ReplaceAllString(conditionPhrase(t), "")
				return questionDraft{
					fmt.Sprintf("Have you ever been diagnosed with %s?", phrase),
					domain.ANSWER_YES_NO,
					HintDiagnosis,
				}
			},
		},
		{
			Name:    "fallback",
			Matches: func(string, *domain.Criterion) bool { return true },
			Build: func(t string, _ *domain.Criterion) questionDraft {
				if t == "" {
					return questionDraft{"Does this statement apply to you?", domain.ANSWER_YES_NO, HintGeneral}
				}
				return questionDraft{
					fmt.Sprintf("Does the following apply to you: %s?", lowerFirst(t)),
					domain.ANSWER_YES_NO,
					HintGeneral,
				}
			},
		},
	}
}

// buildMedicationQuestion branches on whether the criterion names specific
// drugs or only a drug class, in which case examples are injected.
func buildMedicationQuestion(t string, _ *domain.Criterion) questionDraft {
	hint := HintMedication
	if isWashoutCriterion(t) {
		hint = HintWashout
	}

	if drugs := findKnownDrugs(t); len(drugs) > 0 {
		return questionDraft{
			fmt.Sprintf("Which of these medications are you currently taking, if any: %s?", joinOr(drugs)),
			domain.ANSWER_TEXT,
			hint,
		}
	}
	if classes := findDrugClasses(t); len(classes) > 0 {
		dc := classes[0]
		examples := dc.members
		if len(examples) > 3 {
			examples = examples[:3]
		}
		return questionDraft{
			fmt.Sprintf("Which %s are you currently taking, if any (for example, %s)?", dc.name, joinOr(examples)),
			domain.ANSWER_TEXT,
			hint,
		}
	}
	return questionDraft{"What medications are you currently taking, if any?", domain.ANSWER_TEXT, hint}
}

func buildTimeWindowQuestion(t string, _ *domain.Criterion) questionDraft {
	m := timeWindowRegex.FindStringSubmatch(t)
	window := fmt.Sprintf("%s %s", strings.ToLower(m[1]), strings.ToLower(m[2]))
	event := strings.TrimSpace(timeWindowRegex.ReplaceAllString(t, ""))
	event = conditionPhrase(strings.Trim(event, " ,;"))

	verb := "have you had"
	switch {
	case passiveVerbRegex.MatchString(event):
		verb = "have you been"
	case pastVerbRegex.MatchString(event):
		verb = "have you"
	}
	return questionDraft{
		fmt.Sprintf("In the past %s, %s %s?", window, verb, event),
		domain.ANSWER_YES_NO,
		HintTimeWindow,
	}
}

// countQuestion builds a "How many" question for criteria such as
// "at least 4 migraine days per month".
func countQuestion(t string) (string, bool) {
	rewritten := rewriteComparators(t)
	if m := countPerRegex.FindStringSubmatch(rewritten); m != nil {
		noun := strings.TrimSpace(m[1])
		if countUnitWords[firstWord(noun)] {
			return "", false
		}
		return fmt.Sprintf("How many %s do you have per %s?", noun, m[2]), true
	}
	if m := countPlainRegex.FindStringSubmatch(rewritten); m != nil {
		noun := strings.TrimSpace(m[1])
		if countUnitWords[firstWord(noun)] {
			return "", false
		}
		return fmt.Sprintf("How many %s have you had?", noun), true
	}
	return "", false
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return strings.ToLower(f[0])
	}
	return ""
}

// joinOr renders ["a","b","c"] as "a, b or c".
func joinOr(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " or " + items[len(items)-1]
	}
}

func memoKey(trialID string, criteria []domain.Criterion) string {
	h := sha256.New()
	for _, c := range criteria {
		h.Write([]byte(c.ID))
		h.Write([]byte{0})
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
	}
	return trialID + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func cloneQuestions(in []domain.Question) []domain.Question {
	out := make([]domain.Question, len(in))
	for i, q := range in {
		out[i] = q
		if q.AlsoApplies != nil {
			out[i].AlsoApplies = append([]string(nil), q.AlsoApplies...)
		}
	}
	return out
}
