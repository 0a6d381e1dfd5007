package prescreen

import (
	"fmt"
	"strings"

	"github.com/trial-prescreen-server/internal/domain"
	"github.com/trial-prescreen-server/internal/service"
)

const (
	msgIntro        = "Thanks for your interest in this study. I have %d questions to check whether it might be a good fit. You can answer in your own words."
	msgContinue     = "Let's continue where we left off."
	msgWelcomeBack  = "Welcome back! Let's pick up where you left off."
	msgResumeOffer  = "You started this screening recently and answered %d of %d questions. Would you like to resume, restart, or stop?"
	msgResumeHelp   = "Please reply \"resume\" to continue your screening, \"restart\" to begin again, or \"stop\" to end it."
	msgAbandoned    = "No problem, I've stopped your screening. You can start again any time."
	msgDuplicate    = "You already completed a screening for this study recently."
	msgIdle         = "To check your eligibility, please choose a study to start a screening."
	msgTerminal     = "Your screening for this study is finished. Thank you for your time!"
	msgReask        = "Okay, let's try that again."
	msgEditRange    = "Please pick a question number between 1 and %d, for example \"edit 2\"."
	msgReviewHelp   = "Reply \"confirm\" to submit your answers, or \"edit\" followed by a question number to change one."
	msgHandoffRetry = "I couldn't set up the next step just now. Please send any message to try again."
)

// recap lists each question with the answer given, for review before
// submission.
func recap(p *domain.PrescreeningState) string {
	var b strings.Builder
	b.WriteString("Here is a summary of your answers:\n")
	for i, q := range p.Questions {
		answer := "(no answer)"
		if a, ok := p.Answers[q.CriterionID]; ok {
			answer = describeAnswer(&a)
		}
		fmt.Fprintf(&b, "%d. %s %s\n", i+1, q.Text, answer)
	}
	b.WriteString("\n")
	b.WriteString(msgReviewHelp)
	return b.String()
}

func describeAnswer(a *domain.Answer) string {
	v := a.ParsedValue
	switch {
	case v.Body != nil:
		ft, in := service.FeetInches(v.Body.HeightM)
		return fmt.Sprintf("%d'%d\", %.0f lbs (BMI %.1f)", ft, in, service.Pounds(v.Body.WeightKg), v.Body.BMI)
	case v.NoMedications:
		return "None"
	case len(v.Medications) > 0:
		return strings.Join(v.Medications, ", ")
	case v.Date != nil:
		return v.Date.Format("January 2, 2006")
	case v.Number != nil:
		return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", *v.Number), "0"), ".")
	case v.Bool != nil:
		if *v.Bool {
			return "Yes"
		}
		return "No"
	}
	return strings.TrimSpace(a.RawResponse)
}

func joinMessages(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
