package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	whitespaceRegex    = regexp.MustCompile(`\s+`)
	subjectPrefixRegex = regexp.MustCompile(`(?i)^(the\s+)?(patients?|subjects?|participants?|individuals?|persons?|volunteers?)\s+(must\s+|should\s+|who\s+)?(be\s+|is\s+|are\s+|has\s+|have\s+)?`)
	historyOfRegex     = regexp.MustCompile(`(?i)\b(a\s+)?(known\s+|prior\s+|previous\s+|documented\s+)?history\s+of\s+`)
	bulletPrefixRegex  = regexp.MustCompile(`^(\s*[-*•]\s*|\s*\d+[.)]\s+|\s*[a-z][.)]\s+)`)
	youHasRegex        = regexp.MustCompile(`(?i)\byou\s+has\b`)
	youIsRegex         = regexp.MustCompile(`(?i)\byou\s+is\b`)
	youWasRegex        = regexp.MustCompile(`(?i)\byou\s+was\b`)
	youDoesRegex       = regexp.MustCompile(`(?i)\byou\s+does\b`)
	trailingPunctRegex = regexp.MustCompile(`[\s.;:,]+$`)
	spaceBeforePunct   = regexp.MustCompile(`\s+([?,.;:])`)
)

// duplicateWordAllowList holds words that may legitimately repeat.
var duplicateWordAllowList = map[string]bool{
	"had":  true,
	"that": true,
}

// normalizeCriterionText prepares criterion text for pattern matching and
// template insertion.
func normalizeCriterionText(text string) string {
	t := strings.TrimSpace(text)
	t = bulletPrefixRegex.ReplaceAllString(t, "")
	t = whitespaceRegex.ReplaceAllString(t, " ")
	t = collapseDuplicateWords(t)
	t = trailingPunctRegex.ReplaceAllString(t, "")
	return t
}

// conditionPhrase turns a criterion into a noun phrase usable after "with"
// or "had": the subject prefix and a redundant "history of" are removed.
func conditionPhrase(text string) string {
	t := subjectPrefixRegex.ReplaceAllString(text, "")
	t = historyOfRegex.ReplaceAllString(t, "")
	t = strings.TrimSpace(t)
	return lowerFirst(t)
}

// fixAgreement repairs subject/verb agreement left over from inserting
// third-person criterion text into second-person templates.
func fixAgreement(q string) string {
	q = youHasRegex.ReplaceAllString(q, "you have")
	q = youIsRegex.ReplaceAllString(q, "you are")
	q = youWasRegex.ReplaceAllString(q, "you were")
	q = youDoesRegex.ReplaceAllString(q, "you do")
	return q
}

// collapseDuplicateWords removes immediately repeated words ("the the")
// unless the word is on the allow-list.
func collapseDuplicateWords(s string) string {
	words := strings.Fields(s)
	if len(words) < 2 {
		return s
	}
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 && sameWord(words[i-1], w) && !duplicateWordAllowList[bareWord(w)] {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// hasDuplicateAdjacentWords reports a repeated adjacent word outside the
// allow-list.
func hasDuplicateAdjacentWords(s string) bool {
	words := strings.Fields(s)
	for i := 1; i < len(words); i++ {
		if sameWord(words[i-1], words[i]) && !duplicateWordAllowList[bareWord(words[i])] {
			return true
		}
	}
	return false
}

func sameWord(a, b string) bool {
	ba, bb := bareWord(a), bareWord(b)
	return ba != "" && ba == bb
}

func bareWord(w string) string {
	return strings.ToLower(strings.Trim(w, `.,;:!?"'()`))
}

func lowerFirst(s string) string {
	// Keep acronyms and mixed-case terms such as "HIV" or "HbA1c" intact.
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	if first := fields[0]; len(first) > 1 && strings.ToLower(first[1:]) != first[1:] {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

// finishQuestion tidies whitespace and guarantees a trailing question mark.
func finishQuestion(q string) string {
	q = whitespaceRegex.ReplaceAllString(strings.TrimSpace(q), " ")
	q = fixAgreement(q)
	q = collapseDuplicateWords(q)
	q = strings.TrimRight(q, " .;:,!")
	if !strings.HasSuffix(q, "?") {
		q += "?"
	}
	q = spaceBeforePunct.ReplaceAllString(q, "$1")
	r, size := utf8.DecodeRuneInString(q)
	return string(unicode.ToUpper(r)) + q[size:]
}
