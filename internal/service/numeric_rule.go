package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// NumericRule is a threshold or range extracted from criterion text.
type NumericRule struct {
	Min          *float64
	MinInclusive bool
	Max          *float64
	MaxInclusive bool
	// Unit is the time unit attached to the bound, if any (days, weeks,
	// months, years). Used when the answer is a date.
	Unit string
}

// comparatorPhrases are rewritten to symbols before matching. Longer phrases
// come first so "no less than" is not read as "less than".
var comparatorPhrases = []struct {
	phrase string
	symbol string
}{
	{"greater than or equal to", "≥"},
	{"less than or equal to", "≤"},
	{"no less than", "≥"},
	{"not less than", "≥"},
	{"no more than", "≤"},
	{"not more than", "≤"},
	{"no greater than", "≤"},
	{"not exceeding", "≤"},
	{"at least", "≥"},
	{"a minimum of", "≥"},
	{"minimum of", "≥"},
	{"at most", "≤"},
	{"a maximum of", "≤"},
	{"maximum of", "≤"},
	{"up to", "≤"},
	{">=", "≥"},
	{"=>", "≥"},
	{"<=", "≤"},
	{"=<", "≤"},
	{"greater than", ">"},
	{"more than", ">"},
	{"older than", ">"},
	{"exceeding", ">"},
	{"above", ">"},
	{"over", ">"},
	{"less than", "<"},
	{"fewer than", "<"},
	{"younger than", "<"},
	{"below", "<"},
	{"under", "<"},
}

const numberPattern = `(\d+(?:\.\d+)?)`

var (
	betweenRegex     = regexp.MustCompile(`(?i)between\s+` + numberPattern + `\s*%?\s*(?:and|-|–|to)\s*` + numberPattern + `\s*(days?|weeks?|months?|years?)?`)
	rangeRegex       = regexp.MustCompile(`(?i)\b` + numberPattern + `\s*%?\s*(?:-|–|to)\s*` + numberPattern + `\s*(days?|weeks?|months?|years?)?`)
	symbolBoundRegex = regexp.MustCompile(`([≥≤<>])\s*` + numberPattern + `\s*(days?|weeks?|months?|years?)?`)
	postfixLower     = regexp.MustCompile(`(?i)` + numberPattern + `\s*(?:years?(?:\s+of\s+age)?|yrs?)?\s*(?:or older|or above|or more|or greater|and older|and above|and over|\+)`)
	postfixUpper     = regexp.MustCompile(`(?i)` + numberPattern + `\s*(?:years?(?:\s+of\s+age)?|yrs?)?\s*(?:or younger|or less|or below|or fewer|and younger|and under)`)
)

type comparatorRewrite struct {
	re     *regexp.Regexp
	symbol string
}

var comparatorRewrites = func() []comparatorRewrite {
	out := make([]comparatorRewrite, 0, len(comparatorPhrases))
	for _, cp := range comparatorPhrases {
		pattern := regexp.QuoteMeta(cp.phrase)
		if !strings.ContainsAny(cp.phrase, "<>=") {
			pattern = `\b` + pattern + `\b`
		}
		out = append(out, comparatorRewrite{re: regexp.MustCompile(pattern), symbol: cp.symbol})
	}
	return out
}()

func rewriteComparators(text string) string {
	t := strings.ToLower(text)
	for _, cr := range comparatorRewrites {
		t = cr.re.ReplaceAllString(t, cr.symbol)
	}
	return t
}

// ParseNumericRule extracts a numeric threshold or range from criterion text.
// It returns false when the text encodes no bound.
func ParseNumericRule(text string) (*NumericRule, bool) {
	if m := betweenRegex.FindStringSubmatch(text); m != nil {
		return rangeRule(m[1], m[2], m[3])
	}

	t := rewriteComparators(text)
	rule := &NumericRule{}
	for _, m := range symbolBoundRegex.FindAllStringSubmatch(t, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch m[1] {
		case "≥", ">":
			if rule.Min == nil {
				rule.Min = &v
				rule.MinInclusive = m[1] == "≥"
			}
		case "≤", "<":
			if rule.Max == nil {
				rule.Max = &v
				rule.MaxInclusive = m[1] == "≤"
			}
		}
		if rule.Unit == "" {
			rule.Unit = normalizeUnit(m[3])
		}
	}
	if rule.Min == nil {
		if m := postfixLower.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rule.Min = &v
				rule.MinInclusive = true
			}
		}
	}
	if rule.Max == nil {
		if m := postfixUpper.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rule.Max = &v
				rule.MaxInclusive = true
			}
		}
	}
	if rule.Min != nil || rule.Max != nil {
		return rule, true
	}

	if m := rangeRegex.FindStringSubmatch(text); m != nil {
		return rangeRule(m[1], m[2], m[3])
	}
	return nil, false
}

func rangeRule(lo, hi, unit string) (*NumericRule, bool) {
	low, err1 := strconv.ParseFloat(lo, 64)
	high, err2 := strconv.ParseFloat(hi, 64)
	if err1 != nil || err2 != nil || low > high {
		return nil, false
	}
	return &NumericRule{
		Min: &low, MinInclusive: true,
		Max: &high, MaxInclusive: true,
		Unit: normalizeUnit(unit),
	}, true
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	return strings.TrimSuffix(u, "s")
}

// Contains reports whether v satisfies the rule.
func (r *NumericRule) Contains(v float64) bool {
	if r.Min != nil {
		if r.MinInclusive && v < *r.Min {
			return false
		}
		if !r.MinInclusive && v <= *r.Min {
			return false
		}
	}
	if r.Max != nil {
		if r.MaxInclusive && v > *r.Max {
			return false
		}
		if !r.MaxInclusive && v >= *r.Max {
			return false
		}
	}
	return true
}

func (r *NumericRule) String() string {
	var parts []string
	if r.Min != nil {
		op := ">"
		if r.MinInclusive {
			op = "≥"
		}
		parts = append(parts, fmt.Sprintf("%s %s", op, formatNumber(*r.Min)))
	}
	if r.Max != nil {
		op := "<"
		if r.MaxInclusive {
			op = "≤"
		}
		parts = append(parts, fmt.Sprintf("%s %s", op, formatNumber(*r.Max)))
	}
	s := strings.Join(parts, " and ")
	if r.Unit != "" {
		s += " " + r.Unit + "s"
	}
	return s
}

// ElapsedIn returns the time between from and now expressed in unit.
func ElapsedIn(from, now time.Time, unit string) float64 {
	d := now.Sub(from)
	switch unit {
	case "day":
		return d.Hours() / 24
	case "week":
		return d.Hours() / (24 * 7)
	case "year":
		return d.Hours() / (24 * 365.25)
	default:
		return d.Hours() / (24 * 30.4375)
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
