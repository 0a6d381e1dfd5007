package service

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	digitNumberRegex = regexp.MustCompile(`-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?`)
	wordSplitRegex   = regexp.MustCompile(`[a-z]+`)
)

// frequencyPhrases map common frequency wording to a per-period count. They
// are checked before spelled numbers so "twice daily" reads as 2.
var frequencyPhrases = []struct {
	phrase string
	value  float64
}{
	{"every other day", 0.5},
	{"three times a day", 3},
	{"three times daily", 3},
	{"twice a day", 2},
	{"twice daily", 2},
	{"twice", 2},
	{"once a day", 1},
	{"once daily", 1},
	{"once", 1},
	{"thrice", 3},
	{"not any", 0},
	{"none", 0},
	{"never", 0},
}

var unitWords = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
	"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var tensWords = map[string]float64{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50, "sixty": 60,
	"seventy": 70, "eighty": 80, "ninety": 90,
}

// parseNumber extracts a number from a free-text reply using digits,
// frequency phrases, then spelled-out numbers.
func parseNumber(raw string) (float64, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return 0, false
	}

	if m := digitNumberRegex.FindString(lower); m != "" {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64); err == nil {
			return v, true
		}
	}

	padded := " " + strings.Join(strings.Fields(lower), " ") + " "
	for _, fp := range frequencyPhrases {
		if strings.Contains(padded, " "+fp.phrase+" ") || strings.Contains(padded, " "+fp.phrase+",") {
			return fp.value, true
		}
	}

	return parseSpelledNumber(lower)
}

// parseSpelledNumber reads the first run of English number words, such as
// "forty-five" or "a hundred and ten".
func parseSpelledNumber(lower string) (float64, bool) {
	words := wordSplitRegex.FindAllString(lower, -1)
	var (
		total   float64
		current float64
		started bool
	)
	for i, w := range words {
		switch {
		case unitWords[w] != 0 || w == "zero":
			current += unitWords[w]
			started = true
		case tensWords[w] != 0:
			current += tensWords[w]
			started = true
		case w == "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
			started = true
		case w == "thousand":
			if current == 0 {
				current = 1
			}
			total += current * 1000
			current = 0
			started = true
		case w == "and" && started:
			continue
		case w == "a" && i+1 < len(words) && (words[i+1] == "hundred" || words[i+1] == "thousand"):
			continue
		default:
			if started {
				return total + current, true
			}
		}
	}
	if started {
		return total + current, true
	}
	return 0, false
}
