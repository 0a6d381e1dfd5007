package service

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	metersPerInch = 0.0254
	kgPerPound    = 0.45359237

	minPlausibleHeightM  = 1.2
	maxPlausibleHeightM  = 2.3
	minPlausibleWeightKg = 30
	maxPlausibleWeightKg = 300
	minPlausibleBMI      = 15
	maxPlausibleBMI      = 60
)

var (
	feetQuoteRegex  = regexp.MustCompile(`\b(\d)\s*'\s*(?:(\d{1,2}(?:\.\d+)?)\b\s*(?:"|'')?)?`)
	feetWordRegex   = regexp.MustCompile(`\b(\d)\s*(?:feet|foot|ft)\.?(?:\s*(?:and\s+)?(\d{1,2}(?:\.\d+)?)\b\s*(?:inches|inch|in)?\.?)?`)
	centimeterRegex = regexp.MustCompile(`\b(\d{2,3}(?:\.\d+)?)\s*(?:cm|centimet(?:er|re)s?)\b`)
	meterRegex      = regexp.MustCompile(`\b([12](?:\.\d{1,2})?)\s*(?:m|meters?|metres?)\b`)
	inchesRegex     = regexp.MustCompile(`\b(\d{2}(?:\.\d+)?)\s*(?:inches|inch|in)\b`)
	poundsRegex     = regexp.MustCompile(`\b(\d{2,3}(?:\.\d+)?)\s*(?:lbs?|pounds?)\b`)
	kilogramRegex   = regexp.MustCompile(`\b(\d{2,3}(?:\.\d+)?)\s*(?:kgs?|kilograms?|kilos?)\b`)
	bareNumberRegex = regexp.MustCompile(`\b(\d{2,3}(?:\.\d+)?)\b`)
	quoteReplacer   = strings.NewReplacer("’", "'", "‘", "'", "′", "'", "”", `"`, "“", `"`, "″", `"`)
)

// bodyReading is a partial or complete height/weight extraction.
type bodyReading struct {
	HeightM  float64
	WeightKg float64
}

func (b bodyReading) complete() bool {
	return b.HeightM > 0 && b.WeightKg > 0
}

// parseBodyMeasures extracts height and weight from free text. Either value
// may be left zero when it cannot be found.
func parseBodyMeasures(raw string) bodyReading {
	text := quoteReplacer.Replace(strings.ToLower(raw))
	var r bodyReading

	consume := func(re *regexp.Regexp, fn func(m []string)) {
		loc := re.FindStringSubmatchIndex(text)
		if loc == nil {
			return
		}
		m := make([]string, len(loc)/2)
		for i := range m {
			if loc[2*i] >= 0 {
				m[i] = text[loc[2*i]:loc[2*i+1]]
			}
		}
		fn(m)
		text = text[:loc[0]] + " " + text[loc[1]:]
	}

	consume(feetQuoteRegex, func(m []string) { r.HeightM = feetInchesToMeters(m[1], m[2]) })
	if r.HeightM == 0 {
		consume(feetWordRegex, func(m []string) { r.HeightM = feetInchesToMeters(m[1], m[2]) })
	}
	if r.HeightM == 0 {
		consume(centimeterRegex, func(m []string) { r.HeightM = atof(m[1]) / 100 })
	}
	if r.HeightM == 0 {
		consume(meterRegex, func(m []string) { r.HeightM = atof(m[1]) })
	}
	if r.HeightM == 0 {
		consume(inchesRegex, func(m []string) { r.HeightM = atof(m[1]) * metersPerInch })
	}

	consume(poundsRegex, func(m []string) { r.WeightKg = atof(m[1]) * kgPerPound })
	if r.WeightKg == 0 {
		consume(kilogramRegex, func(m []string) { r.WeightKg = atof(m[1]) })
	}

	// Un-annotated numbers: 60-84 reads as height in inches, anything else
	// as weight in pounds.
	for _, m := range bareNumberRegex.FindAllStringSubmatch(text, -1) {
		v := atof(m[1])
		switch {
		case r.HeightM == 0 && v >= 60 && v <= 84:
			r.HeightM = v * metersPerInch
		case r.WeightKg == 0 && (v < 60 || v > 84):
			r.WeightKg = v * kgPerPound
		}
	}
	return r
}

func feetInchesToMeters(feet, inches string) float64 {
	total := atof(feet)*12 + atof(inches)
	return total * metersPerInch
}

func atof(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// ComputeBMI returns weight_kg / height_m².
func ComputeBMI(heightM, weightKg float64) float64 {
	if heightM <= 0 {
		return 0
	}
	return weightKg / (heightM * heightM)
}

// FeetInches converts meters back to whole feet and inches.
func FeetInches(heightM float64) (feet, inches int) {
	total := int(math.Round(heightM / metersPerInch))
	return total / 12, total % 12
}

// Pounds converts kilograms back to pounds, rounded to one decimal.
func Pounds(weightKg float64) float64 {
	return math.Round(weightKg/kgPerPound*10) / 10
}

// plausibleBody reports whether height, weight and BMI fall inside human
// ranges; the reason names the first failing check.
func plausibleBody(heightM, weightKg, bmi float64) (bool, string) {
	switch {
	case heightM < minPlausibleHeightM || heightM > maxPlausibleHeightM:
		return false, "height"
	case weightKg < minPlausibleWeightKg || weightKg > maxPlausibleWeightKg:
		return false, "weight"
	case bmi < minPlausibleBMI || bmi > maxPlausibleBMI:
		return false, "BMI"
	default:
		return true, ""
	}
}

func describeBody(heightM, weightKg, bmi float64) string {
	ft, in := FeetInches(heightM)
	return fmt.Sprintf(`%d'%d", %s lbs (BMI %.1f)`, ft, in, formatNumber(Pounds(weightKg)), bmi)
}
