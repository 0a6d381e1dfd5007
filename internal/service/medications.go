package service

import (
	"regexp"
	"sort"
	"strings"
)

// knownDrugs is the vocabulary used to recognise medication names in
// criteria and replies. Keys are lower-case generic names.
var knownDrugs = map[string]struct{}{
	"metformin": {}, "insulin": {}, "glipizide": {}, "glimepiride": {}, "glyburide": {},
	"sitagliptin": {}, "linagliptin": {}, "semaglutide": {}, "liraglutide": {}, "dulaglutide": {},
	"exenatide": {}, "tirzepatide": {}, "empagliflozin": {}, "dapagliflozin": {}, "canagliflozin": {},
	"pioglitazone": {}, "atorvastatin": {}, "simvastatin": {}, "rosuvastatin": {}, "pravastatin": {},
	"lisinopril": {}, "enalapril": {}, "losartan": {}, "valsartan": {}, "amlodipine": {},
	"metoprolol": {}, "carvedilol": {}, "hydrochlorothiazide": {}, "furosemide": {}, "spironolactone": {},
	"warfarin": {}, "apixaban": {}, "rivaroxaban": {}, "dabigatran": {}, "clopidogrel": {},
	"aspirin": {}, "ibuprofen": {}, "naproxen": {}, "celecoxib": {}, "acetaminophen": {},
	"prednisone": {}, "prednisolone": {}, "methylprednisolone": {}, "dexamethasone": {}, "hydrocortisone": {},
	"methotrexate": {}, "hydroxychloroquine": {}, "adalimumab": {}, "etanercept": {}, "infliximab": {},
	"rituximab": {}, "sertraline": {}, "fluoxetine": {}, "escitalopram": {}, "citalopram": {},
	"paroxetine": {}, "bupropion": {}, "venlafaxine": {}, "duloxetine": {}, "levothyroxine": {},
	"omeprazole": {}, "pantoprazole": {}, "gabapentin": {}, "pregabalin": {}, "topiramate": {},
	"sumatriptan": {}, "rizatriptan": {}, "erenumab": {}, "fremanezumab": {}, "galcanezumab": {},
	"tamoxifen": {}, "letrozole": {}, "phentermine": {}, "orlistat": {},
}

// drugClass groups a class keyword with representative members used both as
// examples in questions and for matching replies against class criteria.
type drugClass struct {
	name    string
	pattern *regexp.Regexp
	members []string
}

var drugClasses = []drugClass{
	{"SGLT2 inhibitors", regexp.MustCompile(`(?i)\bsglt-?2\b`), []string{"empagliflozin", "dapagliflozin", "canagliflozin"}},
	{"GLP-1 receptor agonists", regexp.MustCompile(`(?i)\bglp-?1\b`), []string{"semaglutide", "liraglutide", "dulaglutide", "exenatide", "tirzepatide"}},
	{"DPP-4 inhibitors", regexp.MustCompile(`(?i)\bdpp-?4\b`), []string{"sitagliptin", "linagliptin"}},
	{"sulfonylureas", regexp.MustCompile(`(?i)\bsulfonylureas?\b`), []string{"glipizide", "glimepiride", "glyburide"}},
	{"statins", regexp.MustCompile(`(?i)\bstatins?\b`), []string{"atorvastatin", "simvastatin", "rosuvastatin", "pravastatin"}},
	{"anticoagulants", regexp.MustCompile(`(?i)\b(anticoagulants?|blood thinners?)\b`), []string{"warfarin", "apixaban", "rivaroxaban", "dabigatran"}},
	{"corticosteroids", regexp.MustCompile(`(?i)\b(corticosteroids?|systemic steroids?|steroids?)\b`), []string{"prednisone", "prednisolone", "methylprednisolone", "dexamethasone", "hydrocortisone"}},
	{"NSAIDs", regexp.MustCompile(`(?i)\b(nsaids?|non-steroidal anti-inflammator\w*)\b`), []string{"ibuprofen", "naproxen", "celecoxib", "aspirin"}},
	{"antidepressants", regexp.MustCompile(`(?i)\b(ssris?|snris?|antidepressants?)\b`), []string{"sertraline", "fluoxetine", "escitalopram", "citalopram", "paroxetine", "venlafaxine", "duloxetine", "bupropion"}},
	{"triptans", regexp.MustCompile(`(?i)\btriptans?\b`), []string{"sumatriptan", "rizatriptan"}},
	{"CGRP antibodies", regexp.MustCompile(`(?i)\bcgrp\b`), []string{"erenumab", "fremanezumab", "galcanezumab"}},
	{"biologics", regexp.MustCompile(`(?i)\b(biologics?|tnf[- ]?(alpha )?inhibitors?|anti-tnf)\b`), []string{"adalimumab", "etanercept", "infliximab", "rituximab"}},
	{"immunosuppressants", regexp.MustCompile(`(?i)\bimmunosuppress\w*\b`), []string{"methotrexate", "hydroxychloroquine", "prednisone"}},
	{"weight-loss medications", regexp.MustCompile(`(?i)\b(weight[- ]loss|anti-obesity) (medications?|drugs?)\b`), []string{"semaglutide", "phentermine", "orlistat", "tirzepatide"}},
}

var (
	wordPattern            = regexp.MustCompile(`[a-z][a-z0-9-]*`)
	medicationKeywordRegex = regexp.MustCompile(`(?i)\b(medications?|medicines?|drugs?|taking|therapy|treated with|treatment with|use of|washout|inhibitors?|agonists?|insulin)\b`)
	washoutRegex           = regexp.MustCompile(`(?i)\b(washout|wash-out|discontinue|discontinued|stop(ped)?|off of|free of|within the (past|last)|prior to)\b`)
	washoutPeriodRegex     = regexp.MustCompile(`(?i)\b(\d+|one|two|three|four|six|eight|twelve)\s*(days?|weeks?|months?)\b`)
)

// findKnownDrugs returns the known drug names mentioned in text, in order of
// first appearance and without duplicates.
func findKnownDrugs(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	seen := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(lower, -1) {
		if _, ok := knownDrugs[w]; ok && !seen[w] {
			seen[w] = true
			found = append(found, w)
		}
	}
	return found
}

// findDrugClasses returns the drug classes mentioned in text.
func findDrugClasses(text string) []drugClass {
	var out []drugClass
	for _, dc := range drugClasses {
		if dc.pattern.MatchString(text) {
			out = append(out, dc)
		}
	}
	return out
}

// relevantDrugs expands a criterion's text to every drug it refers to,
// either by name or through a class.
func relevantDrugs(criterionText string) []string {
	set := make(map[string]bool)
	for _, d := range findKnownDrugs(criterionText) {
		set[d] = true
	}
	for _, dc := range findDrugClasses(criterionText) {
		for _, m := range dc.members {
			set[m] = true
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func isMedicationCriterion(text string) bool {
	return medicationKeywordRegex.MatchString(text) || len(findKnownDrugs(text)) > 0 || len(findDrugClasses(text)) > 0
}

func isWashoutCriterion(text string) bool {
	return washoutRegex.MatchString(text)
}

// washoutPeriod extracts "4 weeks" style periods from criterion text.
func washoutPeriod(text string) string {
	m := washoutPeriodRegex.FindString(text)
	return strings.ToLower(strings.TrimSpace(m))
}
