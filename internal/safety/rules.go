package safety

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Finding is one emergency indicator matched in a patient's text.
type Finding struct {
	Category string
	Detail   string
}

func (f Finding) String() string { return f.Category + ": " + f.Detail }

// KeywordRule matches symptom-severity phrasing. Phrases are matched as
// case-insensitive substrings, the way patients actually type them.
type KeywordRule struct {
	Category string
	Phrases  []string
}

// VitalRule checks a numeric vital-sign value captured from free text
// against a danger threshold.
type VitalRule struct {
	Category string
	Re       *regexp.Regexp // first capture group is the numeric value
	Min      float64        // danger when value < Min (0 disables)
	Max      float64        // danger when value > Max (0 disables)
	Unit     string
}

// RuleSet is the versioned emergency-detection table. Rules are data so
// additions show up in review diffs and get regression tests, instead of
// living in scattered conditionals.
type RuleSet struct {
	Version  string
	Keywords []KeywordRule
	Vitals   []VitalRule
}

// DefaultRuleSet returns the current emergency rule table.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Version: "2026-08",
		Keywords: []KeywordRule{
			{Category: "chest pain", Phrases: []string{"severe chest pain", "crushing chest", "chest tightness with pain"}},
			{Category: "breathing", Phrases: []string{"can't breathe", "cannot breathe", "difficulty breathing", "severe shortness of breath", "gasping"}},
			{Category: "bleeding", Phrases: []string{"severe bleeding", "bleeding won't stop", "heavy bleeding"}},
			{Category: "consciousness", Phrases: []string{"passed out", "losing consciousness", "unresponsive", "fainting repeatedly"}},
			{Category: "stroke", Phrases: []string{"facial drooping", "arm weakness", "slurred speech", "sudden confusion"}},
			{Category: "allergic reaction", Phrases: []string{"severe allergic reaction", "throat swelling", "anaphylaxis"}},
			{Category: "head injury", Phrases: []string{"severe head injury", "head trauma", "severe headache with fever"}},
			{Category: "poisoning", Phrases: []string{"poisoned", "overdose", "ingested poison"}},
			{Category: "seizure", Phrases: []string{"seizure", "convulsions"}},
			{Category: "self-harm", Phrases: []string{"want to die", "kill myself", "suicide", "end my life"}},
		},
		Vitals: []VitalRule{
			{
				Category: "blood pressure",
				Re:       regexp.MustCompile(`(?i)\b(?:blood\s+pressure|bp)\b\D{0,20}?(\d{2,3})\s*/\s*\d{2,3}`),
				Max:      180,
				Unit:     "mmHg systolic",
			},
			{
				Category: "oxygen saturation",
				Re:       regexp.MustCompile(`(?i)\b(?:oxygen(?:\s+saturation)?|spo2|o2\s+sat)\b\D{0,20}?(\d{2,3})\s*%`),
				Min:      90,
				Unit:     "%",
			},
			{
				Category: "heart rate",
				Re:       regexp.MustCompile(`(?i)\b(?:heart\s+rate|pulse)\b\D{0,20}?(\d{2,3})\b`),
				Min:      40,
				Max:      150,
				Unit:     "bpm",
			},
			{
				Category: "temperature",
				Re:       regexp.MustCompile(`(?i)\b(?:temperature|fever)\b\D{0,20}?(\d{2,3}(?:\.\d)?)\b`),
				Max:      104,
				Unit:     "F",
			},
		},
	}
}

// Match returns every emergency finding in the text, keyword rules first.
func (rs *RuleSet) Match(text string) []Finding {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var findings []Finding
	for _, rule := range rs.Keywords {
		for _, phrase := range rule.Phrases {
			if strings.Contains(lower, phrase) {
				findings = append(findings, Finding{Category: rule.Category, Detail: phrase})
			}
		}
	}
	for _, rule := range rs.Vitals {
		m := rule.Re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if (rule.Max > 0 && value > rule.Max) || (rule.Min > 0 && value < rule.Min) {
			findings = append(findings, Finding{
				Category: rule.Category,
				Detail:   fmt.Sprintf("%g %s", value, rule.Unit),
			})
		}
	}
	return findings
}
