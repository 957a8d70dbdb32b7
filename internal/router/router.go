// Package router classifies an incoming turn into one of the three decision
// paths. It performs no I/O so classification is unit-testable in isolation.
package router

import (
	"regexp"

	"medconsult/pkg"
)

// Input is the slice of a turn the router needs. Session state beyond the
// patient identifier never influences classification.
type Input struct {
	Text     string
	Modality pkg.Modality
	// HasImage and HasAudio reflect the attachment references on the request,
	// not just the declared modality: any attachment forces the multimodal path
	// because tool execution is mandatory for non-text inputs.
	HasImage bool
	HasAudio bool
}

// personalPatterns match possessive/first-person medical-history phrasing.
// Derived from the phrasing patients actually use when asking about their own
// chart: possessives over clinical nouns and first-person care events.
var personalPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"possessive-record", regexp.MustCompile(`(?i)\bmy\s+(medical\s+)?(history|records?|chart|file)\b`)},
	{"possessive-clinical", regexp.MustCompile(`(?i)\bmy\s+(medications?|prescriptions?|pills?|allergies|conditions?|diagnos\w*|immunizations?|vaccines?|labs?|(test\s+)?results?|bmi|blood\s+pressure|heart\s+rate|cholesterol|a1c|blood\s+sugar|weight)\b`)},
	{"first-person-visit", regexp.MustCompile(`(?i)\b(my|i)\b.{0,40}\b(last|previous|recent)\s+(visit|appointment|check-?up|test|scan|surgery)\b`)},
	{"first-person-care", regexp.MustCompile(`(?i)\b(am\s+i\s+(taking|on|allergic)|do\s+i\s+(take|have)|was\s+i\s+(prescribed|diagnosed|vaccinated|immunized)|have\s+i\s+(been|had))\b`)},
}

// Classify assigns the turn its category. Attachments always win: a turn
// carrying an image or audio file is multimodal regardless of its text, and
// personal phrasing on such a turn only sets the secondary patient-context
// flag. A personal match without a patient id on the session still classifies
// as personal-record; the controller, not the router, turns that into the
// missing-patient-context error.
func Classify(in Input) pkg.Classification {
	pattern := matchPersonal(in.Text)

	if in.HasImage || in.HasAudio ||
		in.Modality == pkg.ModalityImage || in.Modality == pkg.ModalityAudio || in.Modality == pkg.ModalityCombined {
		return pkg.Classification{
			Category:               pkg.CategoryMultimodal,
			RequiresPatientContext: pattern != "",
			MatchedPattern:         pattern,
		}
	}

	if pattern != "" {
		return pkg.Classification{
			Category:               pkg.CategoryPersonalRecord,
			RequiresPatientContext: true,
			MatchedPattern:         pattern,
		}
	}

	return pkg.Classification{Category: pkg.CategoryGeneralAdvice}
}

func matchPersonal(text string) string {
	if text == "" {
		return ""
	}
	for _, p := range personalPatterns {
		if p.re.MatchString(text) {
			return p.name
		}
	}
	return ""
}
