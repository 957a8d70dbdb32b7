package safety

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"medconsult/pkg"
)

const disclaimerCore = "This information is for general guidance only and is not a substitute for professional medical advice."

// Disclaimer is appended to every answer that does not already carry it.
const Disclaimer = "\n\n---\nMedical Disclaimer: " + disclaimerCore +
	" Always consult a qualified healthcare provider about your specific situation."

const emergencyDirective = "Based on what you've described, you should seek emergency medical care immediately. " +
	"Call your local emergency number or go to the nearest emergency department now. " +
	"Do not wait for symptoms to improve on their own."

const rephraseNotice = "I can't provide that response as written, because it reads as a definitive diagnosis or prescription, " +
	"which must come from a clinician who has examined you. Please discuss this with your healthcare provider, " +
	"or ask me again and I can offer general background information instead."

const privacyNotice = "I can only discuss the medical records of the patient associated with this session. " +
	"I've removed the part of the response that referenced another patient's records."

// Definitive phrasing a generated answer must never open a claim with,
// unless softened by a qualifier nearby.
var prohibitedPhrases = []string{
	"you definitely have",
	"you certainly have",
	"i diagnose you with",
	"the diagnosis is",
	"you must take",
	"stop taking your medication",
	"you don't need to see a doctor",
	"no need to see a doctor",
}

var qualifiers = []string{"may", "might", "could", "possibly", "likely", "appears", "suggests", "consult", "general information"}

// patientRefRe matches synthetic patient record identifiers of the form
// Family123_Given456_<uuid>, as produced by the record loader.
var patientRefRe = regexp.MustCompile(`\b[A-Za-z]+\d+_[A-Za-z]+\d+_[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

var (
	scriptRe  = regexp.MustCompile(`(?is)<script.*?</script>`)
	htmlTagRe = regexp.MustCompile(`<[^>]+>`)
)

const maxInputLen = 5000

// SanitizeInput strips markup and caps the length of raw user text before
// it reaches routing or the model.
func SanitizeInput(text string) string {
	text = scriptRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if len(text) > maxInputLen {
		cut := maxInputLen
		// Back off to a rune boundary so the cap never emits invalid UTF-8.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// Evaluation carries everything the evaluator needs about a finished turn.
type Evaluation struct {
	Query       string // user text plus any transcript, post-sanitization
	Answer      string
	PatientID   string
	Confidence  *float64
	ToolResults map[pkg.ToolName]pkg.ToolResult
	Degraded    bool
}

// Outcome is the evaluator's verdict: the possibly rewritten answer, the
// terminal safety state, and the escalation decision.
type Outcome struct {
	Answer    string
	State     pkg.SafetyState
	Tier      pkg.ConfidenceTier
	Emergency bool
	Escalate  bool
	Findings  []string
}

// Evaluator runs every generated answer through emergency detection,
// response validation, and confidence gating before it leaves the system.
type Evaluator struct {
	Rules *RuleSet
	Low   float64 // below this, confidence tier is low
	High  float64 // strictly above this, tier is high
	Log   *logrus.Logger
}

func NewEvaluator(rules *RuleSet, low, high float64, log *logrus.Logger) *Evaluator {
	return &Evaluator{Rules: rules, Low: low, High: high, Log: log}
}

// Evaluate walks the turn from the unchecked state to a terminal one.
// Emergency findings in the query dominate everything else: the answer is
// prefixed with an urgent-care directive and the turn escalates no matter
// how confident the model was.
func (e *Evaluator) Evaluate(in Evaluation) Outcome {
	out := Outcome{
		Answer: in.Answer,
		State:  pkg.StateSafe,
		Tier:   e.DeriveTier(in.Confidence, in.ToolResults),
	}

	matched := e.Rules.Match(in.Query)
	for _, f := range matched {
		out.Findings = append(out.Findings, f.String())
	}
	if len(matched) > 0 {
		out.Emergency = true
		out.Escalate = true
		out.Answer = urgentDirective(matched) + "\n\n" + out.Answer
	}

	if reason := validateAnswer(in.Answer); reason != "" {
		out.Findings = append(out.Findings, "response: "+reason)
		out.Escalate = true
		out.Answer = rephraseNotice
		if out.Emergency {
			out.Answer = urgentDirective(matched) + "\n\n" + rephraseNotice
		}
	}

	if leaked := foreignPatientRefs(out.Answer, in.PatientID); len(leaked) > 0 {
		out.Findings = append(out.Findings, "privacy: foreign patient reference")
		out.Escalate = true
		out.Answer = privacyNotice
		e.Log.WithField("refs", len(leaked)).Warn("answer referenced another patient's records")
	}

	if in.Degraded || out.Tier == pkg.TierLow || out.Tier == pkg.TierUnknown {
		out.Escalate = true
	}
	for _, r := range in.ToolResults {
		if !r.OK() {
			out.Escalate = true
			break
		}
	}

	out.Answer = AttachDisclaimer(out.Answer)
	switch {
	case out.Emergency:
		out.State = pkg.StateEmergencyFlagged
	case out.Escalate:
		out.State = pkg.StateEscalated
	}
	return out
}

// DeriveTier maps the available confidence signal onto a tier. The model's
// self-reported confidence wins; a classifier score is the fallback.
func (e *Evaluator) DeriveTier(modelConf *float64, results map[pkg.ToolName]pkg.ToolResult) pkg.ConfidenceTier {
	conf := modelConf
	if conf == nil {
		if r, ok := results[pkg.ToolImageClassifier]; ok && r.Classifier != nil {
			c := r.Classifier.Confidence
			conf = &c
		}
	}
	if conf == nil {
		return pkg.TierUnknown
	}
	switch {
	case *conf < e.Low:
		return pkg.TierLow
	case *conf > e.High:
		return pkg.TierHigh
	default:
		return pkg.TierMedium
	}
}

// AttachDisclaimer appends the standard disclaimer unless the text already
// contains it, so re-evaluated answers never stack copies.
func AttachDisclaimer(answer string) string {
	if strings.Contains(answer, disclaimerCore) {
		return answer
	}
	return answer + Disclaimer
}

// urgentDirective names the warning signs that triggered the emergency path,
// so the patient can repeat them to the dispatcher.
func urgentDirective(findings []Finding) string {
	seen := make(map[string]bool, len(findings))
	var categories []string
	for _, f := range findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			categories = append(categories, f.Category)
		}
	}
	return emergencyDirective +
		"\n\nWhat you described raised these warning signs: " + strings.Join(categories, ", ") + "."
}

func validateAnswer(answer string) string {
	lower := strings.ToLower(answer)
	for _, phrase := range prohibitedPhrases {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		// A qualifier near the phrase means the model is hedging, which is
		// exactly what we ask it to do.
		start := idx - 80
		if start < 0 {
			start = 0
		}
		end := idx + len(phrase) + 80
		if end > len(lower) {
			end = len(lower)
		}
		window := lower[start:end]
		qualified := false
		for _, q := range qualifiers {
			if strings.Contains(window, q) {
				qualified = true
				break
			}
		}
		if !qualified {
			return "definitive phrasing " + strconv.Quote(phrase)
		}
	}
	return ""
}

func foreignPatientRefs(answer, patientID string) []string {
	var leaked []string
	for _, ref := range patientRefRe.FindAllString(answer, -1) {
		if patientID == "" || !strings.Contains(ref, patientID) {
			leaked = append(leaked, ref)
		}
	}
	return leaked
}
