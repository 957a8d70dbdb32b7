package pkg

import "time"

// Modality describes the shape of the input carried by a turn.
type Modality string

const (
	ModalityText     Modality = "text"
	ModalityImage    Modality = "image"
	ModalityAudio    Modality = "audio"
	ModalityCombined Modality = "combined"
)

// Category is the decision-flow category assigned to a turn. The three
// categories are mutually exclusive; patient-context requirement is tracked
// separately on Classification because multimodal turns may carry it too.
type Category string

const (
	CategoryPersonalRecord Category = "personal_record"
	CategoryGeneralAdvice  Category = "general_advice"
	CategoryMultimodal     Category = "multimodal"
)

// Classification is the routing outcome for a single turn.
type Classification struct {
	Category Category `json:"category"`
	// RequiresPatientContext is set for personal-record queries and for
	// multimodal turns whose text also references the patient's own history.
	RequiresPatientContext bool `json:"requires_patient_context"`
	// MatchedPattern records which personal-reference rule fired, for
	// diagnostics. Empty when no rule matched.
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// ToolName identifies one of the closed set of tools the orchestrator can
// invoke. New tools are added by extending this set, not by structural typing.
type ToolName string

const (
	ToolImageClassifier   ToolName = "image_classifier"
	ToolSpeechTranscriber ToolName = "speech_transcriber"
	ToolPatientRecords    ToolName = "patient_records"
)

// ToolErrorKind categorises how a tool invocation failed.
type ToolErrorKind string

const (
	ToolErrTimeout     ToolErrorKind = "timeout"
	ToolErrUnavailable ToolErrorKind = "unavailable"
	ToolErrBadInput    ToolErrorKind = "malformed_input"
	ToolErrInference   ToolErrorKind = "inference_error"
)

// ToolFailure is the normalized failure shape shared by all adapters.
type ToolFailure struct {
	Kind    ToolErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// ClassifierOutput is the payload of a successful image-classification call.
type ClassifierOutput struct {
	Label        string             `json:"label"`
	Confidence   float64            `json:"confidence"`
	Distribution map[string]float64 `json:"distribution,omitempty"`
}

// TranscriptOutput is the payload of a successful speech-transcription call.
type TranscriptOutput struct {
	Text        string  `json:"text"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// RecordsOutput is the payload of a successful patient-record retrieval.
type RecordsOutput struct {
	Chunks []ContextChunk `json:"chunks"`
}

// ToolResult is the tagged outcome of a tool invocation: exactly one of the
// payload pointers or Failure is set. A failed result is carried as data so
// that a broken tool degrades the answer instead of aborting the turn.
type ToolResult struct {
	Tool       ToolName          `json:"tool"`
	Classifier *ClassifierOutput `json:"classifier,omitempty"`
	Transcript *TranscriptOutput `json:"transcript,omitempty"`
	Records    *RecordsOutput    `json:"records,omitempty"`
	Failure    *ToolFailure      `json:"failure,omitempty"`
	Elapsed    time.Duration     `json:"elapsed_ns,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r ToolResult) OK() bool { return r.Failure == nil }

// Fail builds a failure result for the given tool.
func Fail(tool ToolName, kind ToolErrorKind, message string) ToolResult {
	return ToolResult{Tool: tool, Failure: &ToolFailure{Kind: kind, Message: message}}
}

// ContextChunk is one retrieved piece of patient context, scored by relevance.
type ContextChunk struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
	Date   string  `json:"date,omitempty"`
}

// ConfidenceTier buckets answer certainty. The ordering low < medium < high
// matters for escalation; TierUnknown means no upstream signal was available
// and is treated as low for escalation purposes, never invented as a score.
type ConfidenceTier string

const (
	TierUnknown ConfidenceTier = "unknown"
	TierLow     ConfidenceTier = "low"
	TierMedium  ConfidenceTier = "medium"
	TierHigh    ConfidenceTier = "high"
)

// MemoryEntry is one element of a session's rolling conversation memory.
type MemoryEntry struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is the durable conversational context spanning turns. It is owned
// by the session store and mutated only through its Touch operation.
type Session struct {
	ID         string        `json:"id"`
	PatientID  *string       `json:"patient_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
	TurnCount  int           `json:"turn_count"`
	Memory     []MemoryEntry `json:"memory"`
}

// SafetyState is the evaluator's state over a turn. Unchecked is initial.
// EmergencyFlagged records that emergency rules fired; it always carries an
// urgent-care directive and the escalation flag, so it subsumes Escalated.
type SafetyState string

const (
	StateUnchecked        SafetyState = "unchecked"
	StateEmergencyFlagged SafetyState = "emergency_flagged"
	StateSafe             SafetyState = "safe"
	StateEscalated        SafetyState = "escalated"
)

// Turn is one request/response exchange. It is created when a request enters
// the controller and immutable once finalized.
type Turn struct {
	ID             string                  `json:"id"`
	SessionID      string                  `json:"session_id"`
	Modality       Modality                `json:"modality"`
	Text           string                  `json:"text,omitempty"`
	AttachmentRef  string                  `json:"attachment_ref,omitempty"`
	Classification Classification          `json:"classification"`
	ToolResults    map[ToolName]ToolResult `json:"tool_results,omitempty"`
	Context        []ContextChunk          `json:"context,omitempty"`
	Answer         string                  `json:"answer"`
	Tier           ConfidenceTier          `json:"confidence_tier"`
	Emergency      bool                    `json:"emergency"`
	Escalated      bool                    `json:"escalated"`
	SafetyState    SafetyState             `json:"safety_state"`
	SafetyFindings []string                `json:"safety_findings,omitempty"`
	Degraded       bool                    `json:"degraded"`
	CreatedAt      time.Time               `json:"created_at"`
	FinalizedAt    time.Time               `json:"finalized_at"`
}

// ToolsUsed lists the tools that produced a successful result for this turn.
// Failed tools stay visible in ToolResults but are excluded here.
func (t *Turn) ToolsUsed() []string {
	used := make([]string, 0, len(t.ToolResults))
	for name, res := range t.ToolResults {
		if res.OK() {
			used = append(used, string(name))
		}
	}
	return used
}

// TurnRequest is the single operation the engine exposes to its caller.
type TurnRequest struct {
	SessionID     string   `json:"session_id,omitempty"`
	PatientID     string   `json:"patient_id,omitempty"`
	Modality      Modality `json:"modality"`
	Text          string   `json:"text,omitempty"`
	AttachmentRef string   `json:"attachment_ref,omitempty"`
	// AudioRef carries the audio attachment when Modality is combined and
	// both an image and an audio file accompany the turn.
	AudioRef string `json:"audio_ref,omitempty"`
}

// TurnMetadata summarises how the answer was produced.
type TurnMetadata struct {
	Classification Category       `json:"classification"`
	ToolsUsed      []string       `json:"tools_used"`
	ConfidenceTier ConfidenceTier `json:"confidence_tier"`
	EmergencyFlag  bool           `json:"emergency_flag"`
	EscalationFlag bool           `json:"escalation_flag"`
	Degraded       bool           `json:"degraded,omitempty"`
}

// TurnResult is the response envelope returned to the transport layer.
type TurnResult struct {
	Answer    string       `json:"answer"`
	Metadata  TurnMetadata `json:"metadata"`
	SessionID string       `json:"session_id"`
}
