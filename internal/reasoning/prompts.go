package reasoning

// prompts.go holds the prompt text used to assemble the reasoning request.
// Keeping it in one file makes the wording easy to tune without touching the
// assembly logic.

const (
	// SystemPrompt frames the model as a cautious consultation assistant.
	// The disclaimer itself is attached downstream and must not be left to
	// the model, but the prompt still forbids definitive diagnoses so the
	// raw output stays within bounds even before the safety pass.
	SystemPrompt = "You are a medical consultation assistant for a patient support system. " +
		"You help patients understand symptoms, their own medical records, and results " +
		"from diagnostic tools. You NEVER give a definitive diagnosis: use qualifying " +
		"language such as \"may indicate\", \"could be\", or \"suggests the possibility of\". " +
		"Recommend professional medical care for anything serious. When patient record " +
		"context is provided, reference the specific dates and values it contains and " +
		"discuss only the current patient's information. When a tool result is marked " +
		"FAILED, say plainly that the analysis is unavailable instead of guessing what " +
		"it might have shown. Be warm, clear, and explain medical terms in plain language."

	// ConfidenceInstruction asks for the self-reported certainty signal the
	// escalation policy consumes. Models that ignore it are handled as
	// "unknown" confidence, never as an error.
	ConfidenceInstruction = "After your reply, on its own final line, state your confidence " +
		"in the answer as a number between 0 and 1 in the exact form: CONFIDENCE: <value>"

	contextHeader = "PATIENT RECORD CONTEXT (the current patient's own records):"
	toolsHeader   = "TOOL RESULTS:"
)
