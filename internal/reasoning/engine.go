// Package reasoning builds the model prompt from everything a turn gathered
// and invokes the language model behind a narrow client interface.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"medconsult/pkg"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Generation is the model's answer plus its optional self-reported
// confidence. A nil Confidence is a valid outcome, not an error.
type Generation struct {
	Answer     string
	Confidence *float64
}

// Client abstracts the language-model inference service.
type Client interface {
	Generate(ctx context.Context, messages []Message) (*Generation, error)
}

// ErrEmptyOutput marks a response that came back blank; the controller
// treats it like any other transient inference failure.
var ErrEmptyOutput = errors.New("model returned empty output")

// Input is everything the prompt is assembled from.
type Input struct {
	Query          string
	Classification pkg.Classification
	ToolResults    map[pkg.ToolName]pkg.ToolResult
	Context        []pkg.ContextChunk
	Memory         []pkg.MemoryEntry
}

// Engine is the reasoning step of the pipeline.
type Engine struct {
	Client       Client
	MemoryWindow int // recent turns (user+assistant pairs) included
	Timeout      time.Duration
	Log          *logrus.Logger
}

// Respond assembles the prompt and calls the model once. Retry policy
// belongs to the orchestrator, not here.
func (e *Engine) Respond(ctx context.Context, in Input) (*Generation, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	messages := BuildMessages(in, e.MemoryWindow)
	gen, err := e.Client.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(gen.Answer) == "" {
		return nil, ErrEmptyOutput
	}
	e.Log.WithFields(logrus.Fields{
		"answer_chars":   len(gen.Answer),
		"has_confidence": gen.Confidence != nil,
	}).Debug("reasoning complete")
	return gen, nil
}

// BuildMessages lays the prompt out in fixed sections: system instructions,
// retrieved context and tool results (failures explicitly labeled), the
// bounded recent conversation, then the current query.
func BuildMessages(in Input, memoryWindow int) []Message {
	messages := []Message{{Role: "system", Content: SystemPrompt + "\n\n" + ConfidenceInstruction}}

	if section := evidenceSection(in); section != "" {
		messages = append(messages, Message{Role: "system", Content: section})
	}

	recent := in.Memory
	if memoryWindow > 0 && len(recent) > memoryWindow*2 {
		recent = recent[len(recent)-memoryWindow*2:]
	}
	for _, m := range recent {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, Message{Role: role, Content: m.Content})
	}

	query := in.Query
	if strings.TrimSpace(query) == "" {
		// Image-only turns still need a user message to anchor the reply.
		query = "Please interpret the attached input for me."
	}
	return append(messages, Message{Role: "user", Content: query})
}

// evidenceSection renders retrieved context and tool outcomes. A failed tool
// is never silently absorbed: the model sees the failure explicitly.
func evidenceSection(in Input) string {
	var b strings.Builder

	if len(in.Context) > 0 {
		b.WriteString(contextHeader + "\n")
		for _, ch := range in.Context {
			fmt.Fprintf(&b, "- [%s", ch.Source)
			if ch.Date != "" {
				fmt.Fprintf(&b, " %s", ch.Date)
			}
			fmt.Fprintf(&b, ", relevance %.2f] %s\n", ch.Score, ch.Text)
		}
	}

	if len(in.ToolResults) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(toolsHeader + "\n")
		// Stable order so the prompt is reproducible.
		for _, name := range []pkg.ToolName{pkg.ToolImageClassifier, pkg.ToolSpeechTranscriber, pkg.ToolPatientRecords} {
			res, ok := in.ToolResults[name]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", name, renderResult(res))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderResult(res pkg.ToolResult) string {
	if !res.OK() {
		return fmt.Sprintf("FAILED (%s): %s — this analysis is unavailable for this turn",
			res.Failure.Kind, res.Failure.Message)
	}
	switch {
	case res.Classifier != nil:
		labels := make([]string, 0, len(res.Classifier.Distribution))
		for label := range res.Classifier.Distribution {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		dist := make([]string, 0, len(labels))
		for _, label := range labels {
			dist = append(dist, fmt.Sprintf("%s %.1f%%", label, res.Classifier.Distribution[label]*100))
		}
		out := fmt.Sprintf("SUCCEEDED — classified as %q with %.1f%% confidence",
			res.Classifier.Label, res.Classifier.Confidence*100)
		if len(dist) > 0 {
			out += " (distribution: " + strings.Join(dist, ", ") + ")"
		}
		return out
	case res.Transcript != nil:
		return fmt.Sprintf("SUCCEEDED — transcribed audio: %q", res.Transcript.Text)
	case res.Records != nil:
		return fmt.Sprintf("SUCCEEDED — %d record chunks retrieved (see context section)",
			len(res.Records.Chunks))
	default:
		return "SUCCEEDED"
	}
}
