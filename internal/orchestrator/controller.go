// Package orchestrator drives a turn through its full pipeline: input
// validation, session resolution, routing, tool execution, retrieval,
// reasoning with retry, and the safety gate. It owns the policy decisions
// the leaf packages deliberately stay out of.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"medconsult/internal/db"
	"medconsult/internal/metrics"
	"medconsult/internal/reasoning"
	"medconsult/internal/router"
	"medconsult/internal/safety"
	"medconsult/internal/session"
	"medconsult/internal/tools"
	"medconsult/pkg"
)

// Invoker is the slice of the tool registry the controller uses.
type Invoker interface {
	Invoke(ctx context.Context, name pkg.ToolName, p tools.Payload) pkg.ToolResult
	InvokeAll(ctx context.Context, calls []tools.Call) map[pkg.ToolName]pkg.ToolResult
}

// Responder is satisfied by *reasoning.Engine.
type Responder interface {
	Respond(ctx context.Context, in reasoning.Input) (*reasoning.Generation, error)
}

// Gate is satisfied by *safety.Evaluator.
type Gate interface {
	Evaluate(in safety.Evaluation) safety.Outcome
}

// Notifier publishes escalations for clinician review. Notification is
// best-effort: a publish failure never fails the turn.
type Notifier interface {
	Notify(ctx context.Context, e db.Escalation) error
}

// Controller composes the pipeline. All collaborators are required except
// Notify, which may be nil when no escalation channel is configured.
type Controller struct {
	Sessions session.Store
	Tools    Invoker
	Reason   Responder
	Safety   Gate
	Notify   Notifier

	Retries       int // additional reasoning attempts after the first
	Backoff       time.Duration
	RetrievalTopK int
	Log           *logrus.Logger

	newID func() string
	sleep func(time.Duration)
}

func New(sessions session.Store, registry Invoker, reason Responder, gate Gate, notify Notifier, retries int, backoff time.Duration, topK int, log *logrus.Logger) *Controller {
	return &Controller{
		Sessions:      sessions,
		Tools:         registry,
		Reason:        reason,
		Safety:        gate,
		Notify:        notify,
		Retries:       retries,
		Backoff:       backoff,
		RetrievalTopK: topK,
		Log:           log,
		newID:         uuid.NewString,
		sleep:         time.Sleep,
	}
}

var (
	imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true}
	audioExts = map[string]bool{".wav": true, ".mp3": true, ".m4a": true, ".ogg": true, ".flac": true, ".webm": true}
)

// HandleTurn runs one request end to end. The only errors it returns are the
// caller-facing sentinels in pkg and context cancellation; tool failures and
// reasoning exhaustion are folded into the response instead.
func (c *Controller) HandleTurn(ctx context.Context, req pkg.TurnRequest) (*pkg.TurnResult, error) {
	text := safety.SanitizeInput(req.Text)

	if err := validateRef(req.AttachmentRef, imageExts); err != nil {
		return nil, err
	}
	if err := validateRef(req.AudioRef, audioExts); err != nil {
		return nil, err
	}
	if text == "" && req.AttachmentRef == "" && req.AudioRef == "" {
		return nil, pkg.ErrEmptyTurn
	}

	sess, err := c.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	patientID := req.PatientID
	if patientID == "" && sess.PatientID != nil {
		patientID = *sess.PatientID
	}

	cls := c.classify(text, req)
	if cls.Category == pkg.CategoryPersonalRecord && patientID == "" {
		return nil, pkg.ErrMissingPatientContext
	}

	turn := &pkg.Turn{
		ID:             c.newID(),
		SessionID:      sess.ID,
		Modality:       req.Modality,
		Text:           text,
		AttachmentRef:  req.AttachmentRef,
		Classification: cls,
		SafetyState:    pkg.StateUnchecked,
		CreatedAt:      time.Now(),
	}
	log := c.Log.WithFields(logrus.Fields{
		"turn":           turn.ID,
		"session":        sess.ID,
		"classification": cls.Category,
	})

	results := c.runTools(ctx, req)

	// A transcript becomes part of the effective query, and may surface
	// personal-history phrasing the typed text lacked.
	query := text
	if r, ok := results[pkg.ToolSpeechTranscriber]; ok && r.OK() {
		query = strings.TrimSpace(strings.TrimSpace(text) + " " + r.Transcript.Text)
		cls = c.classify(query, req)
		turn.Classification = cls
	}

	if cls.RequiresPatientContext && patientID != "" {
		res := c.Tools.Invoke(ctx, pkg.ToolPatientRecords, tools.Payload{
			PatientID: patientID,
			Query:     query,
			TopK:      c.RetrievalTopK,
		})
		if results == nil {
			results = map[pkg.ToolName]pkg.ToolResult{}
		}
		results[pkg.ToolPatientRecords] = res
		if res.OK() {
			turn.Context = res.Records.Chunks
		}
	}
	turn.ToolResults = results

	gen, degraded := c.reason(ctx, log, reasoning.Input{
		Query:          query,
		Classification: cls,
		ToolResults:    results,
		Context:        turn.Context,
		Memory:         sess.Memory,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	answer := ""
	var conf *float64
	if gen != nil {
		answer = gen.Answer
		conf = gen.Confidence
	}
	if degraded {
		answer = degradedAnswer(results, turn.Context)
	}

	out := c.Safety.Evaluate(safety.Evaluation{
		Query:       query,
		Answer:      answer,
		PatientID:   patientID,
		Confidence:  conf,
		ToolResults: results,
		Degraded:    degraded,
	})

	turn.Text = query
	turn.Answer = out.Answer
	turn.Tier = out.Tier
	turn.Emergency = out.Emergency
	turn.Escalated = out.Escalate
	turn.SafetyState = out.State
	turn.SafetyFindings = out.Findings
	turn.Degraded = degraded
	turn.FinalizedAt = time.Now()

	// A cancelled caller gets nothing and leaves no trace in the session.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := c.Sessions.Touch(ctx, sess.ID, turn); err != nil {
		return nil, fmt.Errorf("record turn: %w", err)
	}

	if out.Escalate {
		c.publishEscalation(ctx, log, turn, out)
	}

	outcome := "safe"
	if out.Escalate {
		outcome = "escalated"
	}
	metrics.TurnsTotal.WithLabelValues(string(cls.Category), outcome).Inc()
	log.WithFields(logrus.Fields{
		"tier":      out.Tier,
		"escalated": out.Escalate,
		"degraded":  degraded,
		"tools":     len(results),
	}).Info("turn complete")

	return &pkg.TurnResult{
		Answer:    turn.Answer,
		SessionID: sess.ID,
		Metadata: pkg.TurnMetadata{
			Classification: cls.Category,
			ToolsUsed:      turn.ToolsUsed(),
			ConfidenceTier: out.Tier,
			EmergencyFlag:  out.Emergency,
			EscalationFlag: out.Escalate,
			Degraded:       degraded,
		},
	}, nil
}

func (c *Controller) resolveSession(ctx context.Context, req pkg.TurnRequest) (*pkg.Session, error) {
	if req.SessionID == "" {
		var pid *string
		if req.PatientID != "" {
			p := req.PatientID
			pid = &p
		}
		return c.Sessions.Create(ctx, pid)
	}

	expired, err := c.Sessions.ExpireIfStale(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, pkg.ErrSessionNotFound
	}
	sess, ok, err := c.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pkg.ErrSessionNotFound
	}
	return sess, nil
}

func (c *Controller) classify(text string, req pkg.TurnRequest) pkg.Classification {
	return router.Classify(router.Input{
		Text:     text,
		Modality: req.Modality,
		HasImage: req.AttachmentRef != "",
		HasAudio: req.AudioRef != "",
	})
}

// runTools fires the media tools concurrently. Failures land in the result
// map as data; a broken classifier never blocks the transcript and vice
// versa.
func (c *Controller) runTools(ctx context.Context, req pkg.TurnRequest) map[pkg.ToolName]pkg.ToolResult {
	var calls []tools.Call
	if req.AttachmentRef != "" {
		calls = append(calls, tools.Call{Name: pkg.ToolImageClassifier, Payload: tools.Payload{FileRef: req.AttachmentRef}})
	}
	if req.AudioRef != "" {
		calls = append(calls, tools.Call{Name: pkg.ToolSpeechTranscriber, Payload: tools.Payload{FileRef: req.AudioRef}})
	}
	if len(calls) == 0 {
		return nil
	}
	return c.Tools.InvokeAll(ctx, calls)
}

// reason calls the model with a bounded retry budget. It returns the last
// successful generation, or nil with degraded=true when every attempt failed.
func (c *Controller) reason(ctx context.Context, log *logrus.Entry, in reasoning.Input) (*reasoning.Generation, bool) {
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			metrics.InferenceRetries.Inc()
			c.sleep(c.Backoff)
		}
		if ctx.Err() != nil {
			return nil, true
		}
		start := time.Now()
		gen, err := c.Reason.Respond(ctx, in)
		metrics.InferenceLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return gen, false
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("reasoning attempt failed")
	}
	log.WithError(lastErr).Error("reasoning exhausted, serving degraded response")
	return nil, true
}

// degradedAnswer is served when the model is unreachable. It reports what
// the tools did find so the turn is still useful, and never fabricates an
// answer.
func degradedAnswer(results map[pkg.ToolName]pkg.ToolResult, contextChunks []pkg.ContextChunk) string {
	var b strings.Builder
	b.WriteString("I'm sorry — I wasn't able to generate a full answer right now. ")
	b.WriteString("Please try again shortly, and contact your healthcare provider if your question is urgent.")

	if r, ok := results[pkg.ToolImageClassifier]; ok && r.OK() {
		fmt.Fprintf(&b, "\n\nYour image was analyzed before the failure: the classifier suggested %q (confidence %.0f%%).",
			r.Classifier.Label, r.Classifier.Confidence*100)
	}
	if r, ok := results[pkg.ToolSpeechTranscriber]; ok && r.OK() {
		fmt.Fprintf(&b, "\n\nYour voice message was transcribed as: %q.", r.Transcript.Text)
	}
	if len(contextChunks) > 0 {
		fmt.Fprintf(&b, "\n\n%d relevant entries were found in your medical record; ask again to have them summarized.",
			len(contextChunks))
	}
	return b.String()
}

func (c *Controller) publishEscalation(ctx context.Context, log *logrus.Entry, turn *pkg.Turn, out safety.Outcome) {
	if c.Notify == nil {
		return
	}
	err := c.Notify.Notify(ctx, db.Escalation{
		SessionID: turn.SessionID,
		TurnID:    turn.ID,
		Reason:    escalationReason(turn, out),
		At:        time.Now(),
	})
	if err != nil {
		log.WithError(err).Warn("escalation publish failed")
	}
}

func escalationReason(turn *pkg.Turn, out safety.Outcome) string {
	switch {
	case out.Emergency:
		return "emergency"
	case turn.Degraded:
		return "degraded"
	case out.Tier == pkg.TierLow || out.Tier == pkg.TierUnknown:
		return "low_confidence"
	default:
		return "tool_failure"
	}
}

func validateRef(ref string, allowed map[string]bool) error {
	if ref == "" {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(ref))
	if !allowed[ext] {
		return fmt.Errorf("%w: %s", pkg.ErrInvalidAttachment, ref)
	}
	return nil
}
