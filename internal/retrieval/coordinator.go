// Package retrieval assembles bounded patient context from the vector index
// and the structured history store.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"medconsult/internal/db"
	"medconsult/internal/metrics"
	"medconsult/pkg"
)

// History is the slice of the structured store the coordinator uses.
// *db.HistoryRepository satisfies it.
type History interface {
	ActiveConditions(ctx context.Context, patientID string) ([]db.Condition, error)
	Medications(ctx context.Context, patientID string, activeOnly bool) ([]db.Medication, error)
	Observations(ctx context.Context, patientID, kind string, daysBack int) ([]db.Observation, error)
	Allergies(ctx context.Context, patientID string) ([]db.Allergy, error)
}

// Coordinator picks a retrieval mode per query and bounds what goes
// downstream. Structured queries ("what are my current medications") hit the
// typed store directly; everything else goes through semantic search.
type Coordinator struct {
	Vector     VectorIndex
	History    History
	Embed      Embedder
	TopK       int
	Budget     int // character budget for the assembled context
	ScoreFloor float64
	Timeout    time.Duration
	Log        *logrus.Logger
}

var (
	yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

	structuredPatterns = []struct {
		mode string
		re   *regexp.Regexp
	}{
		{"conditions", regexp.MustCompile(`(?i)\b(current|active|ongoing)\s+(conditions?|diagnos\w+|problems?)\b`)},
		{"medications", regexp.MustCompile(`(?i)\b(current(ly)?|active)?\s*(medications?|prescriptions?)\s+(am\s+i|list|taking)|\bam\s+i\s+(taking|on)\b|\bmy\s+current\s+medications?\b`)},
		{"allergies", regexp.MustCompile(`(?i)\ballerg(y|ies|ic)\b`)},
		{"observations", regexp.MustCompile(`(?i)\b(latest|recent|last)\s+(blood\s+pressure|heart\s+rate|weight|bmi|readings?|vitals?|labs?)\b`)},
	}
)

// Retrieve returns an ordered, budget-bounded context for the query. topK
// overrides the configured value when positive. An empty result means the
// patient has no matching history; only store-unavailable conditions produce
// an error.
func (c *Coordinator) Retrieve(ctx context.Context, patientID, query string, topK int) ([]pkg.ContextChunk, error) {
	if topK <= 0 {
		topK = c.TopK
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var (
		chunks []pkg.ContextChunk
		err    error
	)
	if mode := structuredMode(query); mode != "" {
		chunks, err = c.structured(ctx, patientID, mode)
	} else {
		chunks, err = c.semantic(ctx, patientID, query, topK)
	}
	if err != nil {
		return nil, err
	}

	chunks = bound(chunks, c.ScoreFloor, c.Budget)
	metrics.RetrievedChunks.Observe(float64(len(chunks)))
	c.Log.WithFields(logrus.Fields{"patient_id": patientID, "chunks": len(chunks)}).
		Debug("context retrieval complete")
	return chunks, nil
}

// structuredMode recognizes queries that want a typed lookup rather than a
// narrative search.
func structuredMode(query string) string {
	for _, p := range structuredPatterns {
		if p.re.MatchString(query) {
			return p.mode
		}
	}
	return ""
}

func (c *Coordinator) structured(ctx context.Context, patientID, mode string) ([]pkg.ContextChunk, error) {
	switch mode {
	case "conditions":
		conditions, err := c.History.ActiveConditions(ctx, patientID)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		out := make([]pkg.ContextChunk, 0, len(conditions))
		for _, cond := range conditions {
			out = append(out, pkg.ContextChunk{
				Text:   fmt.Sprintf("Active condition: %s (since %s)", cond.Description, cond.Onset.Format("2006-01-02")),
				Score:  1.0,
				Source: "conditions",
				Date:   cond.Onset.Format("2006-01-02"),
			})
		}
		return out, nil
	case "medications":
		meds, err := c.History.Medications(ctx, patientID, true)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		out := make([]pkg.ContextChunk, 0, len(meds))
		for _, m := range meds {
			text := "Current medication: " + m.Description
			if m.Dosage != "" {
				text += ", " + m.Dosage
			}
			out = append(out, pkg.ContextChunk{
				Text:   text,
				Score:  1.0,
				Source: "medications",
				Date:   m.Started.Format("2006-01-02"),
			})
		}
		return out, nil
	case "allergies":
		allergies, err := c.History.Allergies(ctx, patientID)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		out := make([]pkg.ContextChunk, 0, len(allergies))
		for _, a := range allergies {
			out = append(out, pkg.ContextChunk{
				Text:   "Recorded allergy: " + a.Description,
				Score:  1.0,
				Source: "allergies",
				Date:   a.RecordedAt.Format("2006-01-02"),
			})
		}
		return out, nil
	case "observations":
		obs, err := c.History.Observations(ctx, patientID, "", 365)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		out := make([]pkg.ContextChunk, 0, len(obs))
		for _, o := range obs {
			out = append(out, pkg.ContextChunk{
				Text:   fmt.Sprintf("Observation %s: %.1f %s on %s", o.Kind, o.Value, o.Unit, o.TakenAt.Format("2006-01-02")),
				Score:  1.0,
				Source: "observations",
				Date:   o.TakenAt.Format("2006-01-02"),
			})
		}
		return out, nil
	default:
		return nil, nil
	}
}

func (c *Coordinator) semantic(ctx context.Context, patientID, query string, topK int) ([]pkg.ContextChunk, error) {
	vector, err := c.Embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	chunks, err := c.Vector.Search(ctx, patientID, vector, topK)
	if err != nil {
		return nil, err
	}
	return filterYear(chunks, query), nil
}

// filterYear narrows results to the 4-digit year mentioned in the query,
// falling back to the full set when nothing carries a matching date.
func filterYear(chunks []pkg.ContextChunk, query string) []pkg.ContextChunk {
	year := yearRe.FindString(query)
	if year == "" {
		return chunks
	}
	var filtered []pkg.ContextChunk
	for _, ch := range chunks {
		if strings.Contains(ch.Date, year) {
			filtered = append(filtered, ch)
		}
	}
	if len(filtered) == 0 {
		return chunks
	}
	return filtered
}

// bound enforces the downstream context budget. Chunks below the score floor
// are dropped first, since low relevance degrades the answer more than
// staleness; the remainder is kept highest-score-first until the character
// budget is spent.
func bound(chunks []pkg.ContextChunk, floor float64, budget int) []pkg.ContextChunk {
	kept := make([]pkg.ContextChunk, 0, len(chunks))
	for _, ch := range chunks {
		if ch.Score >= floor {
			kept = append(kept, ch)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	if budget <= 0 {
		return kept
	}
	total := 0
	out := kept[:0]
	for _, ch := range kept {
		if total+len(ch.Text) > budget && total > 0 {
			break
		}
		out = append(out, ch)
		total += len(ch.Text)
	}
	return out
}
