package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medconsult/internal/db"
	"medconsult/internal/tools"
	"medconsult/pkg"
)

type fakeHistory struct {
	conditions []db.Condition
	meds       []db.Medication
	err        error
}

func (f *fakeHistory) ActiveConditions(context.Context, string) ([]db.Condition, error) {
	return f.conditions, f.err
}

func (f *fakeHistory) Medications(context.Context, string, bool) ([]db.Medication, error) {
	return f.meds, f.err
}

func (f *fakeHistory) Observations(context.Context, string, string, int) ([]db.Observation, error) {
	return nil, f.err
}

func (f *fakeHistory) Allergies(context.Context, string) ([]db.Allergy, error) {
	return nil, f.err
}

type fakeIndex struct {
	chunks []pkg.ContextChunk
	err    error
	calls  int
	gotK   int
}

func (f *fakeIndex) Search(_ context.Context, _ string, _ []float32, topK int) ([]pkg.ContextChunk, error) {
	f.calls++
	f.gotK = topK
	return f.chunks, f.err
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2}, f.err
}

func newCoordinator(h History, v VectorIndex) *Coordinator {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Coordinator{
		Vector:     v,
		History:    h,
		Embed:      &fakeEmbedder{},
		TopK:       3,
		Budget:     4000,
		ScoreFloor: 0.25,
		Log:        log,
	}
}

func TestStructuredMode(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"what are my current active conditions", "conditions"},
		{"am I taking anything for my heart?", "medications"},
		{"am I allergic to penicillin?", "allergies"},
		{"what was my latest blood pressure reading", "observations"},
		{"what was my BMI last year?", ""},
		{"tell me about my surgery in 2019", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, structuredMode(tt.query), tt.query)
	}
}

func TestRetrieveStructuredConditions(t *testing.T) {
	h := &fakeHistory{conditions: []db.Condition{
		{Description: "Hypertension", Onset: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Description: "Type 2 diabetes", Onset: time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)},
	}}
	idx := &fakeIndex{}
	c := newCoordinator(h, idx)

	chunks, err := c.Retrieve(context.Background(), "p1", "list my current active conditions", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "Hypertension")
	assert.Equal(t, "conditions", chunks[0].Source)
	assert.Zero(t, idx.calls, "structured queries must not hit the vector index")
}

func TestRetrieveSemanticWithYearFilter(t *testing.T) {
	idx := &fakeIndex{chunks: []pkg.ContextChunk{
		{Text: "BMI recorded 27.4", Score: 0.9, Source: "obs-1", Date: "2024-05-01"},
		{Text: "BMI recorded 26.1", Score: 0.8, Source: "obs-2", Date: "2023-04-12"},
	}}
	c := newCoordinator(&fakeHistory{}, idx)

	chunks, err := c.Retrieve(context.Background(), "p1", "what was my BMI in 2023?", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "obs-2", chunks[0].Source)
}

func TestRetrieveYearFilterFallsBackWhenNoDateMatches(t *testing.T) {
	idx := &fakeIndex{chunks: []pkg.ContextChunk{
		{Text: "visit note", Score: 0.9, Source: "note-1", Date: "2024-05-01"},
	}}
	c := newCoordinator(&fakeHistory{}, idx)

	chunks, err := c.Retrieve(context.Background(), "p1", "my surgery in 2018", 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "unmatched year keeps the full result set")
}

func TestRetrieveTopKOverride(t *testing.T) {
	idx := &fakeIndex{}
	c := newCoordinator(&fakeHistory{}, idx)

	_, err := c.Retrieve(context.Background(), "p1", "what was my BMI last year?", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, idx.gotK, "caller's top-k reaches the index")

	_, err = c.Retrieve(context.Background(), "p1", "what was my BMI last year?", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, idx.gotK, "zero falls back to the configured top-k")
}

func TestRecordsAdapterPassesTopK(t *testing.T) {
	idx := &fakeIndex{chunks: []pkg.ContextChunk{{Text: "note", Score: 0.8, Source: "n1"}}}
	adapter := &RecordsAdapter{Coordinator: newCoordinator(&fakeHistory{}, idx)}

	res := adapter.Invoke(context.Background(), tools.Payload{PatientID: "p1", Query: "my history", TopK: 5})
	require.True(t, res.OK())
	assert.Equal(t, 5, idx.gotK)
}

func TestRetrieveEmptyHistoryIsNotAnError(t *testing.T) {
	c := newCoordinator(&fakeHistory{}, &fakeIndex{})
	chunks, err := c.Retrieve(context.Background(), "p1", "what was my BMI last year?", 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRetrieveStoreUnavailable(t *testing.T) {
	c := newCoordinator(&fakeHistory{}, &fakeIndex{err: errors.New("connection refused")})
	_, err := c.Retrieve(context.Background(), "p1", "what was my BMI last year?", 0)
	require.Error(t, err)
}

func TestBoundDropsBelowFloorFirst(t *testing.T) {
	chunks := []pkg.ContextChunk{
		{Text: "recent but irrelevant", Score: 0.1, Date: "2025-01-01"},
		{Text: "old but relevant", Score: 0.9, Date: "2018-01-01"},
		{Text: "middling", Score: 0.5, Date: "2022-01-01"},
	}
	out := bound(chunks, 0.25, 4000)
	require.Len(t, out, 2)
	assert.Equal(t, "old but relevant", out[0].Text, "ordered by score, not recency")
	assert.Equal(t, "middling", out[1].Text)
}

func TestBoundEnforcesCharacterBudget(t *testing.T) {
	long := strings.Repeat("x", 100)
	chunks := []pkg.ContextChunk{
		{Text: long, Score: 0.9},
		{Text: long, Score: 0.8},
		{Text: long, Score: 0.7},
	}
	out := bound(chunks, 0, 250)
	require.Len(t, out, 2, "third chunk exceeds the budget")
	assert.Equal(t, 0.9, out[0].Score)

	// A single oversized chunk is still delivered rather than returning nothing.
	out = bound([]pkg.ContextChunk{{Text: strings.Repeat("y", 500), Score: 0.9}}, 0, 250)
	assert.Len(t, out, 1)
}

func TestRecordsAdapter(t *testing.T) {
	idx := &fakeIndex{chunks: []pkg.ContextChunk{{Text: "note", Score: 0.8, Source: "n1"}}}
	c := newCoordinator(&fakeHistory{}, idx)
	adapter := &RecordsAdapter{Coordinator: c}

	res := adapter.Invoke(context.Background(), tools.Payload{PatientID: "p1", Query: "my history"})
	require.True(t, res.OK())
	require.NotNil(t, res.Records)
	assert.Len(t, res.Records.Chunks, 1)

	res = adapter.Invoke(context.Background(), tools.Payload{Query: "my history"})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrBadInput, res.Failure.Kind)

	idx.err = errors.New("index down")
	res = adapter.Invoke(context.Background(), tools.Payload{PatientID: "p1", Query: "my history"})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrUnavailable, res.Failure.Kind)
}
