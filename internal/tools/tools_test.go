package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medconsult/pkg"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// slowAdapter blocks until its context is done, then reports the delay.
type slowAdapter struct {
	name  pkg.ToolName
	delay time.Duration
}

func (a slowAdapter) Name() pkg.ToolName { return a.name }

func (a slowAdapter) Invoke(ctx context.Context, _ Payload) pkg.ToolResult {
	select {
	case <-time.After(a.delay):
		return pkg.ToolResult{Tool: a.name, Transcript: &pkg.TranscriptOutput{Text: "done"}}
	case <-ctx.Done():
		return pkg.Fail(a.name, pkg.ToolErrTimeout, ctx.Err().Error())
	}
}

type panicAdapter struct{}

func (panicAdapter) Name() pkg.ToolName                             { return pkg.ToolImageClassifier }
func (panicAdapter) Invoke(context.Context, Payload) pkg.ToolResult { panic("native failure") }

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry(time.Second, testLogger())
	res := reg.Invoke(context.Background(), "palm_reader", Payload{})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrBadInput, res.Failure.Kind)
}

func TestRegistryTimeoutIsFailureNotPending(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, testLogger(),
		slowAdapter{name: pkg.ToolSpeechTranscriber, delay: time.Second})

	start := time.Now()
	res := reg.Invoke(context.Background(), pkg.ToolSpeechTranscriber, Payload{FileRef: "a.wav"})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrTimeout, res.Failure.Kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "must not wait for the slow tool")
}

func TestRegistryAbsorbsPanics(t *testing.T) {
	reg := NewRegistry(time.Second, testLogger(), panicAdapter{})
	res := reg.Invoke(context.Background(), pkg.ToolImageClassifier, Payload{FileRef: "x.png"})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrInference, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "native failure")
}

func TestInvokeAllJoinSemantics(t *testing.T) {
	fast := slowAdapter{name: pkg.ToolImageClassifier, delay: 5 * time.Millisecond}
	slow := slowAdapter{name: pkg.ToolSpeechTranscriber, delay: time.Second}
	reg := NewRegistry(50*time.Millisecond, testLogger(), fast, slow)

	results := reg.InvokeAll(context.Background(), []Call{
		{Name: pkg.ToolImageClassifier, Payload: Payload{FileRef: "r.png"}},
		{Name: pkg.ToolSpeechTranscriber, Payload: Payload{FileRef: "r.wav"}},
	})

	require.Len(t, results, 2)
	assert.True(t, results[pkg.ToolImageClassifier].OK(),
		"fast branch must survive the slow branch's timeout")
	require.False(t, results[pkg.ToolSpeechTranscriber].OK())
	assert.Equal(t, pkg.ToolErrTimeout, results[pkg.ToolSpeechTranscriber].Failure.Kind)
}

func TestImageClassifierSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/classify", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "uploads/rash.png", in["file_ref"])
		json.NewEncoder(w).Encode(classifyResponse{
			Label:      "Eczema_Dermatitis",
			Confidence: 0.87,
			Probabilities: map[string]float64{
				"Eczema_Dermatitis": 0.87,
				"Healthy_Skin":      0.05,
			},
		})
	}))
	defer srv.Close()

	adapter := NewImageClassifier(srv.URL)
	res := adapter.Invoke(context.Background(), Payload{FileRef: "uploads/rash.png"})
	require.True(t, res.OK())
	require.NotNil(t, res.Classifier)
	assert.Equal(t, "Eczema_Dermatitis", res.Classifier.Label)
	assert.InDelta(t, 0.87, res.Classifier.Confidence, 1e-9)
	assert.Len(t, res.Classifier.Distribution, 2)
}

func TestImageClassifierServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewImageClassifier(srv.URL).Invoke(context.Background(), Payload{FileRef: "x.png"})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrInference, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "model not loaded")
}

func TestImageClassifierUnreachable(t *testing.T) {
	res := NewImageClassifier("http://127.0.0.1:1").Invoke(context.Background(), Payload{FileRef: "x.png"})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrUnavailable, res.Failure.Kind)
}

func TestImageClassifierMissingFileRef(t *testing.T) {
	res := NewImageClassifier("http://unused").Invoke(context.Background(), Payload{})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrBadInput, res.Failure.Kind)
}

func TestSpeechTranscriberSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transcribe", r.URL.Path)
		json.NewEncoder(w).Encode(transcribeResponse{
			Text:        "I have had a headache since yesterday",
			DurationSec: 4.2,
			Model:       "medasr",
		})
	}))
	defer srv.Close()

	res := NewSpeechTranscriber(srv.URL).Invoke(context.Background(), Payload{FileRef: "q.wav"})
	require.True(t, res.OK())
	require.NotNil(t, res.Transcript)
	assert.Equal(t, "I have had a headache since yesterday", res.Transcript.Text)
	assert.Equal(t, "medasr", res.Transcript.Model)
}

func TestSpeechTranscriberEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transcribeResponse{})
	}))
	defer srv.Close()

	res := NewSpeechTranscriber(srv.URL).Invoke(context.Background(), Payload{FileRef: "q.wav"})
	require.False(t, res.OK())
	assert.Equal(t, pkg.ToolErrInference, res.Failure.Kind)
}
