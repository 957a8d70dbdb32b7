package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medconsult/internal/logger"
	"medconsult/internal/session"
	"medconsult/pkg"
)

type fakeTurns struct {
	res *pkg.TurnResult
	err error
	got pkg.TurnRequest
}

func (f *fakeTurns) HandleTurn(_ context.Context, req pkg.TurnRequest) (*pkg.TurnResult, error) {
	f.got = req
	return f.res, f.err
}

func newTestServer(turns *fakeTurns) (*Server, session.Store) {
	store := session.NewMemoryStore(30*time.Minute, 50)
	return NewServer(turns, store, logger.New("error", false)), store
}

func TestCreateSession(t *testing.T) {
	srv, store := newTestServer(&fakeTurns{})

	body := strings.NewReader(`{"patient_id": "patient-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createSessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "patient-1", resp.PatientID)

	sess, ok, err := store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, sess.PatientID)
	assert.Equal(t, "patient-1", *sess.PatientID)
}

func TestCreateSessionEmptyBody(t *testing.T) {
	srv, _ := newTestServer(&fakeTurns{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTurnSuccess(t *testing.T) {
	turns := &fakeTurns{res: &pkg.TurnResult{
		Answer:    "General guidance here.",
		SessionID: "s1",
		Metadata:  pkg.TurnMetadata{Classification: pkg.CategoryGeneralAdvice, ConfidenceTier: pkg.TierHigh},
	}}
	srv, _ := newTestServer(turns)

	payload, _ := json.Marshal(pkg.TurnRequest{SessionID: "s1", Text: "what is BMI?"})
	req := httptest.NewRequest(http.MethodPost, "/api/turns", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var res pkg.TurnResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, "General guidance here.", res.Answer)
	assert.Equal(t, pkg.ModalityText, turns.got.Modality, "missing modality defaults to text")
}

func TestTurnErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{pkg.ErrSessionNotFound, http.StatusNotFound},
		{pkg.ErrMissingPatientContext, http.StatusUnprocessableEntity},
		{pkg.ErrInvalidAttachment, http.StatusBadRequest},
		{pkg.ErrEmptyTurn, http.StatusBadRequest},
	}
	for _, tc := range cases {
		srv, _ := newTestServer(&fakeTurns{err: tc.err})

		req := httptest.NewRequest(http.MethodPost, "/api/turns", strings.NewReader(`{"text":"x"}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, tc.status, rec.Code, tc.err.Error())

		var body map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.NotEmpty(t, body["error"])
	}
}

func TestTurnMalformedBody(t *testing.T) {
	srv, _ := newTestServer(&fakeTurns{})

	req := httptest.NewRequest(http.MethodPost, "/api/turns", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	srv, store := newTestServer(&fakeTurns{})
	sess, err := store.Create(context.Background(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, ok, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(&fakeTurns{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(&fakeTurns{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
