package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"medconsult/pkg"
)

// SpeechTranscriber calls the medical speech-to-text service.
type SpeechTranscriber struct {
	baseURL    string
	httpClient *http.Client
}

// NewSpeechTranscriber builds an adapter for the transcription service.
func NewSpeechTranscriber(baseURL string) *SpeechTranscriber {
	return &SpeechTranscriber{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *SpeechTranscriber) Name() pkg.ToolName { return pkg.ToolSpeechTranscriber }

type transcribeResponse struct {
	Text        string  `json:"text"`
	DurationSec float64 `json:"duration_sec"`
	Model       string  `json:"model"`
}

// Invoke transcribes the referenced audio file.
func (c *SpeechTranscriber) Invoke(ctx context.Context, p Payload) pkg.ToolResult {
	if p.FileRef == "" {
		return pkg.Fail(c.Name(), pkg.ToolErrBadInput, "audio file reference is required")
	}

	body, err := json.Marshal(map[string]string{"file_ref": p.FileRef})
	if err != nil {
		return pkg.Fail(c.Name(), pkg.ToolErrBadInput, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return pkg.Fail(c.Name(), pkg.ToolErrBadInput, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failFromTransport(c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pkg.Fail(c.Name(), pkg.ToolErrInference,
			fmt.Sprintf("transcriber returned status %d: %s", resp.StatusCode, msg))
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pkg.Fail(c.Name(), pkg.ToolErrInference, fmt.Sprintf("decode transcriber response: %v", err))
	}
	if out.Text == "" {
		return pkg.Fail(c.Name(), pkg.ToolErrInference, "transcriber returned empty text")
	}

	return pkg.ToolResult{
		Tool: c.Name(),
		Transcript: &pkg.TranscriptOutput{
			Text:        out.Text,
			DurationSec: out.DurationSec,
			Model:       out.Model,
		},
	}
}
