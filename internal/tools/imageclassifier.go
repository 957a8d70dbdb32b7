package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"medconsult/pkg"
)

// ImageClassifier calls the skin-condition classification service. The
// service wraps a pretrained dermatology model and answers with a label,
// the model's confidence and the full score distribution.
type ImageClassifier struct {
	baseURL    string
	httpClient *http.Client
}

// NewImageClassifier builds an adapter for the classifier service at baseURL.
// The registry owns the per-call timeout; the embedded client timeout is a
// backstop against a missing deadline.
func NewImageClassifier(baseURL string) *ImageClassifier {
	return &ImageClassifier{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *ImageClassifier) Name() pkg.ToolName { return pkg.ToolImageClassifier }

type classifyResponse struct {
	Label         string             `json:"label"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Invoke classifies the referenced image file.
func (c *ImageClassifier) Invoke(ctx context.Context, p Payload) pkg.ToolResult {
	if p.FileRef == "" {
		return pkg.Fail(c.Name(), pkg.ToolErrBadInput, "image file reference is required")
	}

	body, err := json.Marshal(map[string]string{"file_ref": p.FileRef})
	if err != nil {
		return pkg.Fail(c.Name(), pkg.ToolErrBadInput, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
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
			fmt.Sprintf("classifier returned status %d: %s", resp.StatusCode, msg))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pkg.Fail(c.Name(), pkg.ToolErrInference, fmt.Sprintf("decode classifier response: %v", err))
	}
	if out.Label == "" {
		return pkg.Fail(c.Name(), pkg.ToolErrInference, "classifier returned an empty label")
	}

	return pkg.ToolResult{
		Tool: c.Name(),
		Classifier: &pkg.ClassifierOutput{
			Label:        out.Label,
			Confidence:   out.Confidence,
			Distribution: out.Probabilities,
		},
	}
}

// failFromTransport maps request-level errors onto the common failure kinds.
func failFromTransport(tool pkg.ToolName, err error) pkg.ToolResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return pkg.Fail(tool, pkg.ToolErrTimeout, err.Error())
	}
	return pkg.Fail(tool, pkg.ToolErrUnavailable, err.Error())
}
