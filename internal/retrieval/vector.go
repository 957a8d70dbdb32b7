package retrieval

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

// VectorIndex is the external top-k nearest-neighbor service over
// pre-embedded medical-narrative chunks.
type VectorIndex interface {
	Search(ctx context.Context, patientID string, vector []float32, topK int) ([]pkg.ContextChunk, error)
}

// Embedder turns query text into the vector the index expects.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPVectorIndex is a VectorIndex client for the vector-search service.
type HTTPVectorIndex struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPVectorIndex builds a client for the index service at baseURL.
func NewHTTPVectorIndex(baseURL string) *HTTPVectorIndex {
	return &HTTPVectorIndex{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type searchRequest struct {
	PatientID string    `json:"patient_id"`
	Vector    []float32 `json:"vector"`
	TopK      int       `json:"top_k"`
}

type searchResponse struct {
	Results []pkg.ContextChunk `json:"results"`
}

// Search runs a top-k lookup scoped to one patient's chunks. An empty result
// set is a valid answer, not an error.
func (c *HTTPVectorIndex) Search(ctx context.Context, patientID string, vector []float32, topK int) ([]pkg.ContextChunk, error) {
	body, err := json.Marshal(searchRequest{PatientID: patientID, Vector: vector, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector index unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Patient has no indexed history.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vector index returned status %d: %s", resp.StatusCode, msg)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Results, nil
}
