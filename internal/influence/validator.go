package influence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPValidator calls an external reference PageRank service.
type HTTPValidator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPValidator creates a validator client for the given endpoint.
func NewHTTPValidator(endpoint string) *HTTPValidator {
	return &HTTPValidator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type validatorResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// Validate posts the graph and parameters, returning reference scores.
func (v *HTTPValidator) Validate(ctx context.Context, graph ReferenceGraph) (map[string]float64, error) {
	body, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("marshal reference graph: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("reference validator returned %d", resp.StatusCode)
	}

	var decoded validatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode validator response: %w", err)
	}
	return decoded.Scores, nil
}

// Compile-time check to ensure HTTPValidator implements Validator.
var _ Validator = (*HTTPValidator)(nil)
