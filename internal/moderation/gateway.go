// Package moderation classifies reveal payloads before they are accepted.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Result is the classifier verdict.
type Result struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"`
}

// Gateway checks content against an external classifier when configured,
// falling back to a local banned-phrase list on any transport or parsing
// failure.
type Gateway struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

var bannedPhrases = []string{"hate speech", "terrorism", "malware"}

// New creates a gateway. An empty endpoint means local rules only.
func New(endpoint string, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Check classifies the given text.
func (g *Gateway) Check(ctx context.Context, text string) Result {
	if g.endpoint != "" {
		if result, ok := g.checkExternal(ctx, text); ok {
			return result
		}
	}
	return checkLocal(text)
}

func (g *Gateway) checkExternal(ctx context.Context, text string) (Result, bool) {
	body, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return Result{}, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("moderation endpoint unreachable, using local rules", slog.Any("error", err))
		return Result{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Warn("moderation endpoint error, using local rules", slog.Int("status", resp.StatusCode))
		return Result{}, false
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		g.logger.Warn("moderation response unparseable, using local rules", slog.Any("error", err))
		return Result{}, false
	}
	return result, true
}

func checkLocal(text string) Result {
	lowered := strings.ToLower(text)
	for _, phrase := range bannedPhrases {
		if strings.Contains(lowered, phrase) {
			return Result{Flagged: true, Reason: "banned phrase: " + phrase}
		}
	}
	return Result{}
}
