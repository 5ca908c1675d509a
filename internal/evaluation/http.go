package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEvaluator posts handoffs to an external scoring service
type HTTPEvaluator struct {
	url        string
	httpClient *http.Client
}

// NewHTTPEvaluator creates an evaluator for url with a per-request timeout
func NewHTTPEvaluator(url string, timeout time.Duration) *HTTPEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEvaluator{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Evaluate sends the handoff; any non-2xx response is an error
func (e *HTTPEvaluator) Evaluate(ctx context.Context, h Handoff) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("evaluator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("evaluator returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}
