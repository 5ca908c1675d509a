package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/terra-clan/assessment-engine/internal/models"
)

// Client is a Go SDK for the assessment-engine API.
// Candidate calls use a bearer token; admin calls use an API key.
type Client struct {
	baseURL    string
	token      string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithToken sets the candidate bearer token
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithAPIKey sets the admin API key
func WithAPIKey(apiKey string) Option {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// NewClient creates a new assessment-engine client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is a non-2xx response from the service
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.Code, e.Message)
}

// IsExpired reports whether err is the late-submission rejection
func IsExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "expired"
}

// ListOptions contains options for listing submissions
type ListOptions struct {
	AssessmentID string
	CandidateID  string
	Status       models.SubmissionStatus
	Limit        int
	Offset       int
}

// StartSubmission starts an assessment, or resumes the live attempt
func (c *Client) StartSubmission(ctx context.Context, assessmentID string) (*models.StartResponse, error) {
	var out models.StartResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/submissions/start", models.StartRequest{AssessmentID: assessmentID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Finalize closes a submission
func (c *Client) Finalize(ctx context.Context, req models.FinalizeRequest) (*models.FinalizeResponse, error) {
	var out models.FinalizeResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/submissions/finalize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubmission retrieves the caller's submission
func (c *Client) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	var out models.Submission
	if err := c.call(ctx, http.MethodGet, "/api/v1/submissions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports the client's elapsed time and returns the server's view
func (c *Client) Heartbeat(ctx context.Context, id string, clientElapsed time.Duration) (*models.ClockStatus, error) {
	req := models.HeartbeatRequest{ClientElapsedSeconds: clientElapsed.Seconds()}

	var out models.ClockStatus
	if err := c.call(ctx, http.MethodPost, "/api/v1/submissions/"+url.PathEscape(id)+"/heartbeat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordEvents appends proctoring events to a live submission
func (c *Client) RecordEvents(ctx context.Context, id string, events []models.ProctoringEvent) error {
	return c.call(ctx, http.MethodPost, "/api/v1/submissions/"+url.PathEscape(id)+"/events", models.RecordEventsRequest{Events: events}, nil)
}

// ListSubmissions lists submissions (admin)
func (c *Client) ListSubmissions(ctx context.Context, opts ListOptions) ([]*models.Submission, error) {
	q := url.Values{}
	if opts.AssessmentID != "" {
		q.Set("assessment_id", opts.AssessmentID)
	}
	if opts.CandidateID != "" {
		q.Set("candidate_id", opts.CandidateID)
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/api/v1/admin/submissions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Submissions []*models.Submission `json:"submissions"`
		Total       int                  `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// ListAssessments lists the catalog (admin)
func (c *Client) ListAssessments(ctx context.Context) ([]*models.Assessment, error) {
	var out struct {
		Assessments []*models.Assessment `json:"assessments"`
		Total       int                  `json:"total"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/admin/assessments", nil, &out); err != nil {
		return nil, err
	}
	return out.Assessments, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

// call performs a request and unwraps the response envelope into out
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("HTTP %d: failed to unmarshal response: %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 || !envelope.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response data: %w", err)
		}
	}
	return nil
}
