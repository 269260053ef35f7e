// Package retouch talks to the external photo retouch processor: it submits
// jobs, polls their progress and downloads the finished image.
package retouch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status is a snapshot of a job as reported by the processor
type Status struct {
	Progress int    `json:"progress"`
	State    string `json:"state"`
}

// StateCompleted is the terminal state reported by the processor
const StateCompleted = "completed"

// Done reports whether the job finished
func (s Status) Done() bool {
	return s.State == StateCompleted || s.Progress >= 100
}

// Client is a thin HTTP client for the retouch processor API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the processor at baseURL
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// FileURL is the address the finished image can be downloaded from
func (c *Client) FileURL(jobID string) string {
	return c.baseURL + "/getFile/" + url.PathEscape(jobID)
}

// Start uploads a JPEG photo with the settings payload and returns the job ID
func (c *Client) Start(ctx context.Context, photo []byte, payload string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", "photo.jpg")
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	if _, err := part.Write(photo); err != nil {
		return "", &SubmissionError{Err: err}
	}
	if err := w.WriteField("token", c.token); err != nil {
		return "", &SubmissionError{Err: err}
	}
	if err := w.WriteField("payload", payload); err != nil {
		return "", &SubmissionError{Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &SubmissionError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start", &body)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", truncate(respBody))}
	}

	var started struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(respBody, &started); err != nil {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
	}
	id := strings.Trim(string(started.ID), `"`)
	if id == "" || id == "null" {
		return "", &SubmissionError{StatusCode: resp.StatusCode, Err: errors.New("response has no job id")}
	}
	return id, nil
}

// Status fetches the current progress of a job
func (c *Client) Status(ctx context.Context, jobID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Status{}, &StatusFetchError{JobID: jobID, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, &StatusFetchError{JobID: jobID, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Status{}, &StatusFetchError{JobID: jobID, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", truncate(respBody))}
	}

	var status Status
	if err := json.Unmarshal(respBody, &status); err != nil {
		return Status{}, &StatusFetchError{JobID: jobID, StatusCode: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
	}
	return status, nil
}

// File downloads the finished image of a job
func (c *Client) File(ctx context.Context, jobID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FileURL(jobID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download result of job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download result of job %s: status %d", jobID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
