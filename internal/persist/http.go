package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// HTTPClient talks to a rewind server. It serves the recordings resource
// of any challenge and the audio of the challenge it was created for.
type HTTPClient struct {
	baseURL     string
	challengeID string
	client      *http.Client
}

// NewHTTPClient returns a client for baseURL. A nil hc uses a client with
// a 30 second timeout.
func NewHTTPClient(baseURL, challengeID string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), challengeID: challengeID, client: hc}
}

func (c *HTTPClient) recordingsURL(challengeID string) string {
	return c.baseURL + "/api/submissions/" + url.PathEscape(challengeID) + "/recruiter-recording"
}

func (c *HTTPClient) FetchRecordings(ctx context.Context, challengeID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordingsURL(challengeID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recordings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return emptyEnvelope, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch recordings: %w", err)
	}
	return io.ReadAll(resp.Body)
}

func (c *HTTPClient) PostRecordings(ctx context.Context, challengeID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.recordingsURL(challengeID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "post recordings")
}

func (c *HTTPClient) DeleteRecordings(ctx context.Context, challengeID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.recordingsURL(challengeID), nil)
	if err != nil {
		return err
	}
	return c.do(req, "delete recordings")
}

// UploadAudio posts the blob as multipart field "audio" and returns the
// server's file name for it.
func (c *HTTPClient) UploadAudio(ctx context.Context, sessionID string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", sessionID+".webm")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	u := c.baseURL + "/api/submissions/" + url.PathEscape(c.challengeID) + "/audio?submissionId=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	var out struct {
		AudioFileName string `json:"audioFileName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upload audio: decode response: %w", err)
	}
	return out.AudioFileName, nil
}

func (c *HTTPClient) FetchAudio(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	u := c.baseURL + "/api/submissions/" + url.PathEscape(c.challengeID) + "/audio/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	return resp.Body, nil
}

// ListChallenges returns the ids of every challenge with stored recordings.
func (c *HTTPClient) ListChallenges(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/challenges", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	var out struct {
		Challenges []string `json:"challenges"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	return out.Challenges, nil
}

func (c *HTTPClient) do(req *http.Request, op string) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// checkStatus turns a non-2xx response into a StatusError, reading the
// {"error": ...} body the server writes.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: payload.Error}
}
