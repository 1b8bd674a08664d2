package driftline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteClient is the raw transport to the cloud store API. It knows
// endpoints, auth and wire formats; retry and breaker policy live in
// SyncClient.
type RemoteClient struct {
	endpoint string
	config   RemoteConfig
	client   HTTPDoer
}

// NewRemoteClient creates a client for cfg.Endpoint with the configured
// connect and read timeouts.
func NewRemoteClient(cfg RemoteConfig) *RemoteClient {
	return &RemoteClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		config:   cfg,
		client: &http.Client{
			Timeout: cfg.ReadTimeout(),
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout(),
				}).DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout(),
				MaxIdleConns:        4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SetHTTPClient replaces the underlying client, for tests.
func (rc *RemoteClient) SetHTTPClient(c HTTPDoer) { rc.client = c }

func (rc *RemoteClient) authorize(req *http.Request) {
	switch rc.config.AuthType {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+rc.config.BearerToken)
	default:
		req.Header.Set("X-API-Key", rc.config.APIKey)
	}
}

// subjectResponse is the remote representation of a subject lookup.
type subjectResponse struct {
	ID         string `json:"id"`
	SubjectKey string `json:"subject_key"`
	Active     bool   `json:"active"`
}

// LookupSubject resolves a local subject key to the remote subject id.
// An unknown key surfaces as a RemoteError with status 404.
func (rc *RemoteClient) LookupSubject(ctx context.Context, subjectKey string) (string, error) {
	u := fmt.Sprintf("%s/api/v1/subjects?key=%s", rc.endpoint, url.QueryEscape(subjectKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	rc.authorize(req)

	resp, err := rc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("subject lookup: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("subject_lookup", resp); err != nil {
		return "", err
	}

	var sub subjectResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("decode subject: %w", err)
	}
	if sub.ID == "" {
		return "", &RemoteError{Resource: "subject_lookup", Status: resp.StatusCode, Body: "empty subject id"}
	}
	return sub.ID, nil
}

// insertResponse is the remote acknowledgment of an event insert.
type insertResponse struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// InsertEvent delivers one event payload and returns the remote record id.
// The payload carries its natural key, so redelivery after a lost response
// is acknowledged as a duplicate rather than inserted twice.
func (rc *RemoteClient) InsertEvent(ctx context.Context, subjectID string, payload map[string]any) (string, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["subject_id"] = subjectID

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		rc.endpoint+"/api/v1/events", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	rc.authorize(req)

	resp, err := rc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("event insert: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("event_insert", resp); err != nil {
		return "", err
	}

	var ack insertResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode insert ack: %w", err)
	}
	if ack.ID == "" {
		return "", &RemoteError{Resource: "event_insert", Status: resp.StatusCode, Body: "empty record id"}
	}
	return ack.ID, nil
}

// UploadMedia streams a local media file to the remote API as a multipart
// upload associated with a remote event record.
func (rc *RemoteClient) UploadMedia(ctx context.Context, remoteEventID, mediaPath string) error {
	f, err := os.Open(mediaPath)
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("event_id", remoteEventID); err != nil {
		return fmt.Errorf("write field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(mediaPath))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		rc.endpoint+"/api/v1/media", &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rc.authorize(req)

	resp, err := rc.client.Do(req)
	if err != nil {
		return fmt.Errorf("media upload: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("media_upload", resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Ping checks connectivity to the remote health endpoint.
func (rc *RemoteClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.endpoint+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	rc.authorize(req)

	resp, err := rc.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus("health", resp)
}

// checkStatus converts a non-2xx response into a RemoteError carrying a
// truncated body for diagnostics.
func checkStatus(resource string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &RemoteError{
		Resource: resource,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
}
