package waypointsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Waypoint HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Template represents the API journey template model (partial).
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	JourneyType string `json:"journey_type"`
	Version     int    `json:"version"`
	Status      string `json:"status"`
}

// Instance represents a journey instance.
type Instance struct {
	ID               string  `json:"id"`
	SubjectID        string  `json:"subject_id"`
	TemplateID       string  `json:"template_id"`
	TemplateVersion  int     `json:"template_version"`
	JourneyType      string  `json:"journey_type"`
	VariantID        string  `json:"variant_id"`
	ParentInstanceID *string `json:"parent_instance_id,omitempty"`
	Status           string  `json:"status"`
	Cursor           int     `json:"cursor"`
	EntryAt          string  `json:"entry_at"`
	ExitReason       string  `json:"exit_reason,omitempty"`
}

// ScanReport summarizes one entry scan.
type ScanReport struct {
	Templates       int      `json:"templates"`
	Candidates      int      `json:"candidates"`
	Entered         int      `json:"entered"`
	SkippedActive   int      `json:"skipped_active"`
	SkippedCooldown int      `json:"skipped_cooldown"`
	Errors          []string `json:"errors,omitempty"`
}

// TickReport summarizes one scheduler pass.
type TickReport struct {
	Processed int      `json:"processed"`
	Fired     int      `json:"fired"`
	NotDue    int      `json:"not_due"`
	Skipped   int      `json:"skipped"`
	Conflicts int      `json:"conflicts"`
	Completed int      `json:"completed"`
	Errors    []string `json:"errors,omitempty"`
	Alerts    []string `json:"alerts,omitempty"`
}

// Outcome is a delivery/open/click/convert signal pushed back to the engine.
type Outcome struct {
	SubjectID    string `json:"subject_id"`
	Channel      string `json:"channel"`
	MessageID    string `json:"message_id,omitempty"`
	Kind         string `json:"kind"`
	At           string `json:"at,omitempty"`
	TimeToOpenMS int64  `json:"time_to_open_ms,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	JourneyID  string `json:"journey_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PublishTemplate publishes a template definition. The definition is sent
// as-is, so callers can use their own struct or a map.
func (c *Client) PublishTemplate(ctx context.Context, definition any) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, "v0/templates", definition, &resp)
	return resp, err
}

// GetTemplate fetches the latest published version of a template.
func (c *Client) GetTemplate(ctx context.Context, id string) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodGet, "v0/templates/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTemplates returns all templates, optionally filtered by journey type.
func (c *Client) ListTemplates(ctx context.Context, journeyType string) ([]Template, error) {
	endpoint := "v0/templates"
	if journeyType != "" {
		endpoint += "?journey_type=" + url.QueryEscape(journeyType)
	}
	var resp struct {
		Templates []Template `json:"templates"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Templates, err
}

// Scan runs one entry scan over published templates.
func (c *Client) Scan(ctx context.Context) (ScanReport, error) {
	var resp ScanReport
	err := c.do(ctx, http.MethodPost, "v0/scan", nil, &resp)
	return resp, err
}

// Tick runs one scheduler pass over active instances.
func (c *Client) Tick(ctx context.Context) (TickReport, error) {
	var resp TickReport
	err := c.do(ctx, http.MethodPost, "v0/tick", nil, &resp)
	return resp, err
}

// ListInstances returns instances for a subject.
func (c *Client) ListInstances(ctx context.Context, subjectID string) ([]Instance, error) {
	endpoint := "v0/instances"
	if subjectID != "" {
		endpoint += "?subject_id=" + url.QueryEscape(subjectID)
	}
	var resp struct {
		Instances []Instance `json:"instances"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Instances, err
}

// CancelInstance cancels an active instance.
func (c *Client) CancelInstance(ctx context.Context, id, reason string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/instances/%s/cancel", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// FireInstance fires the instance's current decision point immediately.
func (c *Client) FireInstance(ctx context.Context, id string) (TickReport, error) {
	var resp TickReport
	endpoint := fmt.Sprintf("v0/instances/%s/fire", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// IngestOutcome pushes one outcome event.
func (c *Client) IngestOutcome(ctx context.Context, out Outcome) error {
	return c.do(ctx, http.MethodPost, "v0/outcomes", out, nil)
}

// PutSubjectFeatures upserts features in the embedded feature store.
func (c *Client) PutSubjectFeatures(ctx context.Context, subjectID string, features map[string]float64) error {
	endpoint := fmt.Sprintf("v0/subjects/%s/features", url.PathEscape(subjectID))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"features": features}, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
