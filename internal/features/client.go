package features

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to an external feature service over HTTP. The service exposes
// GET /subjects/{id}/features?lookback_days=N and GET /subjects?predicate=...
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) SubjectFeatures(ctx context.Context, subjectID string, lookbackDays int) (map[string]float64, error) {
	u := fmt.Sprintf("%s/subjects/%s/features?lookback_days=%d", c.BaseURL, url.PathEscape(subjectID), lookbackDays)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &QueryError{Op: "subject features", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &QueryError{Op: "subject features", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		Features map[string]float64 `json:"features"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &QueryError{Op: "subject features", Err: err}
	}
	return body.Features, nil
}

func (c *Client) QualifyingSubjects(ctx context.Context, predicate string) ([]string, error) {
	u := fmt.Sprintf("%s/subjects?predicate=%s", c.BaseURL, url.QueryEscape(predicate))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &QueryError{Op: "qualifying subjects", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &QueryError{Op: "qualifying subjects", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var body struct {
		SubjectIDs []string `json:"subject_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &QueryError{Op: "qualifying subjects", Err: err}
	}
	return body.SubjectIDs, nil
}
