package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrFailed marks a delivery attempt the provider rejected or never
// acknowledged.
var ErrFailed = errors.New("dispatch failed")

// Request describes one message to deliver.
type Request struct {
	SubjectID  string            `json:"subject_id"`
	Channel    string            `json:"channel"`
	TemplateID string            `json:"template_id"`
	Params     map[string]string `json:"params,omitempty"`
}

// Result is the provider acknowledgement for a delivery attempt.
type Result struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
}

// Dispatcher hands a rendered action to a delivery provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// Loopback acknowledges every request without delivering anything. It stands
// in when no dispatch service is configured.
type Loopback struct{}

func (Loopback) Dispatch(ctx context.Context, req Request) (Result, error) {
	return Result{Status: "sent", MessageID: uuid.NewString()}, nil
}

// Client calls an external dispatch service: POST /dispatch returning
// {status, message_id}.
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

func (c *Client) Dispatch(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/dispatch", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrFailed, resp.StatusCode)
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if res.Status != "sent" {
		return res, fmt.Errorf("%w: provider status %s", ErrFailed, res.Status)
	}
	return res, nil
}
