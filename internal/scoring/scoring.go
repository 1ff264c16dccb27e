package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable marks a scoring call that failed after every retry. The
// decision engine falls back to the default branch and marks the decision
// degraded.
var ErrUnavailable = errors.New("scoring service unavailable")

// Score is a model prediction with its confidence.
type Score struct {
	Value      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Scorer produces a named model score from a feature vector.
type Scorer interface {
	Score(ctx context.Context, modelName string, features map[string]float64) (Score, error)
}

// Stub returns a fixed low-confidence score for every model. It stands in
// when no scoring service is configured.
type Stub struct {
	Value      float64
	Confidence float64
}

func (s Stub) Score(ctx context.Context, modelName string, features map[string]float64) (Score, error) {
	return Score{Value: s.Value, Confidence: s.Confidence}, nil
}

// Client calls an external scoring service: POST /score with
// {model_name, features} returning {score, confidence}.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	MaxRetries int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	Sleep       func(context.Context, time.Duration) error
}

func NewClient(baseURL string, timeout time.Duration, maxRetries int, backoffBase time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTP:        &http.Client{Timeout: timeout},
		MaxRetries:  maxRetries,
		BackoffBase: backoffBase,
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) Score(ctx context.Context, modelName string, features map[string]float64) (Score, error) {
	var lastErr error
	delay := c.BackoffBase
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return Score{}, err
			}
			delay *= 2
		}
		score, err := c.scoreOnce(ctx, modelName, features)
		if err == nil {
			return score, nil
		}
		lastErr = err
	}
	return Score{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, modelName, c.MaxRetries+1, lastErr)
}

func (c *Client) scoreOnce(ctx context.Context, modelName string, features map[string]float64) (Score, error) {
	payload, err := json.Marshal(map[string]any{
		"model_name": modelName,
		"features":   features,
	})
	if err != nil {
		return Score{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/score", bytes.NewReader(payload))
	if err != nil {
		return Score{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Score{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Score{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	var score Score
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		return Score{}, err
	}
	return score, nil
}
