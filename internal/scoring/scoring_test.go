package scoring_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"waypoint/internal/scoring"
)

func TestClientScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ModelName string             `json:"model_name"`
			Features  map[string]float64 `json:"features"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.ModelName != "churn_risk" {
			t.Errorf("model = %s", body.ModelName)
		}
		json.NewEncoder(w).Encode(map[string]float64{"score": 0.72, "confidence": 0.9})
	}))
	defer srv.Close()

	c := scoring.NewClient(srv.URL, time.Second, 0, time.Millisecond)
	score, err := c.Score(context.Background(), "churn_risk", map[string]float64{"logins": 2})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Value != 0.72 || score.Confidence != 0.9 {
		t.Fatalf("score = %+v", score)
	}
}

func TestClientRetriesWithBackoffThenRecovers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]float64{"score": 0.5, "confidence": 1})
	}))
	defer srv.Close()

	c := scoring.NewClient(srv.URL, time.Second, 3, time.Second)
	var delays []time.Duration
	c.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	score, err := c.Score(context.Background(), "churn_risk", nil)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Value != 0.5 {
		t.Fatalf("score = %+v", score)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// exponential: 1s then 2s
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays = %v", delays)
	}
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := scoring.NewClient(srv.URL, time.Second, 3, time.Second)
	c.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	_, err := c.Score(context.Background(), "churn_risk", nil)
	if !errors.Is(err, scoring.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if atomic.LoadInt32(&calls) != 4 { // initial + 3 retries
		t.Fatalf("calls = %d, want 4", calls)
	}
}
