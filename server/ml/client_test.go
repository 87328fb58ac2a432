package ml

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/stroke-risk/server/models"
	"go.uber.org/zap"
)

func testClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}

// scoringServer answers /health with 200 and /score with handler, counting
// score calls.
func scoringServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	})
	mux.HandleFunc("/models/info", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"version": "remote-1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(url, testClientConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientScore(t *testing.T) {
	t.Parallel()

	srv, calls := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req ScoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Features["Residence_type"] != models.ResidenceUrban {
			http.Error(w, "missing Residence_type", http.StatusUnprocessableEntity)
			return
		}
		if _, ok := req.Features["risk_score"]; !ok {
			http.Error(w, "missing risk_score", http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"probability": 0.27, "model_version": "remote-1"})
	})

	client := newTestClient(t, srv.URL)
	p, err := client.Score(context.Background(), enriched(55, models.SmokingSmokes))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if p != 0.27 {
		t.Errorf("Score = %v, want 0.27", p)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("score calls = %d, want 1", got)
	}
}

func TestClientNullProbability(t *testing.T) {
	t.Parallel()

	srv, calls := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"probability": null}`))
	})

	client := newTestClient(t, srv.URL)
	_, err := client.Score(context.Background(), enriched(55, models.SmokingSmokes))
	if !errors.Is(err, ErrNullProbability) {
		t.Fatalf("expected ErrNullProbability, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("null probability should not be retried, calls = %d", got)
	}
}

func TestClientSchemaRejectionIsNotRetried(t *testing.T) {
	t.Parallel()

	srv, calls := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "feature shape mismatch", http.StatusUnprocessableEntity)
	})

	client := newTestClient(t, srv.URL)
	_, err := client.Score(context.Background(), enriched(55, models.SmokingSmokes))
	if !errors.Is(err, ErrModelInference) {
		t.Fatalf("expected ErrModelInference, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("4xx should not be retried, calls = %d", got)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	srv, calls := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	client := newTestClient(t, srv.URL)
	_, err := client.Score(context.Background(), enriched(55, models.SmokingSmokes))
	if !errors.Is(err, ErrModelInference) {
		t.Fatalf("expected ErrModelInference, got %v", err)
	}
	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", got)
	}
}

func TestClientRecoversAfterTransientError(t *testing.T) {
	t.Parallel()

	var n int32
	srv, _ := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"probability": 0.61}`))
	})

	client := newTestClient(t, srv.URL)
	p, err := client.Score(context.Background(), enriched(55, models.SmokingSmokes))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if p != 0.61 {
		t.Errorf("Score = %v, want 0.61", p)
	}
}

func TestClientRejectsOutOfRangeProbability(t *testing.T) {
	t.Parallel()

	srv, _ := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"probability": 1.7}`))
	})

	client := newTestClient(t, srv.URL)
	if _, err := client.Score(context.Background(), enriched(55, models.SmokingSmokes)); !errors.Is(err, ErrModelInference) {
		t.Fatalf("expected ErrModelInference, got %v", err)
	}
}

func TestClientHealthAndInfo(t *testing.T) {
	t.Parallel()

	srv, _ := scoringServer(t, func(w http.ResponseWriter, r *http.Request) {})
	client := newTestClient(t, srv.URL)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	info, err := client.GetModelInfo(context.Background())
	if err != nil {
		t.Fatalf("GetModelInfo: %v", err)
	}
	if info["version"] != "remote-1" {
		t.Errorf("info = %v", info)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient("", nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for empty URL")
	}
}
