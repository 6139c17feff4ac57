package mlservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/retry"
)

func fastClient(baseURL string) *Client {
	c := NewClient(baseURL, nil)
	c.reads = retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
		Multiplier: 2, MaxAttempts: 3}
	return c
}

func TestStartIteration(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/start_iteration" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(IterationResult{
			Success: true,
			Outputs: IterationOutputs{
				Model: "model_r1",
				QuerySamples: []QuerySample{
					{OriginalIndex: 17, Data: json.RawMessage(`{"x":1}`)},
					{OriginalIndex: 94, Data: json.RawMessage(`{"x":2}`)},
				},
			},
			Performance: &configstore.PerformanceRecord{Round: 1, Accuracy: 0.8},
		})
	}))
	t.Cleanup(srv.Close)

	result, err := fastClient(srv.URL).StartIteration(context.Background(), "p1", 1, nil)
	if err != nil {
		t.Fatalf("start iteration: %v", err)
	}
	if gotBody["iteration"].(float64) != 1 || gotBody["project_id"] != "p1" {
		t.Fatalf("bad request body: %v", gotBody)
	}
	if _, overridden := gotBody["config_override"]; overridden {
		t.Fatal("config_override must be omitted when nil")
	}
	if len(result.Outputs.QuerySamples) != 2 || result.Outputs.QuerySamples[0].OriginalIndex != 17 {
		t.Fatalf("samples lost: %+v", result.Outputs)
	}
	if result.Performance == nil || result.Performance.Accuracy != 0.8 {
		t.Fatalf("performance lost: %+v", result.Performance)
	}
}

func TestStartIterationServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(IterationResult{Success: false, Error: "no such project"})
	}))
	t.Cleanup(srv.Close)

	_, err := fastClient(srv.URL).StartIteration(context.Background(), "p1", 1, nil)
	if errkind.KindOf(err) != errkind.Permanent {
		t.Fatalf("expected Permanent, got %v", err)
	}
}

func TestFinalTraining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/final_training" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(FinalTrainingResult{
			Success:     true,
			Performance: &configstore.PerformanceRecord{Round: 5, FinalTraining: true},
		})
	}))
	t.Cleanup(srv.Close)

	result, err := fastClient(srv.URL).StartFinalTraining(context.Background(), "p1", 5)
	if err != nil {
		t.Fatalf("final training: %v", err)
	}
	if !result.Performance.FinalTraining {
		t.Fatal("finalTraining flag lost")
	}
}

func TestPushVotingResults(t *testing.T) {
	var got struct {
		ProjectID string            `json:"project_id"`
		Round     int               `json:"round"`
		Results   []VotingResultRow `json:"voting_results"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/voting-results" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	t.Cleanup(srv.Close)

	label := "2"
	rows := []VotingResultRow{{
		OriginalIndex: 17,
		FinalLabel:    &label,
		SampleData:    json.RawMessage(`{"x":1}`),
		Votes:         map[string]string{"0xalice": "2"},
		Consensus:     true,
		Timestamp:     "2026-01-02T03:04:05Z",
	}}
	if err := fastClient(srv.URL).PushVotingResults(context.Background(), "p1", 1, rows); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got.ProjectID != "p1" || got.Round != 1 || len(got.Results) != 1 {
		t.Fatalf("bad payload: %+v", got)
	}
	if got.Results[0].FinalLabel == nil || *got.Results[0].FinalLabel != "2" {
		t.Fatalf("final label lost: %+v", got.Results[0])
	}
}

func TestPerformanceHistoryRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("project_id") != "p1" {
			t.Errorf("missing project_id: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]configstore.PerformanceRecord{{Round: 1, F1: 0.7}})
	}))
	t.Cleanup(srv.Close)

	history, err := fastClient(srv.URL).PerformanceHistory(context.Background(), "p1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].F1 != 0.7 {
		t.Fatalf("bad history: %+v", history)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, saw %d calls", calls.Load())
	}
}

func TestTrainingCallsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "oom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := fastClient(srv.URL).StartIteration(context.Background(), "p1", 1, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 1 {
		t.Fatalf("training must not be blindly retried, saw %d calls", calls.Load())
	}
}

func TestStatusAndProjects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{"p1", "p2"})
	})
	mux.HandleFunc("GET /project/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ProjectStatus{ProjectID: r.PathValue("id"), State: "ready", Round: 2})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := fastClient(srv.URL)
	projects, err := client.Projects(context.Background())
	if err != nil || len(projects) != 2 {
		t.Fatalf("projects: %v %v", projects, err)
	}
	status, err := client.Status(context.Background(), "p1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ProjectID != "p1" || status.Round != 2 {
		t.Fatalf("bad status: %+v", status)
	}
}
