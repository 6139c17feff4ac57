// Package mlservice talks to the local ML execution service. The service
// trains models, selects query samples and receives voting-result
// artifacts; the client only plumbs requests and classifies failures.
package mlservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/metrics"
	"github.com/chainlearn/dalcore/internal/retry"
)

const service = "mlservice"

// QuerySample is one sample the service wants labeled. OriginalIndex is
// the stable index into the unlabeled pool and is carried verbatim through
// voting and export.
type QuerySample struct {
	OriginalIndex int             `json:"original_index"`
	Data          json.RawMessage `json:"data"`
}

// IterationOutputs is the payload half of a training response.
type IterationOutputs struct {
	QuerySamples []QuerySample `json:"query_samples"`
	Model        string        `json:"model"`
}

// IterationResult is the response to /start_iteration.
type IterationResult struct {
	Success     bool                           `json:"success"`
	Outputs     IterationOutputs               `json:"outputs"`
	Performance *configstore.PerformanceRecord `json:"performance,omitempty"`
	Error       string                         `json:"error,omitempty"`
}

// FinalTrainingResult is the response to /final_training.
type FinalTrainingResult struct {
	Success     bool                           `json:"success"`
	Performance *configstore.PerformanceRecord `json:"performance,omitempty"`
	Error       string                         `json:"error,omitempty"`
}

// ProjectStatus mirrors /project/{id}/status.
type ProjectStatus struct {
	ProjectID string `json:"project_id"`
	State     string `json:"state"`
	Round     int    `json:"round"`
}

// VotingResultRow is one entry of the canonical per-round artifact.
type VotingResultRow struct {
	OriginalIndex int               `json:"original_index"`
	FinalLabel    *string           `json:"final_label"`
	SampleData    json.RawMessage   `json:"sample_data"`
	Votes         map[string]string `json:"votes"`
	Consensus     bool              `json:"consensus"`
	Timestamp     string            `json:"timestamp"`
}

// Client is bound to one ML service endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *retry.Breaker
	reads   retry.Policy
	logger  *zap.Logger
}

// NewClient constructs a client. Long operations (training) are bounded by
// the caller's context, not a transport timeout.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		breaker: retry.NewBreaker(baseURL),
		reads:   retry.Reads(),
		logger:  logger,
	}
}

// StartIteration asks the service to train on the accumulated labels for
// round iteration and return query samples. The service is idempotent for
// repeated calls with the same round, so the caller may safely re-invoke
// after a crash.
func (c *Client) StartIteration(ctx context.Context, projectID string, iteration int, configOverride map[string]any) (*IterationResult, error) {
	body := map[string]any{
		"iteration":  iteration,
		"project_id": projectID,
	}
	if configOverride != nil {
		body["config_override"] = configOverride
	}

	var out IterationResult
	if err := c.post(ctx, "/start_iteration", "start_iteration", body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, errkind.Newf(errkind.Permanent, "training_failed",
			"iteration %d failed: %s", iteration, out.Error)
	}
	return &out, nil
}

// StartFinalTraining asks the service to train on all accumulated labels.
func (c *Client) StartFinalTraining(ctx context.Context, projectID string, iteration int) (*FinalTrainingResult, error) {
	body := map[string]any{
		"iteration":  iteration,
		"project_id": projectID,
	}
	var out FinalTrainingResult
	if err := c.post(ctx, "/final_training", "final_training", body, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, errkind.Newf(errkind.Permanent, "training_failed",
			"final training failed: %s", out.Error)
	}
	return &out, nil
}

// PushVotingResults delivers a round's artifact rows. The service persists
// them under <project-root>/outputs/voting_results_round_<n>.json.
func (c *Client) PushVotingResults(ctx context.Context, projectID string, round int, rows []VotingResultRow) error {
	body := map[string]any{
		"project_id":     projectID,
		"round":          round,
		"voting_results": rows,
	}
	var out struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.post(ctx, "/api/voting-results", "voting_results", body, &out); err != nil {
		return err
	}
	if !out.Success {
		return errkind.Newf(errkind.Permanent, "export_rejected",
			"service rejected voting results for round %d: %s", round, out.Error)
	}
	return nil
}

// PerformanceHistory returns the service-side performance records for a
// project, oldest first.
func (c *Client) PerformanceHistory(ctx context.Context, projectID string) ([]configstore.PerformanceRecord, error) {
	var out []configstore.PerformanceRecord
	path := "/performance_history?project_id=" + url.QueryEscape(projectID)
	if err := c.get(ctx, path, "performance_history", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Projects lists the project ids known to the service.
func (c *Client) Projects(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.get(ctx, "/projects", "projects", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the service's view of one project.
func (c *Client) Status(ctx context.Context, projectID string) (*ProjectStatus, error) {
	var out ProjectStatus
	if err := c.get(ctx, "/project/"+url.PathEscape(projectID)+"/status", "status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, "mlservice_unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.FromHTTPStatus(resp.StatusCode, "mlservice_unhealthy")
	}
	return nil
}

// post issues one POST without retries. Training calls have side effects;
// the iteration engine decides whether a re-invocation is safe.
func (c *Client) post(ctx context.Context, path, op string, body, out any) error {
	return c.breaker.Call(func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return errkind.Wrap(errkind.InvalidInput, "bad_request", err)
		}
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
			bytes.NewReader(payload))
		if err != nil {
			return errkind.Wrap(errkind.InvalidInput, "bad_request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.ObserveExternalCall(service, op, "error", time.Since(start))
			return errkind.Wrapf(errkind.Transient, "mlservice_failed", err, "%s failed", op)
		}
		defer resp.Body.Close()
		metrics.ObserveExternalCall(service, op, fmt.Sprint(resp.StatusCode), time.Since(start))

		if resp.StatusCode != http.StatusOK {
			return errkind.FromHTTPStatus(resp.StatusCode, op+"_failed")
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errkind.Wrap(errkind.Permanent, "bad_response", err)
		}
		return nil
	})
}

// get issues one GET with the read retry policy.
func (c *Client) get(ctx context.Context, path, op string, out any) error {
	return retry.Do(ctx, c.reads, "mlservice."+op, func(ctx context.Context) error {
		return c.breaker.Call(func() error {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
			if err != nil {
				return errkind.Wrap(errkind.InvalidInput, "bad_request", err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				metrics.ObserveExternalCall(service, op, "error", time.Since(start))
				return errkind.Wrapf(errkind.Transient, "mlservice_failed", err, "%s failed", op)
			}
			defer resp.Body.Close()
			metrics.ObserveExternalCall(service, op, fmt.Sprint(resp.StatusCode), time.Since(start))

			if resp.StatusCode != http.StatusOK {
				return errkind.FromHTTPStatus(resp.StatusCode, op+"_failed")
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return errkind.Wrap(errkind.Permanent, "bad_response", err)
			}
			return nil
		})
	})
}
