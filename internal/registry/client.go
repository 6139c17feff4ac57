// Package registry reads and writes project state on the governance layer.
// Reads go over HTTP to a configured node list with round-robin fallback on
// transient failure; every write is a signed transaction through the
// injected Signer, serialized by the signer account's nonce.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/metrics"
	"github.com/chainlearn/dalcore/internal/retry"
	"github.com/chainlearn/dalcore/internal/telemetry"
)

// Logical contract methods. Implementations of the governance layer map
// these onto the local contract ABI.
const (
	methodCreateProject    = "createProjectFromTemplate"
	methodUpdateData       = "updateProjectData"
	methodSubmitJoin       = "submitJoinRequest"
	methodApproveJoin      = "approveJoinRequest"
	methodRejectJoin       = "rejectJoinRequest"
	methodSetContentID     = "setContentIdentifier"
	methodSetAuxContract   = "setAuxiliaryContract"
	methodSetALMetadata    = "setALMetadata"
	methodIncrementRound   = "incrementRound"
	methodStartVotingBatch = "startVotingBatch"
	methodSubmitBatchVote  = "submitBatchVote"
)

// Client talks to the governance layer.
type Client struct {
	nodes  []string
	signer Signer
	http   *http.Client
	logger *zap.Logger

	// nonceMu serializes writes: the governance layer orders transactions by
	// the signer account's nonce, so concurrent submits would conflict.
	nonceMu sync.Mutex

	// next selects the first node to try, advancing on transient failure.
	next atomic.Uint64

	breakers map[string]*retry.Breaker
	reads    retry.Policy
}

// NewClient creates a governance client over the given node URLs.
func NewClient(nodes []string, signer Signer, logger *zap.Logger) (*Client, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("registry: at least one governance node required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	breakers := make(map[string]*retry.Breaker, len(nodes))
	for _, n := range nodes {
		breakers[n] = retry.NewBreaker(n)
	}
	return &Client{
		nodes:    nodes,
		signer:   signer,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		breakers: breakers,
		reads:    retry.Reads(),
	}, nil
}

// --- Reads ---

// ListProjects returns every project visible on-chain.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.getJSON(ctx, "/projects", &out)
	return out, err
}

// GetProject reads one project record.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var out Project
	if err := c.getJSON(ctx, "/projects/"+url.PathEscape(projectID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Participants reads the membership list.
func (c *Client) Participants(ctx context.Context, projectID string) ([]Participant, error) {
	var out []Participant
	err := c.getJSON(ctx, "/projects/"+url.PathEscape(projectID)+"/participants", &out)
	return out, err
}

// JoinRequests reads pending membership requests.
func (c *Client) JoinRequests(ctx context.Context, projectID string) ([]JoinRequest, error) {
	var out []JoinRequest
	err := c.getJSON(ctx, "/projects/"+url.PathEscape(projectID)+"/join-requests", &out)
	return out, err
}

// BatchStatus reads the voting batch for one round.
func (c *Client) BatchStatus(ctx context.Context, projectID string, round int) (*BatchStatus, error) {
	var out BatchStatus
	path := fmt.Sprintf("/projects/%s/batches/%d", url.PathEscape(projectID), round)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VotingDistribution reads the weighted tally for one sample.
func (c *Client) VotingDistribution(ctx context.Context, projectID, sampleID string) (*VoteDistribution, error) {
	var out VoteDistribution
	path := fmt.Sprintf("/projects/%s/votes/%s", url.PathEscape(projectID), url.PathEscape(sampleID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Writes (signed) ---

// CreateProject creates a project from a template and returns its id.
func (c *Client) CreateProject(ctx context.Context, templateID string, data map[string]any) (string, error) {
	receipt, err := c.submit(ctx, "factory", methodCreateProject, templateID, data)
	if err != nil {
		return "", err
	}
	// The factory reports the new project id in the receipt status line.
	return receipt.Status, nil
}

// UpdateProjectData replaces the project's opaque data blob.
func (c *Client) UpdateProjectData(ctx context.Context, projectID string, data map[string]any) error {
	_, err := c.submit(ctx, projectID, methodUpdateData, data)
	return err
}

// SubmitJoinRequest asks to join a project with the given role.
func (c *Client) SubmitJoinRequest(ctx context.Context, projectID string, role Role) error {
	_, err := c.submit(ctx, projectID, methodSubmitJoin, string(role))
	return err
}

// ApproveJoinRequest admits a pending identity.
func (c *Client) ApproveJoinRequest(ctx context.Context, projectID, identity string) error {
	_, err := c.submit(ctx, projectID, methodApproveJoin, identity)
	return err
}

// RejectJoinRequest declines a pending identity.
func (c *Client) RejectJoinRequest(ctx context.Context, projectID, identity string) error {
	_, err := c.submit(ctx, projectID, methodRejectJoin, identity)
	return err
}

// SetContentIdentifier records a content identifier on-chain. The governance
// layer rejects overwrites of an already-set identifier for the same round
// with a Conflict.
func (c *Client) SetContentIdentifier(ctx context.Context, projectID string, kind ContentKind, id string) (*Receipt, error) {
	return c.submit(ctx, projectID, methodSetContentID, string(kind), id)
}

// SetAuxiliaryContract links a voting or storage contract to the project.
func (c *Client) SetAuxiliaryContract(ctx context.Context, projectID string, kind AuxContractKind, address string) (*Receipt, error) {
	return c.submit(ctx, projectID, methodSetAuxContract, string(kind), address)
}

// SetALMetadata writes the active-learning bookkeeping record.
func (c *Client) SetALMetadata(ctx context.Context, projectID string, meta ALMetadata) (*Receipt, error) {
	return c.submit(ctx, projectID, methodSetALMetadata, meta.Round, meta.QuorumRule, meta.VotingTimeout)
}

// IncrementRound bumps the on-chain round counter after a finalized round.
func (c *Client) IncrementRound(ctx context.Context, projectID string) (*Receipt, error) {
	return c.submit(ctx, projectID, methodIncrementRound)
}

// StartVotingBatch opens an on-chain voting batch for the given samples.
func (c *Client) StartVotingBatch(ctx context.Context, projectID string, sampleIDs, contentIDs []string, originalIndices []int) (*Receipt, error) {
	if len(sampleIDs) != len(contentIDs) || len(sampleIDs) != len(originalIndices) {
		return nil, errkind.New(errkind.InvalidInput, "batch_shape",
			"sampleIDs, contentIDs and originalIndices must have equal length")
	}
	return c.submit(ctx, projectID, methodStartVotingBatch, sampleIDs, contentIDs, originalIndices)
}

// SubmitBatchVote submits this identity's labels for a set of samples.
func (c *Client) SubmitBatchVote(ctx context.Context, projectID string, sampleIDs, labels []string) (*Receipt, error) {
	if len(sampleIDs) != len(labels) {
		return nil, errkind.New(errkind.InvalidInput, "vote_shape",
			"sampleIDs and labels must have equal length")
	}
	return c.submit(ctx, projectID, methodSubmitBatchVote, sampleIDs, labels)
}

// Identity returns the signer's on-chain identity.
func (c *Client) Identity() string {
	return c.signer.Identity()
}

// Health probes every configured node and reports per-node reachability.
func (c *Client) Health(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(c.nodes))
	for _, node := range c.nodes {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, node+"/health", nil)
		if err != nil {
			out[node] = false
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			out[node] = false
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		out[node] = resp.StatusCode == http.StatusOK
	}
	return out
}

// submit runs one signed write. Writes never round-robin mid-flight: a
// retried submit with the same nonce is safe, a resubmit through a different
// node with a fresh nonce is not, so retries stay inside the signer.
func (c *Client) submit(ctx context.Context, target, method string, args ...any) (*Receipt, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	ctx, span := telemetry.StartExternalSpan(ctx, "governance", method)
	defer span.End()

	start := time.Now()
	receipt, err := c.signer.Submit(ctx, target, method, args...)
	status := "ok"
	if err != nil {
		status = errkind.KindOf(err).String()
	}
	metrics.ObserveExternalCall("governance", method, status, time.Since(start))

	if err != nil {
		c.logger.Warn("signed transaction failed",
			zap.String("target", target),
			zap.String("method", method),
			zap.Error(err))
		return nil, err
	}
	c.logger.Debug("transaction confirmed",
		zap.String("target", target),
		zap.String("method", method),
		zap.String("tx", receipt.TxHash),
		zap.Uint64("height", receipt.BlockHeight))
	return receipt, nil
}

// getJSON reads path from the node list, advancing to the next node on
// transient failure and retrying with backoff until the read budget is
// spent.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.reads, "read "+path, func(ctx context.Context) error {
		node := c.nodes[c.next.Load()%uint64(len(c.nodes))]
		err := c.breakers[node].Call(func() error {
			return c.getJSONFrom(ctx, node, path, out)
		})
		if err != nil && errkind.KindOf(err) != errkind.Permanent {
			c.next.Add(1) // rotate away from the failing node
		}
		return err
	})
}

func (c *Client) getJSONFrom(ctx context.Context, node, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node+path, nil)
	if err != nil {
		return errkind.Wrap(errkind.Permanent, "bad_request", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveExternalCall("governance", "read", "transient", time.Since(start))
		return errkind.Wrapf(errkind.Transient, "node_unreachable", err, "node %s unreachable", node)
	}
	defer resp.Body.Close()

	if kerr := errkind.FromHTTPStatus(resp.StatusCode, "node_error"); kerr != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		metrics.ObserveExternalCall("governance", "read", kerr.Kind.String(), time.Since(start))
		if resp.StatusCode == http.StatusNotFound {
			return errkind.Newf(errkind.InvalidInput, "not_found", "resource %s not found", path)
		}
		return kerr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.ObserveExternalCall("governance", "read", "permanent", time.Since(start))
		return errkind.Wrap(errkind.Permanent, "bad_node_response", err)
	}
	metrics.ObserveExternalCall("governance", "read", "ok", time.Since(start))
	return nil
}
