package configstore

import (
	"encoding/json"
	"time"

	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/registry"
)

// Status is the configuration lifecycle state. Transitions only move
// forward, with the single back-edge failed -> configured.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusConfigured Status = "configured"
	StatusDeploying  Status = "deploying"
	StatusDeployed   Status = "deployed"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// allowedTransitions is the edge set of the status DAG.
var allowedTransitions = map[Status][]Status{
	StatusDraft:      {StatusConfigured, StatusDeploying},
	StatusConfigured: {StatusDeploying},
	StatusDeploying:  {StatusDeployed, StatusFailed},
	StatusDeployed:   {StatusActive, StatusCompleted, StatusFailed},
	StatusActive:     {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	// failed -> configured is the operator-correction back-edge; a direct
	// redeploy retry re-enters deploying.
	StatusFailed: {StatusConfigured, StatusDeploying},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition may occur.
func (s Status) Terminal() bool { return s == StatusCompleted }

// DatasetRole classifies a dataset's function in the learning loop.
type DatasetRole string

const (
	DatasetTraining  DatasetRole = "training"
	DatasetUnlabeled DatasetRole = "unlabeled"
	DatasetTest      DatasetRole = "test"
)

// Dataset references one dataset by location or prior content identifier.
type Dataset struct {
	Role      DatasetRole `json:"role"`
	Format    string      `json:"format,omitempty"`
	Location  string      `json:"location,omitempty"`
	ContentID string      `json:"content_id,omitempty"` // set when already pinned
}

// Workflow is one workflow description (CWL body plus a display name).
type Workflow struct {
	Name string `json:"name"`
	CWL  string `json:"cwl"`
}

// Model describes one trainable model.
type Model struct {
	Algorithm         string         `json:"algorithm"`
	Hyperparameters   map[string]any `json:"hyperparameters,omitempty"`
	InitialWeightsRef string         `json:"initial_weights_ref,omitempty"`
}

// ContentIDs records the identifiers returned by publishing a bundle.
type ContentIDs struct {
	RoCrateHash  string `json:"roCrateHash,omitempty"`
	BundleHash   string `json:"bundleHash,omitempty"`
	MetadataHash string `json:"metadataHash,omitempty"`
	WorkflowHash string `json:"workflowHash,omitempty"`
}

// Configuration is the per-project record owned locally by the coordinator.
type Configuration struct {
	ProjectID    string                     `json:"projectId"`
	Version      int                        `json:"version"`
	Status       Status                     `json:"status"`
	TemplateID   string                     `json:"templateId,omitempty"`
	ProjectData  map[string]any             `json:"projectData,omitempty"`
	Extensions   map[string]json.RawMessage `json:"extensions,omitempty"`
	Datasets     map[string]Dataset         `json:"datasets,omitempty"`
	Workflows    map[string]Workflow        `json:"workflows,omitempty"`
	Models       map[string]Model           `json:"models,omitempty"`
	IPFS         *ContentIDs                `json:"ipfs,omitempty"`
	Participants []registry.Participant     `json:"participants,omitempty"` // snapshot at deploy time
	CreatedAt    time.Time                  `json:"createdAt"`
	LastModified time.Time                  `json:"lastModified"`
}

// ExtensionActiveLearning is the extension name the AL loop keys on.
const ExtensionActiveLearning = "active_learning"

// ActiveLearningExtension is the typed view of the AL extension payload.
type ActiveLearningExtension struct {
	QueryStrategy  string   `json:"query_strategy"`
	Model          string   `json:"model"`
	LabelBudget    int      `json:"label_budget"`
	QueryBatchSize int      `json:"query_batch_size"`
	Labels         []string `json:"labels"`
	QuorumRule     string   `json:"quorum_rule"`
	VotingTimeout  string   `json:"voting_timeout"`
}

// ActiveLearning decodes the AL extension, if present.
func (c *Configuration) ActiveLearning() (*ActiveLearningExtension, bool) {
	raw, ok := c.Extensions[ExtensionActiveLearning]
	if !ok {
		return nil, false
	}
	var ext ActiveLearningExtension
	if err := json.Unmarshal(raw, &ext); err != nil {
		return nil, false
	}
	return &ext, true
}

// SetExtension encodes and stores one extension payload.
func (c *Configuration) SetExtension(name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, "bad_extension", err)
	}
	if c.Extensions == nil {
		c.Extensions = make(map[string]json.RawMessage)
	}
	c.Extensions[name] = raw
	return nil
}

// TrainingDatasets returns the ids of datasets with the training role.
func (c *Configuration) TrainingDatasets() []string {
	var ids []string
	for id, d := range c.Datasets {
		if d.Role == DatasetTraining {
			ids = append(ids, id)
		}
	}
	return ids
}

// Validate applies the structural "configured" predicate: required extension
// fields, at least one workflow, and for active-learning projects at least
// one training dataset.
func (c *Configuration) Validate() error {
	if len(c.Workflows) == 0 {
		return errkind.New(errkind.InvalidInput, "no_workflow",
			"configuration needs at least one workflow")
	}
	if ext, ok := c.ActiveLearning(); ok {
		if ext.QueryBatchSize <= 0 {
			return errkind.New(errkind.InvalidInput, "bad_batch_size",
				"active_learning.query_batch_size must be positive")
		}
		if len(ext.Labels) == 0 {
			return errkind.New(errkind.InvalidInput, "no_labels",
				"active_learning.labels must not be empty")
		}
		if ext.QuorumRule == "" {
			return errkind.New(errkind.InvalidInput, "no_quorum",
				"active_learning.quorum_rule is required")
		}
		if len(c.TrainingDatasets()) == 0 {
			return errkind.New(errkind.InvalidInput, "no_training_dataset",
				"active-learning projects need a training dataset")
		}
	}
	return nil
}

// PerformanceRecord is one round's model evaluation.
type PerformanceRecord struct {
	Round           int       `json:"round"`
	Accuracy        float64   `json:"accuracy"`
	Precision       float64   `json:"precision"`
	Recall          float64   `json:"recall"`
	F1              float64   `json:"f1"`
	TotalSamples    int       `json:"total_samples"`
	TrainingSamples int       `json:"training_samples"`
	TestSamples     int       `json:"test_samples"`
	LabelSpace      []string  `json:"label_space,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	FinalTraining   bool      `json:"finalTraining"`
}

// IterationPhase is a checkpoint name in the iteration state machine.
type IterationPhase string

const (
	PhaseIdle         IterationPhase = "idle"
	PhaseTraining     IterationPhase = "training"
	PhaseQuerying     IterationPhase = "querying"
	PhaseVoting       IterationPhase = "voting"
	PhaseAccumulating IterationPhase = "accumulating"
	PhaseFinalized    IterationPhase = "finalized"
	PhaseFailed       IterationPhase = "failed"
)

// TerminalPhase reports whether the phase ends a round.
func (p IterationPhase) Terminal() bool {
	return p == PhaseFinalized || p == PhaseFailed || p == PhaseIdle
}

// IterationRecord is the durable checkpoint of one round.
type IterationRecord struct {
	Round     int            `json:"round"`
	Phase     IterationPhase `json:"phase"`
	ModelRef  string         `json:"model_ref,omitempty"`
	SampleIDs []string       `json:"sample_ids,omitempty"`
	// ConsensusCount and Accumulated record the round's contribution to the
	// project's accumulated label total. The marker moves in the same write
	// as the counter, so a crash-resumed round never counts twice.
	ConsensusCount int  `json:"consensus_count,omitempty"`
	Accumulated    bool `json:"accumulated,omitempty"`
	// FailedPhase is the checkpoint the round held when it failed; Resume
	// re-enters there.
	FailedPhase IterationPhase `json:"failed_phase,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// DeploymentRecord is one deployment attempt in the history log.
type DeploymentRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	BundleCID      string    `json:"bundle_cid,omitempty"`
	Outcome        string    `json:"outcome"` // deployed, failed
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// History is the append-only per-project log persisted in history.json.
type History struct {
	Deployments       []DeploymentRecord  `json:"deployments,omitempty"`
	Iterations        []IterationRecord   `json:"iterations,omitempty"`
	Performance       []PerformanceRecord `json:"performance,omitempty"`
	AccumulatedLabels int                 `json:"accumulated_labels"`
	Round             int                 `json:"round"`
}

// CurrentIteration returns the most recent iteration record, or nil.
func (h *History) CurrentIteration() *IterationRecord {
	if len(h.Iterations) == 0 {
		return nil
	}
	return &h.Iterations[len(h.Iterations)-1]
}

// DeploymentStep names the last completed step of a deployment in flight.
type DeploymentStep string

const (
	StepIntent  DeploymentStep = "intent"
	StepBuilt   DeploymentStep = "built"
	StepPinned  DeploymentStep = "pinned"
	StepOnChain DeploymentStep = "on-chain"
)

// DeploymentIntent is persisted in deployment.intent.json while a deploy is
// in flight; its presence marks a resumable deployment.
type DeploymentIntent struct {
	ProjectID      string         `json:"projectId"`
	ConfigVersion  int            `json:"configVersion"`
	IdempotencyKey string         `json:"idempotencyKey"`
	BundleCID      string         `json:"bundleCid,omitempty"`
	Step           DeploymentStep `json:"step"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
