package registry

import "time"

// Role is a principal's relationship to one project.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleContributor Role = "contributor"
	RoleObserver    Role = "observer"
)

// ContentKind distinguishes the identifiers a project records on-chain.
type ContentKind string

const (
	ContentBundle   ContentKind = "bundle"
	ContentMetadata ContentKind = "metadata"
	ContentWorkflow ContentKind = "workflow"
)

// AuxContractKind distinguishes the auxiliary contracts linked to a project.
type AuxContractKind string

const (
	AuxVoting  AuxContractKind = "voting"
	AuxStorage AuxContractKind = "storage"
)

// Project mirrors the on-chain project record.
type Project struct {
	ID           string            `json:"id"`
	Address      string            `json:"address"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Type         string            `json:"type"` // active-learning, federated-learning, general
	Creator      string            `json:"creator"`
	CreatedAt    time.Time         `json:"created_at"`
	ModifiedAt   time.Time         `json:"modified_at"`
	Data         map[string]any    `json:"data,omitempty"`
	ContentIDs   map[string]string `json:"content_ids,omitempty"` // keyed by ContentKind
	AuxContracts map[string]string `json:"aux_contracts,omitempty"`
	Round        int               `json:"round"`
}

// Participant is one membership record.
type Participant struct {
	Identity string    `json:"identity"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// JoinRequest is a pending membership request.
type JoinRequest struct {
	Identity    string    `json:"identity"`
	Role        Role      `json:"requested_role"`
	RequestedAt time.Time `json:"requested_at"`
}

// Receipt reports a confirmed transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight uint64 `json:"block_height"`
	Status      string `json:"status"`
}

// SampleVoteState is one sample's position within an open voting batch.
type SampleVoteState string

const (
	SampleOpen      SampleVoteState = "open"
	SampleFinalized SampleVoteState = "finalized"
	SampleExpired   SampleVoteState = "expired"
)

// BatchSample is the on-chain state of one sample in a voting batch.
type BatchSample struct {
	SampleID      string          `json:"sample_id"`
	OriginalIndex int             `json:"original_index"`
	ContentID     string          `json:"content_id"`
	State         SampleVoteState `json:"state"`
	WinningLabel  *string         `json:"winning_label,omitempty"`
	Votes         map[string]string `json:"votes,omitempty"` // voter -> label
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty"`
}

// BatchStatus is the on-chain view of one round's voting batch.
type BatchStatus struct {
	Round    int           `json:"round"`
	OpenedAt time.Time     `json:"opened_at"`
	Deadline time.Time     `json:"deadline"`
	Quorum   string        `json:"quorum"`
	Samples  []BatchSample `json:"samples"`
}

// Resolved reports whether every sample has left the open state.
func (b BatchStatus) Resolved() bool {
	for _, s := range b.Samples {
		if s.State == SampleOpen {
			return false
		}
	}
	return true
}

// VoteDistribution is the weighted per-label tally for one sample.
type VoteDistribution struct {
	SampleID string             `json:"sample_id"`
	Weights  map[string]float64 `json:"weights"` // label -> accumulated weight
}

// ALMetadata is the active-learning bookkeeping a deploy writes on-chain.
type ALMetadata struct {
	Round         int    `json:"round"`
	QuorumRule    string `json:"quorum_rule"`
	VotingTimeout string `json:"voting_timeout"`
}
