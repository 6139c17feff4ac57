// Package voting exports finalized on-chain votes as the canonical
// per-round artifact consumed by the next training round. Exports are
// exactly-once in effect: identical inputs reproduce identical bytes, a
// rewrite is only permitted when the new vote set is a superset of what
// was already written.
package voting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/audit"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/events"
	"github.com/chainlearn/dalcore/internal/metrics"
	"github.com/chainlearn/dalcore/internal/mlservice"
	"github.com/chainlearn/dalcore/internal/registry"
)

// BatchReader reads a round's voting batch from the governance layer.
type BatchReader interface {
	BatchStatus(ctx context.Context, projectID string, round int) (*registry.BatchStatus, error)
}

// SampleFetcher resolves a sample's content identifier to its payload.
type SampleFetcher interface {
	Get(ctx context.Context, id string) ([]byte, error)
}

// ResultPusher delivers artifact rows to the ML service. Optional.
type ResultPusher interface {
	PushVotingResults(ctx context.Context, projectID string, round int, rows []mlservice.VotingResultRow) error
}

// Artifact reports one completed export.
type Artifact struct {
	Path           string
	Rows           []mlservice.VotingResultRow
	ConsensusCount int
	// Changed is false when the artifact on disk was already byte-identical.
	Changed bool
}

// Exporter writes per-round voting-result artifacts.
type Exporter struct {
	reader  BatchReader
	fetcher SampleFetcher
	pusher  ResultPusher
	// outputsDir is the ML service's input root; artifacts land under
	// <outputsDir>/<projectID>/outputs/voting_results_round_<n>.json.
	outputsDir string
	bus        *events.Bus
	ledger     *audit.Store
	logger     *zap.Logger
}

// NewExporter wires an exporter. pusher, bus and ledger may be nil.
func NewExporter(reader BatchReader, fetcher SampleFetcher, pusher ResultPusher,
	outputsDir string, bus *events.Bus, ledger *audit.Store, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		reader:     reader,
		fetcher:    fetcher,
		pusher:     pusher,
		outputsDir: outputsDir,
		bus:        bus,
		ledger:     ledger,
		logger:     logger,
	}
}

// ArtifactPath returns where a round's artifact lives.
func (e *Exporter) ArtifactPath(projectID string, round int) string {
	return filepath.Join(e.outputsDir, projectID, "outputs",
		fmt.Sprintf("voting_results_round_%d.json", round))
}

// ExportRound reads the round's batch, normalizes it into the canonical
// artifact and writes it atomically. Samples that expired without quorum
// are written with consensus false and a null final label; they do not
// count as new training labels.
func (e *Exporter) ExportRound(ctx context.Context, projectID string, round int) (*Artifact, error) {
	batch, err := e.reader.BatchStatus(ctx, projectID, round)
	if err != nil {
		return nil, err
	}
	if batch == nil || len(batch.Samples) == 0 {
		// A round can legitimately time out with nothing on-chain resolved;
		// the artifact is then an empty array and the round still advances.
		return e.write(ctx, projectID, round, nil)
	}

	rows := make([]mlservice.VotingResultRow, 0, len(batch.Samples))
	for _, sample := range batch.Samples {
		if sample.State == registry.SampleOpen {
			return nil, errkind.Newf(errkind.Conflict, "batch_open",
				"sample %s of round %d is still open", sample.SampleID, round)
		}

		data, err := e.fetcher.Get(ctx, sample.ContentID)
		if err != nil {
			return nil, err
		}

		consensus := sample.State == registry.SampleFinalized && sample.WinningLabel != nil
		var finalLabel *string
		var ts time.Time
		if consensus {
			finalLabel = sample.WinningLabel
			if sample.FinalizedAt != nil {
				ts = *sample.FinalizedAt
			} else {
				ts = batch.Deadline
			}
		} else {
			ts = batch.Deadline
		}

		votes := sample.Votes
		if votes == nil {
			votes = map[string]string{}
		}
		rows = append(rows, mlservice.VotingResultRow{
			OriginalIndex: sample.OriginalIndex,
			FinalLabel:    finalLabel,
			SampleData:    json.RawMessage(data),
			Votes:         votes,
			Consensus:     consensus,
			Timestamp:     ts.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].OriginalIndex < rows[j].OriginalIndex })

	return e.write(ctx, projectID, round, rows)
}

// write encodes rows canonically and lands them on disk. Identical bytes
// are a no-op; a shrinking vote set is refused.
func (e *Exporter) write(ctx context.Context, projectID string, round int, rows []mlservice.VotingResultRow) (*Artifact, error) {
	if rows == nil {
		rows = []mlservice.VotingResultRow{}
	}
	encoded, err := encodeRows(rows)
	if err != nil {
		return nil, err
	}

	path := e.ArtifactPath(projectID, round)
	artifact := &Artifact{Path: path, Rows: rows, ConsensusCount: consensusCount(rows)}

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, encoded) {
			metrics.ExportsTotal.WithLabelValues("unchanged").Inc()
			return artifact, nil
		}
		if err := checkSuperset(existing, rows); err != nil {
			metrics.ExportsTotal.WithLabelValues("refused_subset").Inc()
			if e.ledger != nil {
				e.ledger.EmitRound(audit.ExportRefused, projectID, round, err.Error())
			}
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read existing artifact: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create outputs dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0640); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("rename artifact: %w", err)
	}
	artifact.Changed = true

	if e.pusher != nil {
		if err := e.pusher.PushVotingResults(ctx, projectID, round, rows); err != nil {
			// The artifact on disk is authoritative; delivery is retried by
			// the sweeper on the next pass.
			e.logger.Warn("voting-results push failed",
				zap.String("project", projectID), zap.Int("round", round), zap.Error(err))
		}
	}

	metrics.ExportsTotal.WithLabelValues("written").Inc()
	if e.ledger != nil {
		e.ledger.EmitRound(audit.ExportWritten, projectID, round,
			fmt.Sprintf("%d rows, %d with consensus", len(rows), artifact.ConsensusCount))
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Topic:     events.ExportCompleted,
			ProjectID: projectID,
			Round:     round,
			Summary:   fmt.Sprintf("voting_results_round_%d.json written", round),
		})
	}
	e.logger.Info("voting results exported",
		zap.String("project", projectID),
		zap.Int("round", round),
		zap.Int("rows", len(rows)),
		zap.Int("consensus", artifact.ConsensusCount))
	return artifact, nil
}

// encodeRows produces the canonical artifact bytes: a JSON array sorted by
// original_index, stable key order, two-space indent, trailing newline.
func encodeRows(rows []mlservice.VotingResultRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rows); err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// checkSuperset verifies that every consensus row already on disk survives
// in the new row set with the same label. Late finalizations may add rows
// or upgrade non-consensus rows; nothing may disappear or flip.
func checkSuperset(existing []byte, rows []mlservice.VotingResultRow) error {
	var old []mlservice.VotingResultRow
	if err := json.Unmarshal(existing, &old); err != nil {
		// An unreadable artifact is treated as absent rather than blocking
		// the round forever.
		return nil
	}

	byIndex := make(map[int]mlservice.VotingResultRow, len(rows))
	for _, row := range rows {
		byIndex[row.OriginalIndex] = row
	}
	for _, prev := range old {
		if !prev.Consensus {
			continue
		}
		next, ok := byIndex[prev.OriginalIndex]
		if !ok {
			return errkind.Newf(errkind.InternalInvariant, "export_subset",
				"sample %d vanished from the vote set", prev.OriginalIndex)
		}
		if !next.Consensus || next.FinalLabel == nil || prev.FinalLabel == nil ||
			*next.FinalLabel != *prev.FinalLabel {
			return errkind.Newf(errkind.InternalInvariant, "export_label_flip",
				"sample %d consensus label changed after export", prev.OriginalIndex)
		}
	}
	return nil
}

func consensusCount(rows []mlservice.VotingResultRow) int {
	n := 0
	for _, row := range rows {
		if row.Consensus {
			n++
		}
	}
	return n
}
