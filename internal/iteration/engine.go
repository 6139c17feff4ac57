// Package iteration runs active-learning rounds: train, query, vote,
// accumulate. Each project has at most one round in flight; a round is
// keyed by (projectID, roundNumber) and leaves durable checkpoints in the
// project history so that a crashed round resumes at the earliest
// incomplete step.
package iteration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/audit"
	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/events"
	"github.com/chainlearn/dalcore/internal/metrics"
	"github.com/chainlearn/dalcore/internal/mlservice"
	"github.com/chainlearn/dalcore/internal/registry"
	"github.com/chainlearn/dalcore/internal/telemetry"
	"github.com/chainlearn/dalcore/internal/voting"
)

// Governance is the on-chain surface the engine drives.
type Governance interface {
	GetProject(ctx context.Context, projectID string) (*registry.Project, error)
	StartVotingBatch(ctx context.Context, projectID string, sampleIDs, contentIDs []string, originalIndices []int) (*registry.Receipt, error)
	BatchStatus(ctx context.Context, projectID string, round int) (*registry.BatchStatus, error)
	IncrementRound(ctx context.Context, projectID string) (*registry.Receipt, error)
}

// MLService trains models and selects query samples.
type MLService interface {
	StartIteration(ctx context.Context, projectID string, iteration int, configOverride map[string]any) (*mlservice.IterationResult, error)
	StartFinalTraining(ctx context.Context, projectID string, iteration int) (*mlservice.FinalTrainingResult, error)
}

// ObjectStore persists per-sample voting payloads.
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Exporter writes the round's voting-result artifact.
type Exporter interface {
	ExportRound(ctx context.Context, projectID string, round int) (*voting.Artifact, error)
}

// RoleResolver authorizes the caller.
type RoleResolver interface {
	Resolve(ctx context.Context, projectID, identity string) (registry.Role, error)
}

// Options carries the engine's knobs.
type Options struct {
	Identity string
	// Per-phase budgets. Voting may be overridden per project by the
	// active-learning extension's voting_timeout.
	Training time.Duration
	Querying time.Duration
	Voting   time.Duration
	// Poll is the interval between on-chain batch status reads while the
	// voting phase waits.
	Poll time.Duration
}

// Engine coordinates rounds across projects.
type Engine struct {
	store    *configstore.Store
	gov      Governance
	ml       MLService
	objects  ObjectStore
	exporter Exporter
	roles    RoleResolver
	bus      *events.Bus
	ledger   *audit.Store
	logger   *zap.Logger
	opts     Options

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewEngine wires an iteration engine. ledger may be nil.
func NewEngine(store *configstore.Store, gov Governance, ml MLService, objects ObjectStore,
	exporter Exporter, roles RoleResolver, bus *events.Bus, ledger *audit.Store,
	logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Training <= 0 {
		opts.Training = 30 * time.Minute
	}
	if opts.Querying <= 0 {
		opts.Querying = time.Minute
	}
	if opts.Voting <= 0 {
		opts.Voting = 2 * time.Hour
	}
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	return &Engine{
		store:    store,
		gov:      gov,
		ml:       ml,
		objects:  objects,
		exporter: exporter,
		roles:    roles,
		bus:      bus,
		ledger:   ledger,
		logger:   logger,
		opts:     opts,
		running:  make(map[string]context.CancelFunc),
	}
}

// StartIteration runs round roundNumber for the project and blocks until
// the round reaches a terminal phase. Preconditions: coordinator
// authorization, status deployed or active, roundNumber is exactly the
// next round, no round in flight.
func (e *Engine) StartIteration(ctx context.Context, projectID string, roundNumber int) (*configstore.IterationRecord, error) {
	if err := e.authorize(ctx, projectID); err != nil {
		return nil, err
	}

	cfg, err := e.store.Get(projectID)
	if err != nil {
		return nil, err
	}
	if cfg.Status != configstore.StatusDeployed && cfg.Status != configstore.StatusActive {
		return nil, errkind.Newf(errkind.Conflict, "bad_status",
			"cannot iterate from status %s", cfg.Status)
	}

	history, err := e.store.History(projectID)
	if err != nil {
		return nil, err
	}
	if current := history.CurrentIteration(); current != nil && !current.Phase.Terminal() {
		return nil, errkind.Newf(errkind.Conflict, "iteration_in_flight",
			"round %d is in phase %s", current.Round, current.Phase)
	}
	if roundNumber != history.Round+1 {
		return nil, errkind.Newf(errkind.Conflict, "bad_round",
			"expected round %d, got %d", history.Round+1, roundNumber)
	}

	ctx, release, err := e.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	if cfg.Status == configstore.StatusDeployed {
		if _, err := e.store.SetStatus(projectID, configstore.StatusActive); err != nil {
			return nil, err
		}
	}

	if _, err := e.store.UpdateHistory(projectID, func(h *configstore.History) error {
		h.Iterations = append(h.Iterations, configstore.IterationRecord{
			Round:     roundNumber,
			Phase:     configstore.PhaseTraining,
			StartedAt: time.Now().UTC(),
		})
		return nil
	}); err != nil {
		return nil, err
	}

	return e.run(ctx, projectID, cfg, roundNumber, configstore.PhaseTraining)
}

// Resume continues a round found in a non-terminal phase after a restart,
// starting from its last durable checkpoint.
func (e *Engine) Resume(ctx context.Context, projectID string) (*configstore.IterationRecord, error) {
	history, err := e.store.History(projectID)
	if err != nil {
		return nil, err
	}
	current := history.CurrentIteration()
	if current == nil || current.Phase == configstore.PhaseFinalized || current.Phase == configstore.PhaseIdle {
		return nil, errkind.New(errkind.InvalidInput, "nothing_to_resume",
			"no resumable round on record")
	}

	cfg, err := e.store.Get(projectID)
	if err != nil {
		return nil, err
	}

	ctx, release, err := e.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	phase := current.Phase
	if phase == configstore.PhaseFailed {
		// An operator resume re-enters the checkpoint the round failed in.
		// Records from before the failing phase was persisted fall back to
		// the voting wait.
		phase = current.FailedPhase
		if phase == "" || phase == configstore.PhaseFailed {
			phase = configstore.PhaseVoting
		}
	}
	e.logger.Info("resuming round",
		zap.String("project", projectID),
		zap.Int("round", current.Round),
		zap.String("phase", string(phase)))
	return e.run(ctx, projectID, cfg, current.Round, phase)
}

// Cancel requests cooperative cancellation of the project's running round.
// The engine surfaces it at the next phase boundary; an on-chain batch is
// left to the governance layer's own timeout.
func (e *Engine) Cancel(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.running[projectID]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the project has a round in flight.
func (e *Engine) Running(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[projectID]
	return ok
}

// run drives the phase machine from `from` to a terminal phase.
func (e *Engine) run(ctx context.Context, projectID string, cfg *configstore.Configuration,
	round int, from configstore.IterationPhase) (rec *configstore.IterationRecord, err error) {

	ctx, span := telemetry.StartRoundSpan(ctx, projectID, round)
	defer span.End()

	metrics.ActiveIterations.Inc()
	defer metrics.ActiveIterations.Dec()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			e.fail(projectID, round, err)
			metrics.IterationsTotal.WithLabelValues(string(configstore.PhaseFailed)).Inc()
			return
		}
		metrics.IterationsTotal.WithLabelValues(string(configstore.PhaseFinalized)).Inc()
	}()

	var samples []mlservice.QuerySample
	switch from {
	case configstore.PhaseTraining, configstore.PhaseQuerying:
		samples, err = e.train(ctx, projectID, cfg, round)
		if err != nil {
			return nil, err
		}
		if err = e.openVoting(ctx, projectID, round, samples); err != nil {
			return nil, err
		}
		fallthrough
	case configstore.PhaseVoting:
		if err = e.waitForVotes(ctx, projectID, cfg, round); err != nil {
			return nil, err
		}
		fallthrough
	case configstore.PhaseAccumulating:
		if err = e.accumulate(ctx, projectID, round); err != nil {
			return nil, err
		}
	default:
		return nil, errkind.Newf(errkind.InternalInvariant, "bad_phase",
			"cannot resume from phase %s", from)
	}

	return e.finalize(ctx, projectID, round)
}

// train asks the ML service for a trained model and the next query batch,
// then records the querying checkpoint with the assigned sample ids.
func (e *Engine) train(ctx context.Context, projectID string, cfg *configstore.Configuration, round int) ([]mlservice.QuerySample, error) {
	start := time.Now()
	trainCtx, cancel := context.WithTimeout(ctx, e.opts.Training)
	defer cancel()

	e.setPhase(projectID, round, configstore.PhaseTraining, nil)
	result, err := e.ml.StartIteration(trainCtx, projectID, round, nil)
	if err != nil {
		return nil, err
	}
	metrics.IterationPhaseSeconds.WithLabelValues(string(configstore.PhaseTraining)).
		Observe(time.Since(start).Seconds())

	if result.Performance != nil {
		perf := *result.Performance
		perf.Round = round
		if perf.Timestamp.IsZero() {
			perf.Timestamp = time.Now().UTC()
		}
		if _, err := e.store.UpdateHistory(projectID, func(h *configstore.History) error {
			h.Performance = append(h.Performance, perf)
			return nil
		}); err != nil {
			return nil, err
		}
	}

	samples := result.Outputs.QuerySamples
	if len(samples) == 0 {
		return nil, errkind.Newf(errkind.Permanent, "no_query_samples",
			"service returned no query samples for round %d", round)
	}

	sampleIDs := make([]string, len(samples))
	for i, s := range samples {
		sampleIDs[i] = sampleID(round, s.OriginalIndex)
	}
	e.setPhase(projectID, round, configstore.PhaseQuerying, func(r *configstore.IterationRecord) {
		r.ModelRef = result.Outputs.Model
		r.SampleIDs = sampleIDs
	})
	return samples, nil
}

// openVoting pins each sample payload and opens the on-chain batch.
func (e *Engine) openVoting(ctx context.Context, projectID string, round int, samples []mlservice.QuerySample) error {
	queryCtx, cancel := context.WithTimeout(ctx, e.opts.Querying)
	defer cancel()

	// A crash after the batch opened but before the voting checkpoint was
	// written would otherwise reopen it on resume.
	if batch, err := e.gov.BatchStatus(queryCtx, projectID, round); err == nil &&
		batch != nil && len(batch.Samples) > 0 {
		e.logger.Info("voting batch already open",
			zap.String("project", projectID), zap.Int("round", round))
		e.setPhase(projectID, round, configstore.PhaseVoting, nil)
		return nil
	}

	sampleIDs := make([]string, len(samples))
	contentIDs := make([]string, len(samples))
	originalIndices := make([]int, len(samples))
	for i, s := range samples {
		cid, err := e.objects.Put(queryCtx, s.Data)
		if err != nil {
			return err
		}
		sampleIDs[i] = sampleID(round, s.OriginalIndex)
		contentIDs[i] = cid
		originalIndices[i] = s.OriginalIndex
	}

	if _, err := e.gov.StartVotingBatch(ctx, projectID, sampleIDs, contentIDs, originalIndices); err != nil {
		return err
	}
	e.setPhase(projectID, round, configstore.PhaseVoting, nil)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Topic:     events.VotingProgress,
			ProjectID: projectID,
			Round:     round,
			Summary:   fmt.Sprintf("voting batch opened with %d samples", len(samples)),
		})
	}
	return nil
}

// waitForVotes polls the batch until every sample is resolved or the
// voting budget elapses. A timeout is not an error: expired samples are
// exported without consensus.
func (e *Engine) waitForVotes(ctx context.Context, projectID string, cfg *configstore.Configuration, round int) error {
	start := time.Now()
	budget := e.opts.Voting
	if ext, ok := cfg.ActiveLearning(); ok && ext.VotingTimeout != "" {
		if d, err := time.ParseDuration(ext.VotingTimeout); err == nil && d > 0 {
			budget = d
		}
	}
	deadline := start.Add(budget)

	ticker := time.NewTicker(e.opts.Poll)
	defer ticker.Stop()

	for {
		batch, err := e.gov.BatchStatus(ctx, projectID, round)
		if err == nil && batch != nil && batch.Resolved() {
			break
		}
		if err != nil && !errkind.IsRetryable(err) && errkind.KindOf(err) != errkind.Unavailable {
			return err
		}
		if time.Now().After(deadline) {
			e.logger.Info("voting window elapsed",
				zap.String("project", projectID), zap.Int("round", round))
			break
		}
		select {
		case <-ctx.Done():
			return errkind.Wrapf(errkind.Transient, "canceled", ctx.Err(),
				"round %d canceled while voting", round)
		case <-ticker.C:
		}
	}
	metrics.IterationPhaseSeconds.WithLabelValues(string(configstore.PhaseVoting)).
		Observe(time.Since(start).Seconds())
	e.setPhase(projectID, round, configstore.PhaseAccumulating, nil)
	return nil
}

// accumulate exports the round's artifact and folds the consensus labels
// into the accumulated count. The round's marker and the counter move in
// one durable write, so a crash-resumed round adds its labels at most once.
func (e *Engine) accumulate(ctx context.Context, projectID string, round int) error {
	artifact, err := e.exporter.ExportRound(ctx, projectID, round)
	if err != nil {
		return err
	}
	_, err = e.store.UpdateHistory(projectID, func(h *configstore.History) error {
		current := h.CurrentIteration()
		if current == nil || current.Round != round {
			return errkind.Newf(errkind.InternalInvariant, "lost_checkpoint",
				"no record for round %d", round)
		}
		if current.Accumulated {
			return nil
		}
		current.Accumulated = true
		current.ConsensusCount = artifact.ConsensusCount
		h.AccumulatedLabels += artifact.ConsensusCount
		return nil
	})
	return err
}

// finalize bumps the on-chain round counter and closes the record. The
// chain's counter equals the number of finalized rounds, so a resume after
// a crash between the increment and the local record skips the bump.
func (e *Engine) finalize(ctx context.Context, projectID string, round int) (*configstore.IterationRecord, error) {
	project, err := e.gov.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Round < round {
		if _, err := e.gov.IncrementRound(ctx, projectID); err != nil {
			return nil, err
		}
	}

	var rec configstore.IterationRecord
	if _, err := e.store.UpdateHistory(projectID, func(h *configstore.History) error {
		h.Round = round
		current := h.CurrentIteration()
		if current == nil || current.Round != round {
			return errkind.Newf(errkind.InternalInvariant, "lost_checkpoint",
				"no record for round %d", round)
		}
		now := time.Now().UTC()
		current.Phase = configstore.PhaseFinalized
		current.FinishedAt = &now
		current.FailedPhase = ""
		current.Error = ""
		rec = *current
		return nil
	}); err != nil {
		return nil, err
	}

	if e.ledger != nil {
		e.ledger.EmitRound(audit.IterationPhase, projectID, round, "round finalized")
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Topic:     events.IterationState,
			ProjectID: projectID,
			Round:     round,
			Summary:   "finalized",
		})
	}
	e.logger.Info("round finalized", zap.String("project", projectID), zap.Int("round", round))
	return &rec, nil
}

// StartFinalTraining runs the distinguished terminal iteration: flush any
// late finalizations, train on all accumulated labels, complete the
// project. No query phase, no voting.
func (e *Engine) StartFinalTraining(ctx context.Context, projectID string) (*configstore.PerformanceRecord, error) {
	if err := e.authorize(ctx, projectID); err != nil {
		return nil, err
	}

	cfg, err := e.store.Get(projectID)
	if err != nil {
		return nil, err
	}
	if cfg.Status != configstore.StatusDeployed && cfg.Status != configstore.StatusActive {
		return nil, errkind.Newf(errkind.Conflict, "bad_status",
			"cannot finalize from status %s", cfg.Status)
	}

	history, err := e.store.History(projectID)
	if err != nil {
		return nil, err
	}
	if current := history.CurrentIteration(); current != nil && !current.Phase.Terminal() {
		return nil, errkind.Newf(errkind.Conflict, "iteration_in_flight",
			"round %d is in phase %s", current.Round, current.Phase)
	}

	ctx, release, err := e.acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	if history.Round > 0 {
		if _, err := e.exporter.ExportRound(ctx, projectID, history.Round); err != nil {
			// Late finalizations are best-effort here; the last written
			// artifact remains valid.
			e.logger.Warn("final flush failed",
				zap.String("project", projectID), zap.Error(err))
		}
	}

	trainCtx, cancel := context.WithTimeout(ctx, e.opts.Training)
	defer cancel()
	iteration := history.Round + 1
	result, err := e.ml.StartFinalTraining(trainCtx, projectID, iteration)
	if err != nil {
		return nil, err
	}

	perf := configstore.PerformanceRecord{Round: iteration, FinalTraining: true}
	if result.Performance != nil {
		perf = *result.Performance
		perf.Round = iteration
		perf.FinalTraining = true
	}
	if perf.Timestamp.IsZero() {
		perf.Timestamp = time.Now().UTC()
	}
	if _, err := e.store.UpdateHistory(projectID, func(h *configstore.History) error {
		h.Performance = append(h.Performance, perf)
		return nil
	}); err != nil {
		return nil, err
	}
	if _, err := e.store.SetStatus(projectID, configstore.StatusCompleted); err != nil {
		return nil, err
	}

	if e.ledger != nil {
		e.ledger.Emit(audit.IterationPhase, projectID, "final training complete")
	}
	e.logger.Info("project completed", zap.String("project", projectID))
	return &perf, nil
}

// --- helpers ---

func sampleID(round, originalIndex int) string {
	return fmt.Sprintf("round_%d_sample_%d", round, originalIndex)
}

func (e *Engine) authorize(ctx context.Context, projectID string) error {
	role, err := e.roles.Resolve(ctx, projectID, e.opts.Identity)
	if err != nil {
		return err
	}
	if role != registry.RoleCoordinator {
		return errkind.New(errkind.PermissionDenied, "not_coordinator",
			"only the project coordinator may drive iterations")
	}
	return nil
}

// acquire takes the per-project iteration slot and registers a cancel
// handle for cooperative cancellation.
func (e *Engine) acquire(ctx context.Context, projectID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[projectID]; ok {
		return nil, nil, errkind.Newf(errkind.Conflict, "iteration_in_flight",
			"project %s already has a round running", projectID)
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running[projectID] = cancel
	release := func() {
		e.mu.Lock()
		delete(e.running, projectID)
		e.mu.Unlock()
		cancel()
	}
	return ctx, release, nil
}

// setPhase records a durable phase checkpoint and announces it.
func (e *Engine) setPhase(projectID string, round int, phase configstore.IterationPhase,
	mutate func(*configstore.IterationRecord)) {
	_, err := e.store.UpdateHistory(projectID, func(h *configstore.History) error {
		current := h.CurrentIteration()
		if current == nil || current.Round != round {
			return errkind.Newf(errkind.InternalInvariant, "lost_checkpoint",
				"no record for round %d", round)
		}
		current.Phase = phase
		if mutate != nil {
			mutate(current)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("checkpoint write failed",
			zap.String("project", projectID), zap.Int("round", round), zap.Error(err))
	}
	if e.ledger != nil {
		e.ledger.EmitRound(audit.IterationPhase, projectID, round, "phase "+string(phase))
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Topic:     events.IterationState,
			ProjectID: projectID,
			Round:     round,
			Summary:   string(phase),
		})
	}
}

// fail closes the round's record with the failed phase. The operator can
// later resume via Resume once the cause is addressed, or reset the record.
func (e *Engine) fail(projectID string, round int, cause error) {
	_, err := e.store.UpdateHistory(projectID, func(h *configstore.History) error {
		current := h.CurrentIteration()
		if current == nil || current.Round != round {
			return nil
		}
		now := time.Now().UTC()
		if current.Phase != configstore.PhaseFailed {
			current.FailedPhase = current.Phase
		}
		current.Phase = configstore.PhaseFailed
		current.FinishedAt = &now
		current.Error = cause.Error()
		return nil
	})
	if err != nil {
		e.logger.Error("could not record round failure",
			zap.String("project", projectID), zap.Error(err))
	}
	if e.ledger != nil {
		e.ledger.EmitRound(audit.IterationFailed, projectID, round, cause.Error())
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Topic:     events.Failure,
			ProjectID: projectID,
			Round:     round,
			Summary:   "iteration failed: " + errkind.CodeOf(cause),
		})
	}
	e.logger.Error("round failed",
		zap.String("project", projectID), zap.Int("round", round), zap.Error(cause))
}
