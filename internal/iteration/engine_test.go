package iteration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/events"
	"github.com/chainlearn/dalcore/internal/mlservice"
	"github.com/chainlearn/dalcore/internal/registry"
	"github.com/chainlearn/dalcore/internal/voting"
)

// fakeGov is an in-memory governance layer. Labels present in autoLabels
// are applied as instant finalizations when a batch opens; samples without
// a label stay open until expireAfter polls, then expire.
type fakeGov struct {
	mu          sync.Mutex
	batches     map[int]*registry.BatchStatus
	autoLabels  map[int]string
	expireAfter int
	polls       int
	startCalls  int
	increments  int
	round       int
}

func newFakeGov() *fakeGov {
	return &fakeGov{batches: map[int]*registry.BatchStatus{}, expireAfter: 1 << 30}
}

func (f *fakeGov) GetProject(ctx context.Context, projectID string) (*registry.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &registry.Project{ID: projectID, Type: "active-learning", Round: f.round}, nil
}

func (f *fakeGov) StartVotingBatch(ctx context.Context, projectID string, sampleIDs, contentIDs []string, originalIndices []int) (*registry.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++

	round := 0
	fmt.Sscanf(sampleIDs[0], "round_%d_", &round)
	batch := &registry.BatchStatus{
		Round:    round,
		OpenedAt: time.Now().UTC(),
		Deadline: time.Now().UTC().Add(time.Hour),
		Quorum:   "simple_majority",
	}
	for i := range sampleIDs {
		sample := registry.BatchSample{
			SampleID:      sampleIDs[i],
			OriginalIndex: originalIndices[i],
			ContentID:     contentIDs[i],
			State:         registry.SampleOpen,
		}
		if label, ok := f.autoLabels[originalIndices[i]]; ok {
			at := time.Now().UTC()
			sample.State = registry.SampleFinalized
			sample.WinningLabel = &label
			sample.Votes = map[string]string{"0xbob": label, "0xcarol": label}
			sample.FinalizedAt = &at
		}
		batch.Samples = append(batch.Samples, sample)
	}
	f.batches[round] = batch
	return &registry.Receipt{TxHash: "0xbatch", Status: "confirmed"}, nil
}

func (f *fakeGov) BatchStatus(ctx context.Context, projectID string, round int) (*registry.BatchStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	batch := f.batches[round]
	if batch != nil && f.polls >= f.expireAfter {
		for i := range batch.Samples {
			if batch.Samples[i].State == registry.SampleOpen {
				batch.Samples[i].State = registry.SampleExpired
			}
		}
	}
	if batch == nil {
		return nil, nil
	}
	copied := *batch
	copied.Samples = append([]registry.BatchSample(nil), batch.Samples...)
	return &copied, nil
}

func (f *fakeGov) IncrementRound(ctx context.Context, projectID string) (*registry.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments++
	f.round++
	return &registry.Receipt{TxHash: "0xround", Status: "confirmed"}, nil
}

func (f *fakeGov) finalizeSample(round, originalIndex int, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.batches[round]
	for i := range batch.Samples {
		if batch.Samples[i].OriginalIndex == originalIndex {
			at := time.Now().UTC()
			batch.Samples[i].State = registry.SampleFinalized
			batch.Samples[i].WinningLabel = &label
			batch.Samples[i].Votes = map[string]string{"0xbob": label}
			batch.Samples[i].FinalizedAt = &at
		}
	}
}

type fakeML struct {
	mu         sync.Mutex
	samples    []mlservice.QuerySample
	iterations []int
	finals     []int
	startErr   error
}

func (f *fakeML) StartIteration(ctx context.Context, projectID string, iteration int, override map[string]any) (*mlservice.IterationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iterations = append(f.iterations, iteration)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &mlservice.IterationResult{
		Success: true,
		Outputs: mlservice.IterationOutputs{
			Model:        fmt.Sprintf("model_r%d", iteration),
			QuerySamples: f.samples,
		},
		Performance: &configstore.PerformanceRecord{Accuracy: 0.8, F1: 0.75},
	}, nil
}

func (f *fakeML) StartFinalTraining(ctx context.Context, projectID string, iteration int) (*mlservice.FinalTrainingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, iteration)
	return &mlservice.FinalTrainingResult{
		Success:     true,
		Performance: &configstore.PerformanceRecord{Accuracy: 0.9, FinalTraining: true},
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (f *fakeStore) Put(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := sha256.Sum256(data)
	id := "Qm" + hex.EncodeToString(sum[:8])
	f.objects[id] = data
	return id, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[id]
	if !ok {
		return nil, errkind.Newf(errkind.InvalidInput, "not_found", "no object %s", id)
	}
	return data, nil
}

type fakeRoles struct{ role registry.Role }

func (f fakeRoles) Resolve(ctx context.Context, projectID, identity string) (registry.Role, error) {
	return f.role, nil
}

type fixture struct {
	store    *configstore.Store
	gov      *fakeGov
	ml       *fakeML
	objects  *fakeStore
	exporter *voting.Exporter
	engine   *Engine
}

func newFixture(t *testing.T, role registry.Role) *fixture {
	t.Helper()
	bus := events.NewBus(64)
	store, err := configstore.NewStore(t.TempDir(), bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	gov := newFakeGov()
	ml := &fakeML{samples: []mlservice.QuerySample{
		{OriginalIndex: 17, Data: json.RawMessage(`{"x":17}`)},
		{OriginalIndex: 94, Data: json.RawMessage(`{"x":94}`)},
	}}
	objects := newFakeStore()
	exporter := voting.NewExporter(gov, objects, nil, t.TempDir(), bus, nil, nil)
	engine := NewEngine(store, gov, ml, objects, exporter, fakeRoles{role: role},
		bus, nil, nil, Options{
			Identity: "0xalice",
			Training: 2 * time.Second,
			Querying: 2 * time.Second,
			Voting:   2 * time.Second,
			Poll:     5 * time.Millisecond,
		})
	return &fixture{store: store, gov: gov, ml: ml, objects: objects,
		exporter: exporter, engine: engine}
}

func seedDeployed(t *testing.T, store *configstore.Store, projectID string) {
	t.Helper()
	if _, err := store.Create(projectID, nil, "tmpl-al"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateExtension(projectID, configstore.ExtensionActiveLearning,
		configstore.ActiveLearningExtension{
			QueryStrategy:  "uncertainty",
			Model:          "m1",
			LabelBudget:    10,
			QueryBatchSize: 2,
			Labels:         []string{"0", "1", "2"},
			QuorumRule:     "simple_majority",
			VotingTimeout:  "1s",
		}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddWorkflow(projectID, "wf",
		configstore.Workflow{Name: "al-loop", CWL: "cwlVersion: v1.2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Update(projectID, func(c *configstore.Configuration) error {
		c.Status = configstore.StatusConfigured
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SetStatus(projectID, configstore.StatusDeploying); err != nil {
		t.Fatal(err)
	}
	if _, err := store.SetStatus(projectID, configstore.StatusDeployed); err != nil {
		t.Fatal(err)
	}
}

func TestSingleRound(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")
	f.gov.autoLabels = map[int]string{17: "2", 94: "1"}

	rec, err := f.engine.StartIteration(context.Background(), "p1", 1)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if rec.Phase != configstore.PhaseFinalized {
		t.Fatalf("expected finalized, got %s", rec.Phase)
	}
	if rec.ModelRef != "model_r1" {
		t.Fatalf("model ref lost: %s", rec.ModelRef)
	}
	if len(rec.SampleIDs) != 2 || rec.SampleIDs[0] != "round_1_sample_17" ||
		rec.SampleIDs[1] != "round_1_sample_94" {
		t.Fatalf("bad sample ids: %v", rec.SampleIDs)
	}

	cfg, _ := f.store.Get("p1")
	if cfg.Status != configstore.StatusActive {
		t.Fatalf("first round must activate the project, got %s", cfg.Status)
	}

	history, _ := f.store.History("p1")
	if history.Round != 1 {
		t.Fatalf("round counter: %d", history.Round)
	}
	if history.AccumulatedLabels != 2 {
		t.Fatalf("expected 2 accumulated labels, got %d", history.AccumulatedLabels)
	}
	if len(history.Performance) != 1 || history.Performance[0].Round != 1 {
		t.Fatalf("performance not recorded: %+v", history.Performance)
	}
	if f.gov.startCalls != 1 || f.gov.increments != 1 {
		t.Fatalf("on-chain calls: start=%d increment=%d", f.gov.startCalls, f.gov.increments)
	}

	data, err := os.ReadFile(f.exporter.ArtifactPath("p1", 1))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	var rows []mlservice.VotingResultRow
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || !rows[0].Consensus || *rows[0].FinalLabel != "2" {
		t.Fatalf("bad artifact: %+v", rows)
	}
}

func TestDuplicateStartConflicts(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")

	// Round 3 is mid-voting on record.
	if _, err := f.store.UpdateHistory("p1", func(h *configstore.History) error {
		h.Round = 2
		h.Iterations = append(h.Iterations, configstore.IterationRecord{
			Round: 3, Phase: configstore.PhaseVoting, StartedAt: time.Now().UTC(),
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.StartIteration(context.Background(), "p1", 3)
	if errkind.KindOf(err) != errkind.Conflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if len(f.ml.iterations) != 0 {
		t.Fatal("duplicate start must not reach the ML service")
	}
	if f.gov.startCalls != 0 {
		t.Fatal("duplicate start must not touch the chain")
	}
}

func TestWrongRoundNumber(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")

	_, err := f.engine.StartIteration(context.Background(), "p1", 2)
	if errkind.CodeOf(err) != "bad_round" {
		t.Fatalf("expected bad_round, got %v", err)
	}
}

func TestNotCoordinator(t *testing.T) {
	f := newFixture(t, registry.RoleContributor)
	seedDeployed(t, f.store, "p1")

	_, err := f.engine.StartIteration(context.Background(), "p1", 1)
	if errkind.KindOf(err) != errkind.PermissionDenied {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestTimeoutPartialConsensus(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")
	f.ml.samples = []mlservice.QuerySample{
		{OriginalIndex: 3, Data: json.RawMessage(`{"x":3}`)},
		{OriginalIndex: 8, Data: json.RawMessage(`{"x":8}`)},
		{OriginalIndex: 21, Data: json.RawMessage(`{"x":21}`)},
	}
	// Two samples finalize instantly; the third expires after a few polls.
	f.gov.autoLabels = map[int]string{3: "0", 8: "1"}
	f.gov.expireAfter = 3

	rec, err := f.engine.StartIteration(context.Background(), "p1", 1)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if rec.Phase != configstore.PhaseFinalized {
		t.Fatalf("partial consensus must still finalize, got %s", rec.Phase)
	}

	history, _ := f.store.History("p1")
	if history.AccumulatedLabels != 2 {
		t.Fatalf("only consensus samples count: got %d", history.AccumulatedLabels)
	}

	data, _ := os.ReadFile(f.exporter.ArtifactPath("p1", 1))
	var rows []mlservice.VotingResultRow
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("all samples must be exported, got %d", len(rows))
	}
	last := rows[2]
	if last.OriginalIndex != 21 || last.Consensus || last.FinalLabel != nil {
		t.Fatalf("expired sample mis-exported: %+v", last)
	}
}

func TestCancelDuringVotingThenResume(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")
	// No auto labels: the batch stays open and the engine sits in the
	// voting wait (budget far above the test's lifetime).
	f.engine.opts.Voting = time.Minute

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.StartIteration(context.Background(), "p1", 1)
		done <- err
	}()

	waitFor(t, func() bool {
		h, _ := f.store.History("p1")
		cur := h.CurrentIteration()
		return cur != nil && cur.Phase == configstore.PhaseVoting
	})
	if !f.engine.Cancel("p1") {
		t.Fatal("cancel should find a running round")
	}
	if err := <-done; err == nil {
		t.Fatal("canceled round must surface an error")
	}

	history, _ := f.store.History("p1")
	cur := history.CurrentIteration()
	if cur == nil || cur.Phase != configstore.PhaseFailed {
		t.Fatalf("expected failed checkpoint, got %+v", cur)
	}
	if f.gov.increments != 0 {
		t.Fatal("canceled round must not bump the round counter")
	}

	// The governance layer finalizes the batch later; an operator resume
	// completes the export and the round.
	f.gov.finalizeSample(1, 17, "2")
	f.gov.finalizeSample(1, 94, "1")
	rec, err := f.engine.Resume(context.Background(), "p1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Phase != configstore.PhaseFinalized {
		t.Fatalf("resume should finalize, got %s", rec.Phase)
	}
	if len(f.ml.iterations) != 1 {
		t.Fatalf("resume from voting must not retrain, calls=%v", f.ml.iterations)
	}
}

func TestCrashResumeDoesNotDoubleCountLabels(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")
	f.gov.autoLabels = map[int]string{17: "2", 94: "1"}

	if _, err := f.engine.StartIteration(context.Background(), "p1", 1); err != nil {
		t.Fatalf("round: %v", err)
	}

	// Recreate a crash between the accumulate write and the finalize write:
	// labels are already counted and the on-chain round already bumped, but
	// the record still reads accumulating.
	if _, err := f.store.UpdateHistory("p1", func(h *configstore.History) error {
		h.Round = 0
		cur := h.CurrentIteration()
		cur.Phase = configstore.PhaseAccumulating
		cur.FinishedAt = nil
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := f.engine.Resume(context.Background(), "p1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Phase != configstore.PhaseFinalized {
		t.Fatalf("resume should finalize, got %s", rec.Phase)
	}

	history, _ := f.store.History("p1")
	if history.AccumulatedLabels != 2 {
		t.Fatalf("crash-resume double-counted labels: got %d, want 2", history.AccumulatedLabels)
	}
	if history.Round != 1 {
		t.Fatalf("round counter: %d", history.Round)
	}
	if f.gov.increments != 1 {
		t.Fatalf("crash-resume re-bumped the on-chain round: %d increments", f.gov.increments)
	}
}

func TestResumeDoesNotReopenVotingBatch(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")
	f.gov.autoLabels = map[int]string{17: "2", 94: "1"}

	// Recreate a crash right after the batch opened, before the voting
	// checkpoint was written: the batch exists on-chain but the record
	// still reads querying.
	ctx := context.Background()
	cid17, _ := f.objects.Put(ctx, json.RawMessage(`{"x":17}`))
	cid94, _ := f.objects.Put(ctx, json.RawMessage(`{"x":94}`))
	if _, err := f.gov.StartVotingBatch(ctx, "p1",
		[]string{"round_1_sample_17", "round_1_sample_94"},
		[]string{cid17, cid94}, []int{17, 94}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateHistory("p1", func(h *configstore.History) error {
		h.Iterations = append(h.Iterations, configstore.IterationRecord{
			Round:     1,
			Phase:     configstore.PhaseQuerying,
			ModelRef:  "model_r1",
			SampleIDs: []string{"round_1_sample_17", "round_1_sample_94"},
			StartedAt: time.Now().UTC(),
		})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := f.engine.Resume(ctx, "p1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Phase != configstore.PhaseFinalized {
		t.Fatalf("resume should finalize, got %s", rec.Phase)
	}
	if f.gov.startCalls != 1 {
		t.Fatalf("resume reopened the voting batch: %d start calls", f.gov.startCalls)
	}

	history, _ := f.store.History("p1")
	if history.AccumulatedLabels != 2 {
		t.Fatalf("expected 2 accumulated labels, got %d", history.AccumulatedLabels)
	}
}

func TestResumeAfterTrainingFailureRetrains(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")
	f.gov.autoLabels = map[int]string{17: "2", 94: "1"}
	f.ml.startErr = errkind.New(errkind.Unavailable, "ml_down", "service unreachable")

	if _, err := f.engine.StartIteration(context.Background(), "p1", 1); err == nil {
		t.Fatal("expected training failure")
	}

	history, _ := f.store.History("p1")
	cur := history.CurrentIteration()
	if cur == nil || cur.Phase != configstore.PhaseFailed {
		t.Fatalf("expected failed checkpoint, got %+v", cur)
	}
	if cur.FailedPhase != configstore.PhaseTraining {
		t.Fatalf("failing phase not recorded: %q", cur.FailedPhase)
	}

	// No batch exists; the resume must retrain rather than wait on a batch
	// that will never appear.
	f.ml.mu.Lock()
	f.ml.startErr = nil
	f.ml.mu.Unlock()
	rec, err := f.engine.Resume(context.Background(), "p1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Phase != configstore.PhaseFinalized {
		t.Fatalf("resume should finalize, got %s", rec.Phase)
	}
	if len(f.ml.iterations) != 2 {
		t.Fatalf("expected a retrain on resume, calls=%v", f.ml.iterations)
	}
	if f.gov.startCalls != 1 || f.gov.increments != 1 {
		t.Fatalf("on-chain calls: start=%d increment=%d", f.gov.startCalls, f.gov.increments)
	}
}

func TestFinalTraining(t *testing.T) {
	f := newFixture(t, registry.RoleCoordinator)
	seedDeployed(t, f.store, "p1")
	f.gov.autoLabels = map[int]string{17: "2", 94: "1"}

	if _, err := f.engine.StartIteration(context.Background(), "p1", 1); err != nil {
		t.Fatal(err)
	}

	perf, err := f.engine.StartFinalTraining(context.Background(), "p1")
	if err != nil {
		t.Fatalf("final training: %v", err)
	}
	if !perf.FinalTraining || perf.Round != 2 {
		t.Fatalf("bad final performance record: %+v", perf)
	}
	if len(f.ml.finals) != 1 || f.ml.finals[0] != 2 {
		t.Fatalf("final training iteration number: %v", f.ml.finals)
	}

	cfg, _ := f.store.Get("p1")
	if cfg.Status != configstore.StatusCompleted {
		t.Fatalf("expected completed, got %s", cfg.Status)
	}

	_, err = f.engine.StartIteration(context.Background(), "p1", 2)
	if errkind.KindOf(err) != errkind.Conflict {
		t.Fatalf("iteration after completion must conflict, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
