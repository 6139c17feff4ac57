// Package deploy drives a project from a validated configuration to a
// deployed, on-chain-registered bundle. Every step is idempotent: the
// bundle digest doubles as the deployment idempotency key, object-store
// puts are content-addressed, and the on-chain write short-circuits when
// the identifier is already recorded. A crash at any point is recovered by
// Resume, which re-runs the remaining steps.
package deploy

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/audit"
	"github.com/chainlearn/dalcore/internal/bundle"
	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/events"
	"github.com/chainlearn/dalcore/internal/metrics"
	"github.com/chainlearn/dalcore/internal/registry"
	"github.com/chainlearn/dalcore/internal/telemetry"
)

// Registry is the governance surface the orchestrator writes through.
type Registry interface {
	GetProject(ctx context.Context, projectID string) (*registry.Project, error)
	Participants(ctx context.Context, projectID string) ([]registry.Participant, error)
	SetContentIdentifier(ctx context.Context, projectID string, kind registry.ContentKind, id string) (*registry.Receipt, error)
	SetAuxiliaryContract(ctx context.Context, projectID string, kind registry.AuxContractKind, address string) (*registry.Receipt, error)
	SetALMetadata(ctx context.Context, projectID string, meta registry.ALMetadata) (*registry.Receipt, error)
}

// ObjectStore is the publish surface of the object-store client.
type ObjectStore interface {
	PutBundle(ctx context.Context, b *bundle.Bundle) (string, error)
	Pin(ctx context.Context, id string) error
	Verify(ctx context.Context, id string) (bool, error)
}

// RoleResolver authorizes the caller.
type RoleResolver interface {
	Resolve(ctx context.Context, projectID, identity string) (registry.Role, error)
}

// Result reports a completed deployment.
type Result struct {
	BundleCID string
	Receipts  []*registry.Receipt
}

// Options carries the non-client knobs.
type Options struct {
	// Identity is the local signer identity, checked for coordinator role.
	Identity string
	// VotingContract and StorageContract are linked as auxiliary contracts
	// on active-learning deploys when non-empty.
	VotingContract  string
	StorageContract string
	// Timeout bounds one deployment end to end.
	Timeout time.Duration
}

// Orchestrator runs deployments.
type Orchestrator struct {
	store    *configstore.Store
	builder  *bundle.Builder
	objects  ObjectStore
	registry Registry
	roles    RoleResolver
	bus      *events.Bus
	ledger   *audit.Store
	logger   *zap.Logger
	opts     Options

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewOrchestrator wires a deployment orchestrator. ledger may be nil.
func NewOrchestrator(store *configstore.Store, builder *bundle.Builder, objects ObjectStore,
	reg Registry, roles RoleResolver, bus *events.Bus, ledger *audit.Store,
	logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Orchestrator{
		store:    store,
		builder:  builder,
		objects:  objects,
		registry: reg,
		roles:    roles,
		bus:      bus,
		ledger:   ledger,
		logger:   logger,
		opts:     opts,
		inFlight: make(map[string]bool),
	}
}

// Deploy publishes the project's configuration and records the resulting
// content identifier on-chain. Preconditions: status draft, configured or
// failed; the configuration validates; the caller is the coordinator.
func (o *Orchestrator) Deploy(ctx context.Context, projectID string) (*Result, error) {
	if !o.acquire(projectID) {
		return nil, errkind.Newf(errkind.Conflict, "deploy_in_flight",
			"a deployment for %s is already running", projectID)
	}
	defer o.release(projectID)

	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	cfg, err := o.store.Get(projectID)
	if err != nil {
		return nil, err
	}
	switch cfg.Status {
	case configstore.StatusDraft, configstore.StatusConfigured, configstore.StatusFailed:
	default:
		return nil, errkind.Newf(errkind.Conflict, "bad_status",
			"cannot deploy from status %s", cfg.Status)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	role, err := o.roles.Resolve(ctx, projectID, o.opts.Identity)
	if err != nil {
		return nil, err
	}
	if role != registry.RoleCoordinator {
		return nil, errkind.New(errkind.PermissionDenied, "not_coordinator",
			"only the project coordinator may deploy")
	}

	if _, err := o.store.SetStatus(projectID, configstore.StatusDeploying); err != nil {
		return nil, err
	}
	if o.ledger != nil {
		o.ledger.Emit(audit.DeployStarted, projectID, "deployment started")
	}
	return o.run(ctx, projectID)
}

// Resume rolls forward every project found mid-deployment, called once at
// startup. Failures are logged per project; one stuck project does not
// block the rest.
func (o *Orchestrator) Resume(ctx context.Context) {
	ids, err := o.store.Deploying()
	if err != nil {
		o.logger.Error("deployment recovery scan failed", zap.Error(err))
		return
	}
	for _, projectID := range ids {
		if !o.acquire(projectID) {
			continue
		}
		o.logger.Info("resuming interrupted deployment", zap.String("project", projectID))
		runCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
		if _, err := o.run(runCtx, projectID); err != nil {
			o.logger.Error("deployment resume failed",
				zap.String("project", projectID), zap.Error(err))
		}
		cancel()
		o.release(projectID)
	}
}

// run executes the resumable part of a deployment. Status is deploying on
// entry; on exit it is deployed or failed.
func (o *Orchestrator) run(ctx context.Context, projectID string) (result *Result, err error) {
	ctx, span := telemetry.StartDeploySpan(ctx, projectID)
	defer span.End()

	start := time.Now()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			o.fail(projectID, err)
			return
		}
		metrics.DeploysTotal.WithLabelValues("deployed").Inc()
		metrics.DeployDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	cfg, err := o.store.Get(projectID)
	if err != nil {
		return nil, err
	}

	built, err := o.builder.Build(cfg)
	if err != nil {
		return nil, err
	}
	key := built.Digest()

	intent, err := o.store.Intent(projectID)
	if err != nil {
		return nil, err
	}
	if intent == nil || intent.IdempotencyKey != key {
		// A stale intent from an older configuration version is discarded;
		// the rebuilt bundle defines the deployment.
		intent = &configstore.DeploymentIntent{
			ProjectID:      projectID,
			ConfigVersion:  cfg.Version,
			IdempotencyKey: key,
			Step:           configstore.StepIntent,
			CreatedAt:      time.Now().UTC(),
		}
		if err := o.store.PutIntent(intent); err != nil {
			return nil, err
		}
	}

	cid := intent.BundleCID
	if cid == "" {
		cid, err = o.objects.PutBundle(ctx, built)
		if err != nil {
			return nil, err
		}
		intent.BundleCID = cid
		intent.Step = configstore.StepBuilt
		if err := o.store.PutIntent(intent); err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.String("bundle.cid", cid))
	o.step(projectID, "bundle uploaded "+cid)

	if intent.Step == configstore.StepIntent || intent.Step == configstore.StepBuilt {
		if err := o.objects.Pin(ctx, cid); err != nil {
			return nil, err
		}
		ok, err := o.objects.Verify(ctx, cid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errkind.Newf(errkind.Transient, "bundle_unreachable",
				"bundle %s not reachable from any gateway", cid)
		}
		intent.Step = configstore.StepPinned
		if err := o.store.PutIntent(intent); err != nil {
			return nil, err
		}
		o.step(projectID, "bundle pinned and verified")
	}

	receipts, err := o.writeOnChain(ctx, projectID, cfg, cid)
	if err != nil {
		return nil, err
	}
	intent.Step = configstore.StepOnChain
	if err := o.store.PutIntent(intent); err != nil {
		return nil, err
	}

	if err := o.finish(ctx, projectID, cid, key); err != nil {
		return nil, err
	}
	o.logger.Info("deployment complete",
		zap.String("project", projectID),
		zap.String("bundle", cid),
		zap.Duration("took", time.Since(start)))
	return &Result{BundleCID: cid, Receipts: receipts}, nil
}

// writeOnChain records the content identifier and, for active-learning
// projects, the AL bookkeeping. Every write short-circuits when the chain
// already holds the expected value, so re-running after a crash performs
// no duplicate transaction.
func (o *Orchestrator) writeOnChain(ctx context.Context, projectID string,
	cfg *configstore.Configuration, cid string) ([]*registry.Receipt, error) {

	project, err := o.registry.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var receipts []*registry.Receipt
	if project.ContentIDs[string(registry.ContentBundle)] != cid {
		receipt, err := o.registry.SetContentIdentifier(ctx, projectID, registry.ContentBundle, cid)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
		o.step(projectID, "content identifier written on-chain")
	}

	ext, isAL := cfg.ActiveLearning()
	if !isAL {
		return receipts, nil
	}

	if project.Round == 0 {
		receipt, err := o.registry.SetALMetadata(ctx, projectID, registry.ALMetadata{
			Round:         0,
			QuorumRule:    ext.QuorumRule,
			VotingTimeout: ext.VotingTimeout,
		})
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}

	aux := map[registry.AuxContractKind]string{
		registry.AuxVoting:  o.opts.VotingContract,
		registry.AuxStorage: o.opts.StorageContract,
	}
	for kind, address := range aux {
		if address == "" || project.AuxContracts[string(kind)] == address {
			continue
		}
		receipt, err := o.registry.SetAuxiliaryContract(ctx, projectID, kind, address)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

// finish snapshots participants, records the content identifier locally,
// moves status to deployed and clears the intent.
func (o *Orchestrator) finish(ctx context.Context, projectID, cid, key string) error {
	participants, err := o.registry.Participants(ctx, projectID)
	if err != nil {
		return err
	}

	if _, err := o.store.SetStatus(projectID, configstore.StatusDeployed); err != nil {
		return err
	}
	if _, err := o.store.Update(projectID, func(cfg *configstore.Configuration) error {
		if cfg.IPFS == nil {
			cfg.IPFS = &configstore.ContentIDs{}
		}
		cfg.IPFS.BundleHash = cid
		cfg.Participants = participants
		return nil
	}); err != nil {
		return err
	}
	if _, err := o.store.UpdateHistory(projectID, func(h *configstore.History) error {
		h.Deployments = append(h.Deployments, configstore.DeploymentRecord{
			IdempotencyKey: key,
			BundleCID:      cid,
			Outcome:        "deployed",
			Timestamp:      time.Now().UTC(),
		})
		return nil
	}); err != nil {
		return err
	}
	if err := o.store.ClearIntent(projectID); err != nil {
		return err
	}
	if o.ledger != nil {
		o.ledger.Emit(audit.DeployCompleted, projectID, "bundle "+cid+" deployed")
	}
	return nil
}

// fail records a deployment failure. A transient cause keeps the intent on
// disk: the completed steps are already durable, and the next Deploy picks
// the deployment up at the step it stopped at. A permanent cause clears it.
func (o *Orchestrator) fail(projectID string, cause error) {
	metrics.DeploysTotal.WithLabelValues("failed").Inc()
	o.logger.Error("deployment failed", zap.String("project", projectID), zap.Error(cause))

	if _, err := o.store.SetStatus(projectID, configstore.StatusFailed); err != nil {
		o.logger.Error("could not mark project failed",
			zap.String("project", projectID), zap.Error(err))
	}
	_, _ = o.store.UpdateHistory(projectID, func(h *configstore.History) error {
		h.Deployments = append(h.Deployments, configstore.DeploymentRecord{
			Outcome:   "failed",
			Error:     cause.Error(),
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
	if !errkind.IsRetryable(cause) && errkind.KindOf(cause) != errkind.Unavailable {
		_ = o.store.ClearIntent(projectID)
	}

	if o.bus != nil {
		o.bus.Publish(events.Event{
			Topic:     events.Failure,
			ProjectID: projectID,
			Summary:   "deploy failed: " + errkind.CodeOf(cause),
		})
	}
	if o.ledger != nil {
		o.ledger.Emit(audit.DeployFailed, projectID, cause.Error())
	}
}

func (o *Orchestrator) step(projectID, summary string) {
	if o.ledger != nil {
		o.ledger.Emit(audit.DeployStep, projectID, summary)
	}
	if o.bus != nil {
		o.bus.Publish(events.Event{
			Topic:     events.DeploymentStatus,
			ProjectID: projectID,
			Summary:   summary,
		})
	}
}

func (o *Orchestrator) acquire(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[projectID] {
		return false
	}
	o.inFlight[projectID] = true
	return true
}

func (o *Orchestrator) release(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, projectID)
}
