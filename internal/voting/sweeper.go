package voting

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/errkind"
)

// Sweeper periodically re-exports the latest round of every active project
// to pick up finalizations that landed after the voting deadline.
type Sweeper struct {
	store    *configstore.Store
	exporter *Exporter
	logger   *zap.Logger
	cron     *cron.Cron
	timeout  time.Duration
}

// NewSweeper builds a sweeper; Start schedules it on the given cron spec.
func NewSweeper(store *configstore.Store, exporter *Exporter, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    store,
		exporter: exporter,
		logger:   logger,
		cron:     cron.New(),
		timeout:  2 * time.Minute,
	}
}

// Start begins the schedule, e.g. "@every 5m".
func (s *Sweeper) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.Sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass over all projects with at least one completed round.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	cfgs, err := s.store.List()
	if err != nil {
		s.logger.Error("sweep: list projects failed", zap.Error(err))
		return
	}

	for _, cfg := range cfgs {
		if cfg.Status != configstore.StatusActive && cfg.Status != configstore.StatusDeployed {
			continue
		}
		history, err := s.store.History(cfg.ProjectID)
		if err != nil || history.Round == 0 {
			continue
		}

		artifact, err := s.exporter.ExportRound(ctx, cfg.ProjectID, history.Round)
		if err != nil {
			// An open batch just means the round is still voting.
			if errkind.CodeOf(err) == "batch_open" {
				continue
			}
			s.logger.Warn("sweep: export failed",
				zap.String("project", cfg.ProjectID),
				zap.Int("round", history.Round),
				zap.Error(err))
			continue
		}
		if artifact.Changed {
			s.logger.Info("sweep: late finalizations exported",
				zap.String("project", cfg.ProjectID),
				zap.Int("round", history.Round),
				zap.Int("consensus", artifact.ConsensusCount))
		}
	}
}
