// Package configstore persists per-project Configurations under the local
// store root:
//
//	<root>/projects/<projectId>/configuration.json
//	<root>/projects/<projectId>/history.json
//	<root>/projects/<projectId>/deployment.intent.json   (iff deploying)
//
// Mutations are serialized per project, status moves only forward through
// the lifecycle DAG, and every change is announced on the event bus.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/errkind"
	"github.com/chainlearn/dalcore/internal/events"
)

const (
	configFile  = "configuration.json"
	historyFile = "history.json"
	intentFile  = "deployment.intent.json"
)

// Store is the durable configuration store.
type Store struct {
	root   string
	bus    *events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-project write lock
	now   func() time.Time
}

// NewStore opens (or creates) a store rooted at root.
func NewStore(root string, bus *events.Bus, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, "projects"), 0750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{
		root:   root,
		bus:    bus,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}, nil
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.root, "projects", projectID)
}

func (s *Store) lock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	return l
}

// Create writes an initial draft configuration for a project.
func (s *Store) Create(projectID string, projectData map[string]any, templateID string) (*Configuration, error) {
	l := s.lock(projectID)
	l.Lock()
	defer l.Unlock()

	dir := s.projectDir(projectID)
	if _, err := os.Stat(filepath.Join(dir, configFile)); err == nil {
		return nil, errkind.Newf(errkind.Conflict, "already_exists",
			"configuration for project %s already exists", projectID)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	now := s.now().UTC()
	cfg := &Configuration{
		ProjectID:    projectID,
		Version:      1,
		Status:       StatusDraft,
		TemplateID:   templateID,
		ProjectData:  projectData,
		CreatedAt:    now,
		LastModified: now,
	}
	if err := s.writeJSON(filepath.Join(dir, configFile), cfg); err != nil {
		return nil, err
	}
	if err := s.writeJSON(filepath.Join(dir, historyFile), &History{}); err != nil {
		return nil, err
	}

	s.publish(projectID, "configuration created")
	return cfg, nil
}

// Get reads the current configuration for a project.
func (s *Store) Get(projectID string) (*Configuration, error) {
	var cfg Configuration
	if err := s.readJSON(filepath.Join(s.projectDir(projectID), configFile), &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errkind.Newf(errkind.InvalidInput, "config_not_found",
				"no configuration for project %s", projectID)
		}
		return nil, err
	}
	return &cfg, nil
}

// List returns every stored configuration, ordered by project id.
func (s *Store) List() ([]*Configuration, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	var out []*Configuration
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfg, err := s.Get(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable configuration",
				zap.String("project", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

// Update applies mutate under the project lock and persists the result.
// Mutations are rejected while a deployment is in flight; status changes
// must follow the lifecycle DAG. Version and lastModified are bumped here,
// not by callers.
func (s *Store) Update(projectID string, mutate func(*Configuration) error) (*Configuration, error) {
	l := s.lock(projectID)
	l.Lock()
	defer l.Unlock()

	cfg, err := s.Get(projectID)
	if err != nil {
		return nil, err
	}
	if cfg.Status == StatusDeploying {
		return nil, errkind.Newf(errkind.Conflict, "deploy_in_flight",
			"project %s is deploying; configuration is locked", projectID)
	}

	prevStatus := cfg.Status
	if err := mutate(cfg); err != nil {
		return nil, err
	}
	if cfg.Status != prevStatus && !prevStatus.CanTransition(cfg.Status) {
		return nil, errkind.Newf(errkind.InternalInvariant, "illegal_transition",
			"status %s -> %s is not a lifecycle edge", prevStatus, cfg.Status)
	}

	cfg.Version++
	cfg.LastModified = s.now().UTC()
	if err := s.writeJSON(filepath.Join(s.projectDir(projectID), configFile), cfg); err != nil {
		return nil, err
	}

	s.publish(projectID, "configuration updated")
	return cfg, nil
}

// SetStatus transitions the lifecycle status. Unlike Update it is permitted
// while status is deploying — it is how the deployment orchestrator leaves
// that state.
func (s *Store) SetStatus(projectID string, next Status) (*Configuration, error) {
	l := s.lock(projectID)
	l.Lock()
	defer l.Unlock()

	cfg, err := s.Get(projectID)
	if err != nil {
		return nil, err
	}
	if cfg.Status == next {
		return cfg, nil
	}
	if !cfg.Status.CanTransition(next) {
		return nil, errkind.Newf(errkind.Conflict, "illegal_transition",
			"status %s -> %s is not a lifecycle edge", cfg.Status, next)
	}

	cfg.Status = next
	cfg.Version++
	cfg.LastModified = s.now().UTC()
	if err := s.writeJSON(filepath.Join(s.projectDir(projectID), configFile), cfg); err != nil {
		return nil, err
	}

	s.publishTopic(events.DeploymentStatus, projectID, fmt.Sprintf("status %s", next))
	return cfg, nil
}

// AddDataset registers a dataset under the given id.
func (s *Store) AddDataset(projectID, id string, d Dataset) (*Configuration, error) {
	return s.Update(projectID, func(cfg *Configuration) error {
		if cfg.Datasets == nil {
			cfg.Datasets = make(map[string]Dataset)
		}
		cfg.Datasets[id] = d
		return nil
	})
}

// AddWorkflow registers a workflow under the given id.
func (s *Store) AddWorkflow(projectID, id string, w Workflow) (*Configuration, error) {
	return s.Update(projectID, func(cfg *Configuration) error {
		if cfg.Workflows == nil {
			cfg.Workflows = make(map[string]Workflow)
		}
		cfg.Workflows[id] = w
		return nil
	})
}

// AddModel registers a model under the given id.
func (s *Store) AddModel(projectID, id string, m Model) (*Configuration, error) {
	return s.Update(projectID, func(cfg *Configuration) error {
		if cfg.Models == nil {
			cfg.Models = make(map[string]Model)
		}
		cfg.Models[id] = m
		return nil
	})
}

// UpdateExtension stores one extension's opaque payload.
func (s *Store) UpdateExtension(projectID, name string, data any) (*Configuration, error) {
	return s.Update(projectID, func(cfg *Configuration) error {
		return cfg.SetExtension(name, data)
	})
}

// --- History ---

// History reads the project's append-only history log.
func (s *Store) History(projectID string) (*History, error) {
	var h History
	err := s.readJSON(filepath.Join(s.projectDir(projectID), historyFile), &h)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &History{}, nil
		}
		return nil, err
	}
	return &h, nil
}

// UpdateHistory applies mutate to the history log under the project lock.
func (s *Store) UpdateHistory(projectID string, mutate func(*History) error) (*History, error) {
	l := s.lock(projectID)
	l.Lock()
	defer l.Unlock()

	h, err := s.History(projectID)
	if err != nil {
		return nil, err
	}
	prevLabels := h.AccumulatedLabels
	if err := mutate(h); err != nil {
		return nil, err
	}
	if h.AccumulatedLabels < prevLabels {
		return nil, errkind.Newf(errkind.InternalInvariant, "label_count_regression",
			"accumulated labels would regress %d -> %d", prevLabels, h.AccumulatedLabels)
	}
	if err := s.writeJSON(filepath.Join(s.projectDir(projectID), historyFile), h); err != nil {
		return nil, err
	}
	return h, nil
}

// --- Deployment intents ---

// PutIntent persists the deployment intent record.
func (s *Store) PutIntent(intent *DeploymentIntent) error {
	intent.UpdatedAt = s.now().UTC()
	return s.writeJSON(filepath.Join(s.projectDir(intent.ProjectID), intentFile), intent)
}

// Intent reads the deployment intent, or nil when none is in flight.
func (s *Store) Intent(projectID string) (*DeploymentIntent, error) {
	var intent DeploymentIntent
	err := s.readJSON(filepath.Join(s.projectDir(projectID), intentFile), &intent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &intent, nil
}

// ClearIntent removes the intent file once a deployment reaches a terminal
// outcome.
func (s *Store) ClearIntent(projectID string) error {
	err := os.Remove(filepath.Join(s.projectDir(projectID), intentFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Deploying returns the ids of projects found mid-deployment, for startup
// recovery.
func (s *Store) Deploying() ([]string, error) {
	cfgs, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, cfg := range cfgs {
		if cfg.Status == StatusDeploying {
			out = append(out, cfg.ProjectID)
		}
	}
	return out, nil
}

// --- plumbing ---

// writeJSON writes via temp file + rename so readers never see a torn file.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) publish(projectID, summary string) {
	s.publishTopic(events.ConfigurationChanged, projectID, summary)
}

func (s *Store) publishTopic(topic events.Topic, projectID, summary string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Topic: topic, ProjectID: projectID, Summary: summary})
}
