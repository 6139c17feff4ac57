// Package server exposes the DAL core over HTTP: project configuration,
// deployment, iteration control, voting exports, audit queries and a
// websocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chainlearn/dalcore/internal/audit"
	"github.com/chainlearn/dalcore/internal/configstore"
	"github.com/chainlearn/dalcore/internal/deploy"
	"github.com/chainlearn/dalcore/internal/events"
	"github.com/chainlearn/dalcore/internal/metrics"
	"github.com/chainlearn/dalcore/internal/mlservice"
	"github.com/chainlearn/dalcore/internal/registry"
	"github.com/chainlearn/dalcore/internal/voting"
)

// Governance is the on-chain surface the API reads and mutates.
type Governance interface {
	ListProjects(ctx context.Context) ([]registry.Project, error)
	GetProject(ctx context.Context, projectID string) (*registry.Project, error)
	CreateProject(ctx context.Context, templateID string, data map[string]any) (string, error)
	Participants(ctx context.Context, projectID string) ([]registry.Participant, error)
	JoinRequests(ctx context.Context, projectID string) ([]registry.JoinRequest, error)
	SubmitJoinRequest(ctx context.Context, projectID string, role registry.Role) error
	ApproveJoinRequest(ctx context.Context, projectID, identity string) error
	RejectJoinRequest(ctx context.Context, projectID, identity string) error
	BatchStatus(ctx context.Context, projectID string, round int) (*registry.BatchStatus, error)
	Identity() string
	Health(ctx context.Context) map[string]bool
}

// Deployer publishes a configured project.
type Deployer interface {
	Deploy(ctx context.Context, projectID string) (*deploy.Result, error)
}

// Iterator drives active-learning rounds.
type Iterator interface {
	StartIteration(ctx context.Context, projectID string, roundNumber int) (*configstore.IterationRecord, error)
	StartFinalTraining(ctx context.Context, projectID string) (*configstore.PerformanceRecord, error)
	Resume(ctx context.Context, projectID string) (*configstore.IterationRecord, error)
	Cancel(projectID string) bool
	Running(projectID string) bool
}

// RoleResolver reports the caller's project role.
type RoleResolver interface {
	Resolve(ctx context.Context, projectID, identity string) (registry.Role, error)
}

// MLReader is the read-only ML service surface the API proxies.
type MLReader interface {
	PerformanceHistory(ctx context.Context, projectID string) ([]configstore.PerformanceRecord, error)
	Status(ctx context.Context, projectID string) (*mlservice.ProjectStatus, error)
	Health(ctx context.Context) error
}

// ObjectStoreHealth probes object-store reachability for /healthz.
type ObjectStoreHealth interface {
	Health(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	store    *configstore.Store
	gov      Governance
	deployer Deployer
	iterator Iterator
	roles    RoleResolver
	ml       MLReader
	objects  ObjectStoreHealth
	exporter *voting.Exporter
	ledger   *audit.Store
	bus      *events.Bus
	tokens   *TokenStore
	logger   *zap.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store    *configstore.Store
	Gov      Governance
	Deployer Deployer
	Iterator Iterator
	Roles    RoleResolver
	ML       MLReader
	Objects  ObjectStoreHealth
	Exporter *voting.Exporter
	Ledger   *audit.Store
	Bus      *events.Bus
	// Tokens is optional. When nil, authentication is disabled.
	Tokens *TokenStore
	Logger *zap.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    d.Store,
		gov:      d.Gov,
		deployer: d.Deployer,
		iterator: d.Iterator,
		roles:    d.Roles,
		ml:       d.ML,
		objects:  d.Objects,
		exporter: d.Exporter,
		ledger:   d.Ledger,
		bus:      d.Bus,
		tokens:   d.Tokens,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the HTTP handler with all API routes registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Projects and configuration.
	mux.HandleFunc("GET /api/v1/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/v1/projects", s.withAuth(s.handleCreateProject))
	mux.HandleFunc("GET /api/v1/projects/{id}", s.handleGetProject)
	mux.HandleFunc("GET /api/v1/projects/{id}/configuration", s.handleGetConfiguration)
	mux.HandleFunc("POST /api/v1/projects/{id}/datasets", s.withAuth(s.handleAddDataset))
	mux.HandleFunc("POST /api/v1/projects/{id}/workflows", s.withAuth(s.handleAddWorkflow))
	mux.HandleFunc("POST /api/v1/projects/{id}/models", s.withAuth(s.handleAddModel))
	mux.HandleFunc("PUT /api/v1/projects/{id}/extensions/{name}", s.withAuth(s.handleUpdateExtension))

	// Deployment.
	mux.HandleFunc("POST /api/v1/projects/{id}/deploy", s.withAuth(s.handleDeploy))

	// Iterations.
	mux.HandleFunc("POST /api/v1/projects/{id}/iterations", s.withAuth(s.handleStartIteration))
	mux.HandleFunc("POST /api/v1/projects/{id}/iterations/resume", s.withAuth(s.handleResumeIteration))
	mux.HandleFunc("DELETE /api/v1/projects/{id}/iterations", s.withAuth(s.handleCancelIteration))
	mux.HandleFunc("POST /api/v1/projects/{id}/final-training", s.withAuth(s.handleFinalTraining))
	mux.HandleFunc("GET /api/v1/projects/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/projects/{id}/performance", s.handlePerformance)
	mux.HandleFunc("GET /api/v1/projects/{id}/status", s.handleProjectStatus)

	// Voting.
	mux.HandleFunc("GET /api/v1/projects/{id}/voting/{round}", s.handleBatchStatus)
	mux.HandleFunc("POST /api/v1/projects/{id}/exports/{round}", s.withAuth(s.handleExport))

	// Membership.
	mux.HandleFunc("GET /api/v1/projects/{id}/participants", s.handleParticipants)
	mux.HandleFunc("GET /api/v1/projects/{id}/join-requests", s.handleJoinRequests)
	mux.HandleFunc("POST /api/v1/projects/{id}/join-requests", s.withAuth(s.handleSubmitJoinRequest))
	mux.HandleFunc("POST /api/v1/projects/{id}/join-requests/{identity}/approve", s.withAuth(s.handleApproveJoinRequest))
	mux.HandleFunc("POST /api/v1/projects/{id}/join-requests/{identity}/reject", s.withAuth(s.handleRejectJoinRequest))
	mux.HandleFunc("GET /api/v1/projects/{id}/role", s.handleRole)

	// Observability.
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	mux.HandleFunc("GET /api/v1/events", s.handleEventStream)

	return mux
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api server listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
