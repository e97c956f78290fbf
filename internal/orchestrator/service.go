package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"adwboard/internal/dispatch"
	"adwboard/internal/model"
	"adwboard/internal/notify"
	"adwboard/internal/policy"
	"adwboard/internal/runstate"
	"adwboard/internal/stageflow"
	"adwboard/internal/teardown"
)

type Options struct {
	PolicyPath string
	Logger     *slog.Logger

	// Overrides for the external side effects; nil selects lsof, git and
	// exec respectively.
	Ports     teardown.PortReleaser
	Worktrees teardown.WorktreeRemover
	Starter   dispatch.Starter
}

// Service composes the run store, the stage resolver, the teardown manager
// and the event broker behind one API used by the server and the CLI.
type Service struct {
	cfg        policy.Config
	policyPath string
	logger     *slog.Logger

	store      *runstate.Store
	resolver   *stageflow.Resolver
	broker     *notify.Broker
	relay      *notify.Relay
	teardown   *teardown.Manager
	dispatcher *dispatch.Dispatcher

	shutdownOnce sync.Once
}

func NewService(options Options) (*Service, error) {
	cfg, path, err := policy.Load(options.PolicyPath)
	if err != nil {
		return nil, err
	}
	service, err := NewServiceWithConfig(cfg, options)
	if err != nil {
		return nil, err
	}
	service.policyPath = path
	return service, nil
}

func NewServiceWithConfig(cfg policy.Config, options Options) (*Service, error) {
	if err := policy.Validate(cfg); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := stageflow.NewResolver(cfg.Stages)
	if err != nil {
		return nil, err
	}
	repoRoot := strings.TrimSpace(cfg.Paths.RepoRoot)
	if repoRoot == "" {
		repoRoot = "."
	}
	store := runstate.New(resolvePath(repoRoot, cfg.Paths.StateRoot))
	broker := notify.NewBroker(cfg.Notify.BufferSize)

	teardownOptions := teardown.OptionsFromPolicy(cfg, store, broker, logger)
	if options.Ports != nil {
		teardownOptions.Ports = options.Ports
	}
	if options.Worktrees != nil {
		teardownOptions.Worktrees = options.Worktrees
	}
	manager := teardown.NewManager(teardownOptions)

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		resolver: resolver,
		broker:   broker,
		teardown: manager,
		dispatcher: dispatch.New(cfg, dispatch.Options{
			Resolver: resolver,
			Store:    store,
			Starter:  options.Starter,
			Logger:   logger,
		}),
	}

	if redisURL := strings.TrimSpace(cfg.Notify.Redis.URL); redisURL != "" {
		relay, err := notify.NewRedisRelay(broker, notify.RelayOptions{
			RedisURL: redisURL,
			Topic:    cfg.Notify.Redis.Stream,
		}, logger)
		if err != nil {
			broker.Close()
			return nil, fmt.Errorf("start lifecycle relay: %w", err)
		}
		relay.Start()
		service.relay = relay
		logger.Info("lifecycle relay started", "stream", cfg.Notify.Redis.Stream)
	}
	return service, nil
}

func (s *Service) Policy() policy.Config {
	return s.cfg
}

func (s *Service) PolicyPath() string {
	return s.policyPath
}

func (s *Service) StateRoot() string {
	return s.store.Root()
}

func (s *Service) DeleteRun(ctx context.Context, runID string) (model.DeletionOutcome, error) {
	return s.teardown.Delete(ctx, runID)
}

func (s *Service) ListRuns(ctx context.Context) ([]model.RunRecord, error) {
	return s.store.List(ctx)
}

func (s *Service) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	return s.store.Get(ctx, strings.TrimSpace(runID))
}

func (s *Service) CreateRun(ctx context.Context, options dispatch.CreateRunOptions) (model.RunRecord, error) {
	return s.dispatcher.CreateRun(ctx, options)
}

func (s *Service) TriggerRun(ctx context.Context, options dispatch.TriggerOptions) (dispatch.Invocation, error) {
	return s.dispatcher.Trigger(ctx, options)
}

func (s *Service) ResolveWorkflow(_ context.Context, stages []string) (stageflow.Resolution, error) {
	return s.resolver.Explain(model.NewStageSet(stages...))
}

func (s *Service) SubscribeEvents(_ context.Context, runID string) (<-chan model.LifecycleEvent, func(), error) {
	events, unsubscribe := s.broker.Subscribe(runID)
	return events, unsubscribe, nil
}

func (s *Service) InFlightDeletions() []string {
	return s.teardown.InFlight()
}

// Shutdown waits up to the policy drain timeout for admitted deletions to
// publish their events, then closes the relay and the broker.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout())
		defer cancel()
		if err := s.teardown.Wait(ctx); err != nil {
			s.logger.Warn("deletions still running at shutdown", "run_ids", s.teardown.InFlight(), "err", err)
		}
		if s.relay != nil {
			if err := s.relay.Close(); err != nil {
				s.logger.Warn("close lifecycle relay", "err", err)
			}
		}
		s.broker.Close()
	})
}

func resolvePath(root string, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
