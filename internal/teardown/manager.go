package teardown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"adwboard/internal/hsm"
	"adwboard/internal/model"
	"adwboard/internal/policy"
	"adwboard/internal/runstate"
)

// RecordStore is the slice of the run state store the manager needs.
type RecordStore interface {
	Get(ctx context.Context, runID string) (model.RunRecord, error)
	Exists(ctx context.Context, runID string) (bool, error)
	Delete(ctx context.Context, runID string) error
	Dir(runID string) string
}

// Publisher receives exactly one terminal event per destructive deletion.
type Publisher interface {
	Publish(event model.LifecycleEvent) int
}

type Options struct {
	Store           RecordStore
	Ports           PortReleaser
	Worktrees       WorktreeRemover
	Publisher       Publisher
	PortConcurrency int
	Logger          *slog.Logger
	Now             func() time.Time
}

type Manager struct {
	store       RecordStore
	ports       PortReleaser
	worktrees   WorktreeRemover
	publisher   Publisher
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
	registry    *registry
}

func NewManager(options Options) *Manager {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	concurrency := options.PortConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		store:       options.Store,
		ports:       options.Ports,
		worktrees:   options.Worktrees,
		publisher:   options.Publisher,
		concurrency: concurrency,
		logger:      logger,
		now:         now,
		registry:    newRegistry(),
	}
}

// OptionsFromPolicy wires the lsof port releaser and git worktree remover
// using the paths and teardown sections of cfg.
func OptionsFromPolicy(cfg policy.Config, store RecordStore, publisher Publisher, logger *slog.Logger) Options {
	repoRoot := strings.TrimSpace(cfg.Paths.RepoRoot)
	if repoRoot == "" {
		repoRoot = "."
	}
	treesRoot := strings.TrimSpace(cfg.Paths.TreesRoot)
	if treesRoot == "" {
		treesRoot = "trees"
	}
	if !filepath.IsAbs(treesRoot) {
		treesRoot = filepath.Join(repoRoot, treesRoot)
	}
	return Options{
		Store: store,
		Ports: NewLsofReleaser(cfg.KillGrace()),
		Worktrees: NewGitWorktrees(GitWorktreeOptions{
			RepoRoot:          repoRoot,
			TreesRoot:         treesRoot,
			LockRetryAttempts: cfg.Teardown.LockRetryAttempts,
			LockRetryDelay:    cfg.LockRetryDelay(),
			Logger:            logger,
		}),
		Publisher:       publisher,
		PortConcurrency: cfg.Teardown.PortConcurrency,
		Logger:          logger,
	}
}

func NewManagerFromPolicy(cfg policy.Config, store RecordStore, publisher Publisher, logger *slog.Logger) *Manager {
	return NewManager(OptionsFromPolicy(cfg, store, publisher, logger))
}

// Delete tears down every resource of runID. A ctx that has already ended
// rejects the request with no side effects. Once admitted, the deletion runs
// to a terminal state on its own; a caller whose ctx ends only stops waiting
// and gets ctx.Err(). The outcome always carries every resource's result.
func (m *Manager) Delete(ctx context.Context, runID string) (model.DeletionOutcome, error) {
	runID = strings.TrimSpace(runID)
	if err := model.ValidateRunID(runID); err != nil {
		tracker := m.newTracker(runID)
		tracker.advance(model.DeletionStateValidating)
		tracker.advance(model.DeletionStateRejected)
		now := m.now()
		return model.DeletionOutcome{
			RunID:      runID,
			Status:     model.DeletionStatusValidationError,
			Error:      err.Error(),
			StartedAt:  now,
			FinishedAt: now,
		}, nil
	}
	if err := ctx.Err(); err != nil {
		return model.DeletionOutcome{}, err
	}
	outcome, shared, err := m.registry.do(ctx, runID, func() (model.DeletionOutcome, error) {
		return m.execute(context.WithoutCancel(ctx), runID)
	})
	if shared {
		m.logger.Debug("deletion outcome shared with concurrent request", "run_id", runID, "status", string(outcome.Status))
	}
	return outcome, err
}

// Wait blocks until every admitted deletion has reached a terminal state and
// published its event, or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	return m.registry.wait(ctx)
}

// InFlight lists run ids with a deletion currently executing.
func (m *Manager) InFlight() []string {
	return m.registry.inFlight()
}

func (m *Manager) execute(ctx context.Context, runID string) (model.DeletionOutcome, error) {
	tracker := m.newTracker(runID)
	outcome := model.DeletionOutcome{RunID: runID, StartedAt: m.now()}

	tracker.advance(model.DeletionStateValidating)
	record, err := m.store.Get(ctx, runID)
	if runstate.IsNotFound(err) {
		residual, existsErr := m.store.Exists(ctx, runID)
		if existsErr != nil {
			err = existsErr
		} else if residual {
			// An earlier attempt removed the document but left part of the
			// directory; ports and worktree are unknown, so only the state
			// dir is torn down.
			m.logger.Warn("run state document missing, removing leftover state dir", "run_id", runID)
			record, err = model.RunRecord{RunID: runID}, nil
		} else {
			tracker.advance(model.DeletionStateNotFound)
			outcome.Status = model.DeletionStatusNotFound
			outcome.FinishedAt = m.now()
			return outcome, nil
		}
	}
	if err != nil {
		tracker.advance(model.DeletionStateFaulted)
		outcome.Status = model.DeletionStatusInternalError
		outcome.Error = fmt.Sprintf("load run record: %s", compactErrorText(err))
		outcome.FinishedAt = m.now()
		m.publish(tracker.state, outcome)
		return outcome, nil
	}
	tracker.advance(model.DeletionStatePortsReleasing)
	outcome.Ports = m.releasePorts(ctx, record.AllocatedPorts())

	tracker.advance(model.DeletionStateWorktreeRemoving)
	outcome.Worktree = m.removeWorktree(ctx, record.WorktreePath)

	tracker.advance(model.DeletionStateStateDeleting)
	outcome.StateDir = m.deleteStateDir(ctx, runID)

	if !outcome.Ports.Released {
		outcome.FailedResources = append(outcome.FailedResources, model.ResourcePorts)
	}
	if !outcome.Worktree.Removed {
		outcome.FailedResources = append(outcome.FailedResources, model.ResourceWorktree)
	}
	if !outcome.StateDir.Removed {
		outcome.FailedResources = append(outcome.FailedResources, model.ResourceStateDir)
	}
	if len(outcome.FailedResources) == 0 {
		tracker.advance(model.DeletionStateCompleted)
		outcome.Status = model.DeletionStatusCompleted
	} else {
		tracker.advance(model.DeletionStatePartialFailure)
		outcome.Status = model.DeletionStatusPartialFailure
		outcome.Error = failureSummary(outcome)
	}
	outcome.FinishedAt = m.now()
	m.publish(tracker.state, outcome)

	m.logger.Info("run deletion finished",
		"run_id", runID,
		"status", string(outcome.Status),
		"released_ports", outcome.Ports.ReleasedPorts,
		"worktree_method", string(outcome.Worktree.Method),
		"failed", outcome.FailedResources,
		"duration", outcome.FinishedAt.Sub(outcome.StartedAt).String(),
	)
	return outcome, nil
}

func (m *Manager) releasePorts(ctx context.Context, ports []int) model.PortsResult {
	if m.ports == nil {
		if len(ports) == 0 {
			return model.PortsResult{Released: true, ReleasedPorts: []int{}}
		}
		failures := make([]model.PortFailure, 0, len(ports))
		for _, port := range ports {
			failures = append(failures, model.PortFailure{Port: port, Error: "no port releaser configured"})
		}
		return model.PortsResult{ReleasedPorts: []int{}, Failures: failures}
	}
	result := releasePorts(ctx, m.ports, ports, m.concurrency)
	for _, failure := range result.Failures {
		m.logger.Warn("port release failed", "port", failure.Port, "pid", failure.PID, "err", failure.Error)
	}
	return result
}

func (m *Manager) removeWorktree(ctx context.Context, path string) model.WorktreeResult {
	if strings.TrimSpace(path) == "" {
		return model.WorktreeResult{Removed: true, Method: model.WorktreeMethodAbsent}
	}
	if m.worktrees == nil {
		return model.WorktreeResult{Path: path, Error: "no worktree remover configured"}
	}
	result := m.worktrees.Remove(ctx, path)
	if !result.Removed {
		m.logger.Warn("worktree removal failed", "path", result.Path, "attempts", result.Attempts, "err", result.Error)
	}
	return result
}

func (m *Manager) deleteStateDir(ctx context.Context, runID string) model.StateDirResult {
	result := model.StateDirResult{Path: m.store.Dir(runID), Attempted: true}
	if err := m.store.Delete(ctx, runID); err != nil {
		result.Error = compactErrorText(err)
		if errors.Is(err, runstate.ErrIncomplete) {
			m.logger.Warn("state dir partially removed", "run_id", runID, "path", result.Path, "err", err)
		} else {
			m.logger.Warn("state dir removal failed", "run_id", runID, "path", result.Path, "err", err)
		}
		return result
	}
	result.Removed = true
	return result
}

// publish emits the single lifecycle event for a deletion that reached a
// terminal state.
func (m *Manager) publish(state model.DeletionState, outcome model.DeletionOutcome) {
	if m.publisher == nil {
		return
	}
	if !hsm.IsTerminalDeletion(state) {
		m.logger.Error("lifecycle event for non-terminal deletion", "run_id", outcome.RunID, "state", string(state))
		return
	}
	event := model.LifecycleEvent{
		ID:        uuid.NewString(),
		Type:      model.LifecycleEventDeleteFailed,
		RunID:     outcome.RunID,
		Detail:    outcome.Error,
		Timestamp: outcome.FinishedAt,
	}
	if outcome.Status == model.DeletionStatusCompleted {
		event.Type = model.LifecycleEventDeleted
		event.Detail = fmt.Sprintf("released %d port(s); worktree %s", len(outcome.Ports.ReleasedPorts), outcome.Worktree.Method)
	}
	delivered := m.publisher.Publish(event)
	m.logger.Debug("lifecycle event published", "run_id", outcome.RunID, "type", string(event.Type), "subscribers", delivered)
}

func failureSummary(outcome model.DeletionOutcome) string {
	parts := make([]string, 0, len(outcome.FailedResources))
	for _, resource := range outcome.FailedResources {
		switch resource {
		case model.ResourcePorts:
			ports := make([]string, 0, len(outcome.Ports.Failures))
			for _, failure := range outcome.Ports.Failures {
				ports = append(ports, fmt.Sprintf("%d", failure.Port))
			}
			parts = append(parts, "ports "+strings.Join(ports, ","))
		case model.ResourceWorktree:
			parts = append(parts, "worktree: "+outcome.Worktree.Error)
		case model.ResourceStateDir:
			parts = append(parts, "state dir: "+outcome.StateDir.Error)
		}
	}
	return "teardown incomplete: " + strings.Join(parts, "; ")
}

type tracker struct {
	runID  string
	state  model.DeletionState
	logger *slog.Logger
}

func (m *Manager) newTracker(runID string) *tracker {
	return &tracker{runID: runID, state: model.DeletionStateRequested, logger: m.logger}
}

func (t *tracker) advance(next model.DeletionState) {
	if !hsm.CanTransitionDeletion(t.state, next) {
		t.logger.Error("invalid deletion transition", "run_id", t.runID, "from", string(t.state), "to", string(next))
	}
	t.logger.Debug("deletion state", "run_id", t.runID, "from", string(t.state), "to", string(next))
	t.state = next
}
