// Package dispatch holds the two places a stage selection becomes a workflow
// name: creating a run and manually triggering one. Both resolve through the
// same stageflow.Resolver.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"adwboard/internal/model"
	"adwboard/internal/policy"
	"adwboard/internal/runstate"
	"adwboard/internal/stageflow"
)

var (
	ErrRunExists     = errors.New("run already exists")
	ErrIssueRequired = errors.New("issue number is required")
)

type RecordStore interface {
	Get(ctx context.Context, runID string) (model.RunRecord, error)
	Save(ctx context.Context, record model.RunRecord) error
}

// Starter launches a workflow process and returns its pid without waiting
// for it to finish.
type Starter interface {
	Start(ctx context.Context, invocation Invocation) (int, error)
}

type Invocation struct {
	RunID            string                   `json:"run_id"`
	IssueNumber      string                   `json:"issue_number"`
	Workflow         model.WorkflowIdentifier `json:"workflow"`
	RecordedWorkflow model.WorkflowIdentifier `json:"recorded_workflow,omitempty"`
	Command          string                   `json:"command"`
	Args             []string                 `json:"args"`
	Dir              string                   `json:"dir"`
	DryRun           bool                     `json:"dry_run"`
	PID              int                      `json:"pid,omitempty"`
}

type CreateRunOptions struct {
	IssueNumber string
	Stages      []string
	RunID       string
}

type TriggerOptions struct {
	RunID       string
	IssueNumber string
	Stages      []string
	DryRun      bool
}

type Options struct {
	Resolver *stageflow.Resolver
	Store    RecordStore
	Starter  Starter
	Logger   *slog.Logger
	Now      func() time.Time
	NewRunID func() string
}

type Dispatcher struct {
	resolver  *stageflow.Resolver
	store     RecordStore
	starter   Starter
	logger    *slog.Logger
	now       func() time.Time
	newRunID  func() string
	repoRoot  string
	treesRoot string
	command   string
	args      []string
}

func New(cfg policy.Config, options Options) *Dispatcher {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newRunID := options.NewRunID
	if newRunID == nil {
		newRunID = NewRunID
	}
	starter := options.Starter
	if starter == nil {
		starter = &execStarter{logger: logger}
	}
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
	return &Dispatcher{
		resolver:  options.Resolver,
		store:     options.Store,
		starter:   starter,
		logger:    logger,
		now:       now,
		newRunID:  newRunID,
		repoRoot:  repoRoot,
		treesRoot: treesRoot,
		command:   strings.TrimSpace(cfg.Dispatch.Command),
		args:      append([]string{}, cfg.Dispatch.Args...),
	}
}

// NewRunID returns a fresh 8-character hex run id.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateRun records a new pending run with its resolved workflow. The
// worktree path is recorded but nothing is provisioned.
func (d *Dispatcher) CreateRun(ctx context.Context, options CreateRunOptions) (model.RunRecord, error) {
	set := model.NewStageSet(options.Stages...)
	workflow, err := d.resolver.Resolve(set)
	if err != nil {
		return model.RunRecord{}, err
	}
	runID := strings.TrimSpace(options.RunID)
	if runID == "" {
		runID = d.newRunID()
	}
	if err := model.ValidateRunID(runID); err != nil {
		return model.RunRecord{}, err
	}
	if _, err := d.store.Get(ctx, runID); err == nil {
		return model.RunRecord{}, fmt.Errorf("%w: %s", ErrRunExists, runID)
	} else if !runstate.IsNotFound(err) {
		return model.RunRecord{}, err
	}

	record := model.RunRecord{
		RunID:        runID,
		IssueNumber:  strings.TrimSpace(options.IssueNumber),
		WorktreePath: filepath.Join(d.treesRoot, runID),
		Workflow:     workflow,
		Stages:       d.resolver.CanonicalStages(set),
		Status:       model.RunStatusPending,
		CreatedAt:    d.now(),
	}
	if err := d.store.Save(ctx, record); err != nil {
		return model.RunRecord{}, err
	}
	d.logger.Info("run created", "run_id", runID, "workflow", string(workflow), "issue", record.IssueNumber)
	return record, nil
}

// Trigger resolves the selection again and launches the workflow. With
// DryRun the invocation is only described.
func (d *Dispatcher) Trigger(ctx context.Context, options TriggerOptions) (Invocation, error) {
	runID := strings.TrimSpace(options.RunID)
	if err := model.ValidateRunID(runID); err != nil {
		return Invocation{}, err
	}
	workflow, err := d.resolver.ResolveTokens(options.Stages)
	if err != nil {
		return Invocation{}, err
	}

	issue := strings.TrimSpace(options.IssueNumber)
	invocation := Invocation{RunID: runID, Workflow: workflow, Dir: d.repoRoot, DryRun: options.DryRun}
	record, err := d.store.Get(ctx, runID)
	switch {
	case err == nil:
		invocation.RecordedWorkflow = record.Workflow
		if issue == "" {
			issue = record.IssueNumber
		}
		if record.Workflow != "" && record.Workflow != workflow {
			d.logger.Warn("trigger workflow differs from recorded workflow",
				"run_id", runID,
				"recorded", string(record.Workflow),
				"resolved", string(workflow),
			)
		}
	case runstate.IsNotFound(err):
	default:
		return Invocation{}, err
	}
	if issue == "" {
		return Invocation{}, fmt.Errorf("%w to trigger run %s", ErrIssueRequired, runID)
	}
	if d.command == "" {
		return Invocation{}, fmt.Errorf("dispatch.command is not configured")
	}
	invocation.IssueNumber = issue
	invocation.Command = d.command
	invocation.Args = policy.RenderArgs(d.args, string(workflow), issue, runID)

	if options.DryRun {
		return invocation, nil
	}
	pid, err := d.starter.Start(ctx, invocation)
	if err != nil {
		return invocation, fmt.Errorf("start %s for run %s: %w", workflow, runID, err)
	}
	invocation.PID = pid
	d.logger.Info("workflow triggered", "run_id", runID, "workflow", string(workflow), "pid", pid)
	return invocation, nil
}

type execStarter struct {
	logger *slog.Logger
}

func (s *execStarter) Start(_ context.Context, invocation Invocation) (int, error) {
	// The workflow outlives the request that started it.
	cmd := exec.Command(invocation.Command, invocation.Args...)
	cmd.Dir = invocation.Dir
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		if err != nil {
			s.logger.Warn("workflow exited with error", "run_id", invocation.RunID, "pid", pid, "err", err)
			return
		}
		s.logger.Info("workflow exited", "run_id", invocation.RunID, "pid", pid)
	}()
	return pid, nil
}
