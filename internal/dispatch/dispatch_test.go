package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adwboard/internal/model"
	"adwboard/internal/policy"
	"adwboard/internal/runstate"
	"adwboard/internal/stageflow"
)

type recordingStarter struct {
	invocations []Invocation
	err         error
}

func (s *recordingStarter) Start(ctx context.Context, invocation Invocation) (int, error) {
	s.invocations = append(s.invocations, invocation)
	if s.err != nil {
		return 0, s.err
	}
	return 31337, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *runstate.Store, *recordingStarter) {
	t.Helper()
	root := t.TempDir()
	cfg := policy.Default()
	cfg.Paths.RepoRoot = root
	resolver, err := stageflow.NewResolver(cfg.Stages)
	require.NoError(t, err)
	store := runstate.New(filepath.Join(root, "agents"))
	starter := &recordingStarter{}
	d := New(cfg, Options{
		Resolver: resolver,
		Store:    store,
		Starter:  starter,
		Now:      func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) },
		NewRunID: func() string { return "ab12cd34" },
	})
	return d, store, starter
}

func TestCreateRunPersistsResolvedWorkflow(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	record, err := d.CreateRun(context.Background(), CreateRunOptions{
		IssueNumber: "42",
		Stages:      []string{"review", "Plan", "test", "implement", "document"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", record.RunID)
	assert.Equal(t, model.WorkflowIdentifier("adw_sdlc_iso"), record.Workflow)
	assert.Equal(t, model.RunStatusPending, record.Status)
	assert.Equal(t, "ab12cd34", filepath.Base(record.WorktreePath))
	assert.Equal(t, []model.StageToken{"plan", "implement", "test", "review", "document"}, record.Stages)

	stored, err := store.Get(context.Background(), "ab12cd34")
	require.NoError(t, err)
	assert.Equal(t, record.Workflow, stored.Workflow)
	assert.Equal(t, "42", stored.IssueNumber)
}

func TestCreateRunRejectsDuplicatesAndBadStages(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateRun(ctx, CreateRunOptions{Stages: []string{}})
	assert.ErrorIs(t, err, stageflow.ErrInvalidStageSet)

	_, err = d.CreateRun(ctx, CreateRunOptions{Stages: []string{"plan"}, RunID: "bad"})
	assert.ErrorIs(t, err, model.ErrInvalidRunID)

	_, err = d.CreateRun(ctx, CreateRunOptions{Stages: []string{"plan"}})
	require.NoError(t, err)
	_, err = d.CreateRun(ctx, CreateRunOptions{Stages: []string{"test"}})
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestTriggerRendersInvocation(t *testing.T) {
	d, _, starter := newTestDispatcher(t)

	invocation, err := d.Trigger(context.Background(), TriggerOptions{
		RunID:       "ef56ab78",
		IssueNumber: "7",
		Stages:      []string{"merge"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowIdentifier("adw_ship_iso"), invocation.Workflow)
	assert.Equal(t, "uv", invocation.Command)
	assert.Equal(t, []string{"run", "adws/adw_ship_iso.py", "7", "ef56ab78"}, invocation.Args)
	assert.Equal(t, 31337, invocation.PID)
	require.Len(t, starter.invocations, 1)
}

func TestTriggerDryRunDoesNotStart(t *testing.T) {
	d, _, starter := newTestDispatcher(t)

	invocation, err := d.Trigger(context.Background(), TriggerOptions{
		RunID:       "ef56ab78",
		IssueNumber: "7",
		Stages:      []string{"plan", "implement"},
		DryRun:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowIdentifier("adw_plan_build_iso"), invocation.Workflow)
	assert.Zero(t, invocation.PID)
	assert.Empty(t, starter.invocations)
}

func TestTriggerRequiresIssue(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Trigger(context.Background(), TriggerOptions{RunID: "ef56ab78", Stages: []string{"plan"}, DryRun: true})
	assert.ErrorIs(t, err, ErrIssueRequired)
}

func TestTriggerReportsStartFailure(t *testing.T) {
	d, _, starter := newTestDispatcher(t)
	starter.err = errors.New("uv: not found")
	_, err := d.Trigger(context.Background(), TriggerOptions{RunID: "ef56ab78", IssueNumber: "7", Stages: []string{"plan"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uv: not found")
}

// Run creation and manual trigger must name the same workflow for the same
// selection, whatever order the stages were picked in.
func TestCreateAndTriggerAgree(t *testing.T) {
	selections := [][]string{
		{"plan"},
		{"implement", "plan"},
		{"test", "review", "plan", "implement", "document"},
		{"merge", "document", "review", "test", "implement", "plan"},
		{"merge"},
		{"merge", "review"},
		{"pr", "plan", "implement", "test", "review", "document"},
		{"document", "test"},
	}
	for _, stages := range selections {
		d, _, _ := newTestDispatcher(t)
		record, err := d.CreateRun(context.Background(), CreateRunOptions{IssueNumber: "1", Stages: stages})
		require.NoError(t, err, stages)

		reversed := make([]string, len(stages))
		for i, stage := range stages {
			reversed[len(stages)-1-i] = stage
		}
		invocation, err := d.Trigger(context.Background(), TriggerOptions{
			RunID:  record.RunID,
			Stages: reversed,
			DryRun: true,
		})
		require.NoError(t, err, stages)
		assert.Equal(t, record.Workflow, invocation.Workflow, stages)
		assert.Equal(t, record.Workflow, invocation.RecordedWorkflow, stages)
		assert.Equal(t, "1", invocation.IssueNumber)
	}
}

func TestNewRunIDIsValid(t *testing.T) {
	for i := 0; i < 20; i++ {
		assert.True(t, model.ValidRunID(NewRunID()))
	}
}
