package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"adwboard/internal/model"
	"adwboard/internal/orchestrator"
	"adwboard/internal/serviceapi"
)

const targetLayerSlug = "target"

type targetSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	Server     string `glazed.parameter:"server"`
	Timeout    string `glazed.parameter:"timeout"`
	JSON       bool   `glazed.parameter:"json"`
}

// newTargetLayer selects where commands run: in-process against the policy's
// state root, or against a running adwboard server.
func newTargetLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(targetLayerSlug, "Target")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to .adwboard/policy.json)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"server",
			parameters.ParameterTypeString,
			parameters.WithHelp("Base URL of a running adwboard server; empty runs in-process"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"timeout",
			parameters.ParameterTypeString,
			parameters.WithHelp("Request timeout when talking to --server"),
			parameters.WithDefault("60s"),
		),
		parameters.NewParameterDefinition(
			"json",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Print JSON instead of text"),
			parameters.WithDefault(false),
		),
	)
	return layer, nil
}

func newTargetCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	targetLayer, err := newTargetLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(targetLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeTarget(parsedLayers *layers.ParsedLayers) (*targetSettings, error) {
	settings := &targetSettings{}
	if err := parsedLayers.InitializeStruct(targetLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func openCore(target *targetSettings) (serviceapi.Core, error) {
	if server := strings.TrimSpace(target.Server); server != "" {
		timeout, err := parseDurationSetting("timeout", target.Timeout)
		if err != nil {
			return nil, err
		}
		return serviceapi.NewRemoteCore(server, timeout), nil
	}
	return serviceapi.NewLocalCore(orchestrator.Options{
		PolicyPath: target.PolicyPath,
		Logger:     slog.Default(),
	})
}

func runWithCore(parsedLayers *layers.ParsedLayers, fn func(core serviceapi.Core, target *targetSettings) error) error {
	target, err := initializeTarget(parsedLayers)
	if err != nil {
		return err
	}
	core, err := openCore(target)
	if err != nil {
		return err
	}
	defer core.Shutdown()
	return fn(core, target)
}

func printJSON(payload any) error {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}

type resolveGlazedCommand struct {
	*cmds.CommandDescription
}

type stagesSettings struct {
	Stages []string `glazed.parameter:"stages"`
}

func stagesFlag() *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"stages",
		parameters.ParameterTypeStringList,
		parameters.WithHelp("Selected stages (repeatable, or comma-separated)"),
		parameters.WithDefault([]string{}),
	)
}

func newResolveGlazedCommand() (*resolveGlazedCommand, error) {
	desc, err := newTargetCommandDescription(
		"resolve",
		"Print the workflow a stage selection maps to",
		"Resolve a stage selection to its workflow identifier and show which rule matched.",
		stagesFlag(),
	)
	if err != nil {
		return nil, err
	}
	return &resolveGlazedCommand{CommandDescription: desc}, nil
}

func (c *resolveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &stagesSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	return runWithCore(parsedLayers, func(core serviceapi.Core, target *targetSettings) error {
		resolution, err := core.ResolveWorkflow(ctx, settings.Stages)
		if err != nil {
			return err
		}
		if target.JSON {
			return printJSON(resolution)
		}
		fmt.Fprintf(stdout, "%s\n", resolution.Workflow)
		fmt.Fprintf(stdout, "  rule=%s stages=%s", resolution.Rule, joinStages(resolution.Stages))
		if resolution.Reserved != "" {
			fmt.Fprintf(stdout, " reserved=%s", resolution.Reserved)
		}
		fmt.Fprintln(stdout)
		return nil
	})
}

var _ cmds.BareCommand = &resolveGlazedCommand{}

type createGlazedCommand struct {
	*cmds.CommandDescription
}

type createSettings struct {
	Stages []string `glazed.parameter:"stages"`
	Issue  string   `glazed.parameter:"issue"`
	RunID  string   `glazed.parameter:"run-id"`
}

func newCreateGlazedCommand() (*createGlazedCommand, error) {
	desc, err := newTargetCommandDescription(
		"create",
		"Record a new pending run",
		"Resolve the stage selection and record a pending run with its worktree path.",
		stagesFlag(),
		parameters.NewParameterDefinition(
			"issue",
			parameters.ParameterTypeString,
			parameters.WithHelp("Issue number the run works on"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"run-id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Run identifier (generated when empty)"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &createGlazedCommand{CommandDescription: desc}, nil
}

func (c *createGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &createSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	return runWithCore(parsedLayers, func(core serviceapi.Core, target *targetSettings) error {
		record, err := core.CreateRun(ctx, serviceapi.CreateRunOptions{
			IssueNumber: settings.Issue,
			Stages:      settings.Stages,
			RunID:       settings.RunID,
		})
		if err != nil {
			return err
		}
		if target.JSON {
			return printJSON(record)
		}
		fmt.Fprintf(stdout, "Created run %s workflow=%s worktree=%s\n", record.RunID, record.Workflow, record.WorktreePath)
		return nil
	})
}

var _ cmds.BareCommand = &createGlazedCommand{}

type triggerGlazedCommand struct {
	*cmds.CommandDescription
}

type triggerSettings struct {
	Stages []string `glazed.parameter:"stages"`
	Issue  string   `glazed.parameter:"issue"`
	RunID  string   `glazed.parameter:"run-id"`
	DryRun bool     `glazed.parameter:"dry-run"`
}

func newTriggerGlazedCommand() (*triggerGlazedCommand, error) {
	desc, err := newTargetCommandDescription(
		"trigger",
		"Launch the workflow for a stage selection",
		"Resolve the stage selection the same way run creation does and start the workflow command.",
		stagesFlag(),
		parameters.NewParameterDefinition(
			"issue",
			parameters.ParameterTypeString,
			parameters.WithHelp("Issue number (defaults to the run's recorded issue)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"run-id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Run identifier"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"dry-run",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Print the command without starting it"),
			parameters.WithDefault(false),
		),
	)
	if err != nil {
		return nil, err
	}
	return &triggerGlazedCommand{CommandDescription: desc}, nil
}

func (c *triggerGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &triggerSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	return runWithCore(parsedLayers, func(core serviceapi.Core, target *targetSettings) error {
		invocation, err := core.TriggerRun(ctx, serviceapi.TriggerOptions{
			RunID:       settings.RunID,
			IssueNumber: settings.Issue,
			Stages:      settings.Stages,
			DryRun:      settings.DryRun,
		})
		if err != nil {
			return err
		}
		if target.JSON {
			return printJSON(invocation)
		}
		command := strings.TrimSpace(invocation.Command + " " + strings.Join(invocation.Args, " "))
		if invocation.DryRun {
			fmt.Fprintf(stdout, "Would run: %s\n", command)
			return nil
		}
		fmt.Fprintf(stdout, "Started %s for run %s pid=%d\n", invocation.Workflow, invocation.RunID, invocation.PID)
		return nil
	})
}

var _ cmds.BareCommand = &triggerGlazedCommand{}

type listGlazedCommand struct {
	*cmds.CommandDescription
}

func newListGlazedCommand() (*listGlazedCommand, error) {
	desc, err := newTargetCommandDescription("list", "List recorded runs", "")
	if err != nil {
		return nil, err
	}
	return &listGlazedCommand{CommandDescription: desc}, nil
}

func (c *listGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	return runWithCore(parsedLayers, func(core serviceapi.Core, target *targetSettings) error {
		runs, err := core.ListRuns(ctx)
		if err != nil {
			return err
		}
		if target.JSON {
			if runs == nil {
				runs = []model.RunRecord{}
			}
			return printJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(stdout, "No runs.")
			return nil
		}
		for _, run := range runs {
			fmt.Fprintf(stdout, "%s  %-10s %-28s issue=%s ports=%s\n",
				run.RunID,
				emptyValue(string(run.Status), "-"),
				run.Workflow,
				emptyValue(run.IssueNumber, "-"),
				joinPorts(run.Ports),
			)
		}
		return nil
	})
}

var _ cmds.BareCommand = &listGlazedCommand{}

type showGlazedCommand struct {
	*cmds.CommandDescription
}

type runIDSettings struct {
	RunID string `glazed.parameter:"run-id"`
}

func runIDFlag(help string) *parameters.ParameterDefinition {
	return parameters.NewParameterDefinition(
		"run-id",
		parameters.ParameterTypeString,
		parameters.WithHelp(help),
		parameters.WithDefault(""),
	)
}

func newShowGlazedCommand() (*showGlazedCommand, error) {
	desc, err := newTargetCommandDescription("show", "Print one run record", "", runIDFlag("Run identifier"))
	if err != nil {
		return nil, err
	}
	return &showGlazedCommand{CommandDescription: desc}, nil
}

func (c *showGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runIDSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	return runWithCore(parsedLayers, func(core serviceapi.Core, target *targetSettings) error {
		run, err := core.GetRun(ctx, settings.RunID)
		if err != nil {
			return err
		}
		if target.JSON {
			return printJSON(run)
		}
		fmt.Fprintf(stdout, "Run %s\n", run.RunID)
		fmt.Fprintf(stdout, "  workflow=%s status=%s issue=%s\n", run.Workflow, emptyValue(string(run.Status), "-"), emptyValue(run.IssueNumber, "-"))
		fmt.Fprintf(stdout, "  stages=%s\n", joinStages(run.Stages))
		fmt.Fprintf(stdout, "  worktree=%s\n", emptyValue(run.WorktreePath, "-"))
		fmt.Fprintf(stdout, "  ports=%s\n", joinPorts(run.Ports))
		return nil
	})
}

var _ cmds.BareCommand = &showGlazedCommand{}

type deleteGlazedCommand struct {
	*cmds.CommandDescription
}

func newDeleteGlazedCommand() (*deleteGlazedCommand, error) {
	desc, err := newTargetCommandDescription(
		"delete",
		"Tear down a run",
		"Release the run's ports, remove its worktree and delete its state directory. Every step is attempted even when an earlier one fails.",
		runIDFlag("Run identifier"),
	)
	if err != nil {
		return nil, err
	}
	return &deleteGlazedCommand{CommandDescription: desc}, nil
}

func (c *deleteGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runIDSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	return runWithCore(parsedLayers, func(core serviceapi.Core, target *targetSettings) error {
		outcome, err := core.DeleteRun(ctx, settings.RunID)
		if err != nil {
			return err
		}
		if target.JSON {
			if err := printJSON(outcome); err != nil {
				return err
			}
		} else {
			printOutcome(outcome)
		}
		if !outcome.Succeeded() {
			return fmt.Errorf("delete %s: %s", emptyValue(outcome.RunID, settings.RunID), outcome.Status)
		}
		return nil
	})
}

var _ cmds.BareCommand = &deleteGlazedCommand{}

func printOutcome(outcome model.DeletionOutcome) {
	fmt.Fprintf(stdout, "Delete %s: %s\n", emptyValue(outcome.RunID, "-"), outcome.Status)
	if outcome.Status == model.DeletionStatusNotFound || outcome.Status == model.DeletionStatusValidationError {
		if outcome.Error != "" {
			fmt.Fprintf(stdout, "  %s\n", outcome.Error)
		}
		return
	}
	fmt.Fprintf(stdout, "  ports released=%t ports=%s", outcome.Ports.Released, joinPorts(outcome.Ports.ReleasedPorts))
	if len(outcome.Ports.TerminatedPIDs) > 0 {
		fmt.Fprintf(stdout, " terminated=%s", joinPorts(outcome.Ports.TerminatedPIDs))
	}
	fmt.Fprintln(stdout)
	for _, failure := range outcome.Ports.Failures {
		fmt.Fprintf(stdout, "    port %d pid=%d: %s\n", failure.Port, failure.PID, failure.Error)
	}
	fmt.Fprintf(stdout, "  worktree removed=%t method=%s attempts=%d", outcome.Worktree.Removed, emptyValue(string(outcome.Worktree.Method), "-"), outcome.Worktree.Attempts)
	if outcome.Worktree.Error != "" {
		fmt.Fprintf(stdout, " error=%s", outcome.Worktree.Error)
	}
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "  state removed=%t", outcome.StateDir.Removed)
	if outcome.StateDir.Error != "" {
		fmt.Fprintf(stdout, " error=%s", outcome.StateDir.Error)
	}
	fmt.Fprintln(stdout)
}

type watchGlazedCommand struct {
	*cmds.CommandDescription
}

func newWatchGlazedCommand() (*watchGlazedCommand, error) {
	desc, err := newTargetCommandDescription(
		"watch",
		"Stream lifecycle events from a server",
		"Follow deleted and delete_failed events over the server's websocket stream until interrupted.",
		runIDFlag("Only show events for this run"),
	)
	if err != nil {
		return nil, err
	}
	return &watchGlazedCommand{CommandDescription: desc}, nil
}

func (c *watchGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runIDSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	target, err := initializeTarget(parsedLayers)
	if err != nil {
		return err
	}
	if strings.TrimSpace(target.Server) == "" {
		return fmt.Errorf("watch requires --server")
	}
	core, err := openCore(target)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	events, stop, err := core.SubscribeEvents(ctx, settings.RunID)
	if err != nil {
		return err
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if target.JSON {
				if err := printJSON(event); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(stdout, "%s %-13s %s %s\n", event.Timestamp.Format(time.RFC3339), event.Type, event.RunID, event.Detail)
		}
	}
}

var _ cmds.BareCommand = &watchGlazedCommand{}

func joinStages(stages []model.StageToken) string {
	if len(stages) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(stages))
	for _, stage := range stages {
		parts = append(parts, string(stage))
	}
	return strings.Join(parts, ",")
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for _, port := range ports {
		parts = append(parts, fmt.Sprintf("%d", port))
	}
	return strings.Join(parts, ",")
}

func emptyValue(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
