package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"adwboard/internal/policy"
	"adwboard/internal/server"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default adwboard policy file at the target path. A .yaml or .yml path is written as YAML."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	PolicyPath      string `glazed.parameter:"policy"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
	Heartbeat       string `glazed.parameter:"heartbeat"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the API server"),
			cmds.WithLong("Start the adwboard HTTP API and the lifecycle event stream."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address"),
					parameters.WithDefault(":3001"),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .adwboard/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
				parameters.NewParameterDefinition(
					"heartbeat",
					parameters.ParameterTypeString,
					parameters.WithHelp("Event stream heartbeat period"),
					parameters.WithDefault("15s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}
	heartbeat, err := parseDurationSetting("heartbeat", settings.Heartbeat)
	if err != nil {
		return err
	}

	runtime, err := server.NewRuntime(server.Options{
		Addr:            settings.Addr,
		PolicyPath:      settings.PolicyPath,
		ShutdownTimeout: shutdownTimeout,
		StreamHeartbeat: heartbeat,
		Logger:          slog.Default(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "adwboard serve listening on %s\n", settings.Addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}
