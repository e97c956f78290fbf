package main

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

func executeCLI(ctx context.Context, args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "adwboard",
		Short:         "resolve, trigger and tear down isolated workflow runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	constructors := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return newResolveGlazedCommand() },
		func() (cmds.Command, error) { return newCreateGlazedCommand() },
		func() (cmds.Command, error) { return newTriggerGlazedCommand() },
		func() (cmds.Command, error) { return newListGlazedCommand() },
		func() (cmds.Command, error) { return newShowGlazedCommand() },
		func() (cmds.Command, error) { return newDeleteGlazedCommand() },
		func() (cmds.Command, error) { return newWatchGlazedCommand() },
		func() (cmds.Command, error) { return newServeGlazedCommand() },
		func() (cmds.Command, error) { return newPolicyInitGlazedCommand() },
	}
	for _, construct := range constructors {
		command, err := construct()
		if err != nil {
			return nil, err
		}
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}
	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}
