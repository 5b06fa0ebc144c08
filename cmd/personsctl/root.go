package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"persons-desktop/internal/api"
	"persons-desktop/internal/config"
	"persons-desktop/internal/credentials"
	"persons-desktop/internal/services/persons"
)

// cliApp holds what every subcommand needs
type cliApp struct {
	cfg     *config.Config
	client  *api.Client
	persons *persons.Service
}

// contextKey scopes values this CLI stores on the command context
type contextKey string

const appKey contextKey = "app"

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "personsctl",
		Short:         "Import and export persons as CSV",
		Long:          `personsctl drives the asynchronous CSV import and export jobs of the Persons API from the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.ApplyLogLevel()

			token := cfg.API.Token
			if token == "" {
				if token, err = credentials.LoadToken(cfg.API.BaseURL); err != nil {
					return err
				}
			}

			client := api.NewClient(cfg.API.BaseURL, token, cfg.API.Timeout)
			app := &cliApp{
				cfg:     cfg,
				client:  client,
				persons: persons.NewService(client, nil),
			}

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")

	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newPersonsCmd())
	return rootCmd
}

// appFromContext retrieves the app instance stored by PersistentPreRunE
func appFromContext(ctx context.Context) (*cliApp, error) {
	app, ok := ctx.Value(appKey).(*cliApp)
	if !ok || app == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return app, nil
}
