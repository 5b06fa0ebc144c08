package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"persons-desktop/internal/services/transfer"
)

func newImportCmd() *cobra.Command {
	var search string

	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Upload a CSV of persons and wait for the import job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFromContext(cmd.Context())
			if err != nil {
				return err
			}

			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read import file: %w", err)
			}
			req := transfer.ImportRequest{
				FileName:   filepath.Base(args[0]),
				Content:    content,
				SearchTerm: search,
			}

			out := cmd.OutOrStdout()
			status, err := runTransfer(cmd.Context(), app, transfer.KindImport, out, nil,
				func(ctx context.Context, svc *transfer.Service) (transfer.TransferStatus, error) {
					return svc.StartImport(ctx, req)
				})
			if err != nil {
				return err
			}
			if err := printOutcome(out, status); err != nil {
				return err
			}

			if status.Signal == transfer.SignalImported || status.Signal == transfer.SignalPartiallyImported {
				renderPersons(out, app.persons.Persons())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&search, "search", "s", "", "filter for the person list shown after import")
	return cmd
}
