package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"persons-desktop/internal/services/transfer"
)

func newExportCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all persons to CSV and download the file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = app.cfg.Download.Dir
			}

			out := cmd.OutOrStdout()
			dl := &downloader{client: app.client, dir: outDir, out: out}
			status, err := runTransfer(cmd.Context(), app, transfer.KindExport, out, dl,
				func(ctx context.Context, svc *transfer.Service) (transfer.TransferStatus, error) {
					return svc.StartExport(ctx)
				})
			if err != nil {
				return err
			}
			if err := printOutcome(out, status); err != nil {
				return err
			}
			if dl.saved == "" {
				return errors.New("export finished but the file could not be downloaded")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to save the export (default download.dir)")
	return cmd
}
