package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"persons-desktop/internal/api"
	"persons-desktop/internal/services/transfer"
)

// waiter prints progress and delivers the first terminal status of one kind.
// Publish runs under the service's publish lock, so it never blocks.
type waiter struct {
	kind  transfer.Kind
	out   io.Writer
	done  chan transfer.TransferStatus
	phase transfer.Phase
}

func newWaiter(kind transfer.Kind, out io.Writer) *waiter {
	return &waiter{kind: kind, out: out, done: make(chan transfer.TransferStatus, 1)}
}

func (w *waiter) Publish(status transfer.TransferStatus) {
	if status.Kind != w.kind {
		return
	}
	if status.Phase != w.phase {
		w.phase = status.Phase
		fmt.Fprintf(w.out, "%s %s\n", color.CyanString("%s:", status.Kind), status.Phase)
	}
	if status.Phase == transfer.PhaseDone || status.Phase == transfer.PhaseErrored {
		select {
		case w.done <- status:
		default:
		}
	}
}

// downloader saves finished exports under dir
type downloader struct {
	client *api.Client
	dir    string
	out    io.Writer
	saved  string
}

func (d *downloader) Retrieve(ctx context.Context, artifactURL string) error {
	name := "persons.csv"
	if u, err := url.Parse(artifactURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	target := filepath.Join(d.dir, name)
	resp, err := d.client.Download(ctx, artifactURL, target)
	if err != nil {
		return fmt.Errorf("failed to download export: %w", err)
	}
	if !resp.IsSuccess() {
		_ = os.Remove(target)
		return fmt.Errorf("failed to download export: HTTP %d", resp.StatusCode())
	}

	d.saved = target
	fmt.Fprintf(d.out, "Saved %s\n", color.GreenString(target))
	return nil
}

// runTransfer starts one attempt and blocks until it is terminal. Ctrl-C
// cancels polling; the job itself keeps running server-side.
func runTransfer(ctx context.Context, app *cliApp, kind transfer.Kind, out io.Writer, retriever transfer.ArtifactRetriever,
	start func(ctx context.Context, svc *transfer.Service) (transfer.TransferStatus, error)) (transfer.TransferStatus, error) {

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	w := newWaiter(kind, out)
	svc := transfer.NewService(ctx, transfer.NewAPIRunner(app.client), transfer.Options{
		Records:   app.persons,
		Retriever: retriever,
		Notifier:  w,
		Policy:    app.cfg.PollPolicy(),
	})
	defer svc.Shutdown()

	status, err := start(ctx, svc)
	if err != nil {
		return status, err
	}

	select {
	case status = <-w.done:
	case <-ctx.Done():
		svc.Cancel(kind)
		return svc.Status(kind), fmt.Errorf("%s interrupted: %w", kind, ctx.Err())
	}

	// Wait for the refresh or download that follows a terminal status
	svc.Shutdown()
	log.WithFields(log.Fields{"kind": kind, "task_id": status.TaskID}).Debug("Transfer finished")
	return status, nil
}

func printOutcome(out io.Writer, status transfer.TransferStatus) error {
	switch status.Signal {
	case transfer.SignalImported:
		fmt.Fprintf(out, "%s %d persons\n", color.GreenString("Imported"), status.ImportedCount)
	case transfer.SignalPartiallyImported:
		fmt.Fprintf(out, "%s %d persons, %d rows rejected\n", color.YellowString("Partially imported"), status.ImportedCount, len(status.Errors))
		renderRowErrors(out, status.Errors)
	case transfer.SignalExported:
		fmt.Fprintf(out, "%s %s\n", color.GreenString("Exported"), status.ArtifactURL)
	default:
		fmt.Fprintf(out, "%s %s\n", color.RedString("Failed:"), status.Error)
		return fmt.Errorf("%s failed: %s", status.Kind, status.Error)
	}
	return nil
}
