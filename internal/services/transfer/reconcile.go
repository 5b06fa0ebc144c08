package transfer

import (
	"errors"
	"fmt"
)

// outcome is the reconciled result of a terminal attempt
type outcome struct {
	ev            event // evSucceeded or evFailed
	signal        Signal
	rowErrors     []string
	importedCount int
	artifactURL   string
	err           error // cause for errored outcomes
	refresh       bool  // record list must be reloaded
	retrieve      bool  // artifact must be opened or downloaded
}

// reconcile interprets a terminal JobStatus, or the error that ended polling.
// "job completed" and "all rows valid" are independent facts: a SUCCESS with
// row errors is still a success.
func reconcile(kind Kind, status *JobStatus, pollErr error) outcome {
	if pollErr == nil && status == nil {
		pollErr = errors.New("no terminal status")
	}
	if pollErr == nil && status.State == JobFailure {
		pollErr = ErrJobFailed
	}

	switch kind {
	case KindImport:
		if pollErr != nil {
			return outcome{ev: evFailed, signal: SignalImportFailed, err: pollErr}
		}
		out := outcome{ev: evSucceeded, signal: SignalImported, refresh: true}
		if status.Result != nil {
			out.importedCount = status.Result.ImportedCount
			if len(status.Result.Errors) > 0 {
				out.signal = SignalPartiallyImported
				out.rowErrors = append([]string{}, status.Result.Errors...)
			}
		}
		return out

	case KindExport:
		if pollErr != nil {
			return outcome{ev: evFailed, signal: SignalExportFailed, err: pollErr}
		}
		if status.Result == nil || status.Result.ArtifactURL == "" {
			return outcome{ev: evFailed, signal: SignalExportFailed, err: ErrMissingArtifact}
		}
		return outcome{
			ev:          evSucceeded,
			signal:      SignalExported,
			artifactURL: status.Result.ArtifactURL,
			retrieve:    true,
		}
	}

	return outcome{ev: evFailed, err: fmt.Errorf("%w: %s", ErrUnknownKind, kind)}
}
