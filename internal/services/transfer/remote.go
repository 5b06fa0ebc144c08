package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"persons-desktop/internal/api"
)

const (
	importStartEndpoint  = "persons/import_csv/"
	importStatusEndpoint = "persons/import-status/%s/"
	exportStartEndpoint  = "persons/export_csv/"
	exportStatusEndpoint = "persons/export-status/%s/"

	importFileField = "file"
)

// startResponse is returned by both job start endpoints
type startResponse struct {
	TaskID string `json:"task_id"`
}

// importStatusResponse is returned by GET /persons/import-status/{task_id}/
type importStatusResponse struct {
	Status string `json:"status"`
	Result *struct {
		Errors        []string `json:"errors"`
		ImportedCount *int     `json:"importedCount"`
		ImportedAlt   *int     `json:"imported_count"`
	} `json:"result"`
}

// exportStatusResponse is returned by GET /persons/export-status/{task_id}/
type exportStatusResponse struct {
	Status  string `json:"status"`
	FileURL string `json:"file_url"`
	Result  *struct {
		FileURL string `json:"file_url"`
	} `json:"result"`
}

// APIRunner implements JobRunner over the Persons HTTP API
type APIRunner struct {
	client *api.Client
}

// NewAPIRunner creates a JobRunner backed by client
func NewAPIRunner(client *api.Client) *APIRunner {
	return &APIRunner{client: client}
}

// StartImport uploads the CSV as multipart. Sent exactly once.
func (r *APIRunner) StartImport(ctx context.Context, fileName string, content []byte) (TaskHandle, error) {
	resp, err := r.client.UploadJob(ctx, importStartEndpoint, importFileField, fileName, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to upload import file: %w", err)
	}
	return parseStart(resp)
}

// StartExport requests a new export job. Sent exactly once.
func (r *APIRunner) StartExport(ctx context.Context) (TaskHandle, error) {
	resp, err := r.client.PostJob(ctx, exportStartEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to request export: %w", err)
	}
	return parseStart(resp)
}

// ImportStatus fetches one import job snapshot
func (r *APIRunner) ImportStatus(ctx context.Context, handle TaskHandle) (*JobStatus, error) {
	body, err := r.getStatus(ctx, importStatusEndpoint, handle)
	if err != nil {
		return nil, err
	}

	var payload importStatusResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse import status: %w", err)
	}

	state, err := parseJobState(payload.Status)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{State: state}
	if payload.Result != nil && state.Terminal() {
		result := &JobResult{Errors: payload.Result.Errors}
		switch {
		case payload.Result.ImportedCount != nil:
			result.ImportedCount = *payload.Result.ImportedCount
		case payload.Result.ImportedAlt != nil:
			result.ImportedCount = *payload.Result.ImportedAlt
		}
		status.Result = result
	}
	return status, nil
}

// ExportStatus fetches one export job snapshot. A relative file_url is
// resolved against the API host.
func (r *APIRunner) ExportStatus(ctx context.Context, handle TaskHandle) (*JobStatus, error) {
	body, err := r.getStatus(ctx, exportStatusEndpoint, handle)
	if err != nil {
		return nil, err
	}

	var payload exportStatusResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse export status: %w", err)
	}

	state, err := parseJobState(payload.Status)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{State: state}
	fileURL := payload.FileURL
	if fileURL == "" && payload.Result != nil {
		fileURL = payload.Result.FileURL
	}
	if state.Terminal() {
		status.Result = &JobResult{}
		if fileURL != "" {
			resolved, err := r.client.ResolveURL(fileURL)
			if err != nil {
				return nil, err
			}
			status.Result.ArtifactURL = resolved
		}
	}
	return status, nil
}

func (r *APIRunner) getStatus(ctx context.Context, endpointFmt string, handle TaskHandle) ([]byte, error) {
	endpoint := fmt.Sprintf(endpointFmt, url.PathEscape(string(handle)))

	resp, err := r.client.GetJob(ctx, endpoint)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("status request returned HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.Body(), nil
}

func parseStart(resp *resty.Response) (TaskHandle, error) {
	if !resp.IsSuccess() {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	var payload startResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return "", fmt.Errorf("failed to parse start response: %w", err)
	}
	if payload.TaskID == "" {
		return "", errors.New("no task_id in start response")
	}
	return TaskHandle(payload.TaskID), nil
}

// parseJobState accepts the four contract states plus the extra Celery
// states the server may leak through.
func parseJobState(raw string) (JobState, error) {
	state := JobState(strings.ToUpper(strings.TrimSpace(raw)))
	if state.valid() {
		return state, nil
	}
	switch state {
	case "STARTED", "RECEIVED", "RETRY", "PROGRESS":
		return JobRunning, nil
	case "REVOKED":
		return JobFailure, nil
	}
	return "", fmt.Errorf("unknown job status %q", raw)
}
