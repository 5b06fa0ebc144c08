package transfer

import (
	"context"
	"time"
)

// Kind identifies one of the two independent transfer pipelines
type Kind string

const (
	KindImport Kind = "import"
	KindExport Kind = "export"
)

// ParseKind validates a kind coming from the frontend or CLI
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindImport, KindExport:
		return Kind(s), nil
	}
	return "", ErrUnknownKind
}

// TaskHandle is the job identifier issued by the server at start time
type TaskHandle string

// JobState is the lifecycle state reported by the remote job runner
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobSuccess JobState = "SUCCESS"
	JobFailure JobState = "FAILURE"
)

// Terminal reports whether no further polling is needed
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailure
}

func (s JobState) valid() bool {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailure:
		return true
	}
	return false
}

// JobStatus is one polled snapshot. Each poll replaces the previous one.
type JobStatus struct {
	State  JobState   `json:"state"`
	Result *JobResult `json:"result,omitempty"`
}

// JobResult is only present on SUCCESS or FAILURE
type JobResult struct {
	ImportedCount int      `json:"imported_count"`
	Errors        []string `json:"errors,omitempty"`       // import: one entry per rejected row
	ArtifactURL   string   `json:"artifact_url,omitempty"` // export: absolute location of the file
}

// Phase is the externally observable progress of a transfer kind
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhasePolling  Phase = "polling"
	PhaseDone     Phase = "done"
	PhaseErrored  Phase = "errored"
)

// Active reports whether an attempt is in flight
func (p Phase) Active() bool {
	return p == PhaseStarting || p == PhasePolling
}

// Signal names the reconciled business outcome of an attempt
type Signal string

const (
	SignalNone              Signal = ""
	SignalImported          Signal = "imported"
	SignalPartiallyImported Signal = "partially_imported"
	SignalImportFailed      Signal = "import_failed"
	SignalExported          Signal = "exported"
	SignalExportFailed      Signal = "export_failed"
)

// TransferStatus is the per-kind status read by the presentation layer
type TransferStatus struct {
	Kind          Kind       `json:"kind"`
	Phase         Phase      `json:"phase"`
	AttemptID     string     `json:"attempt_id,omitempty"`
	TaskID        TaskHandle `json:"task_id,omitempty"`
	JobState      JobState   `json:"job_state,omitempty"`
	Signal        Signal     `json:"signal,omitempty"`
	Errors        []string   `json:"errors"`
	ArtifactURL   string     `json:"artifact_url,omitempty"`
	ImportedCount int        `json:"imported_count"`
	Error         string     `json:"error,omitempty"`
	Polls         int        `json:"polls"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// clone returns a copy that shares no slices with the original
func (s TransferStatus) clone() TransferStatus {
	out := s
	out.Errors = append([]string{}, s.Errors...)
	return out
}

// ImportRequest carries the CSV to upload
type ImportRequest struct {
	FileName   string `json:"file_name"`
	Content    []byte `json:"-"`
	SearchTerm string `json:"search_term"` // passed to the record list on refresh
}

// JobRunner is the remote job contract
type JobRunner interface {
	StartImport(ctx context.Context, fileName string, content []byte) (TaskHandle, error)
	StartExport(ctx context.Context) (TaskHandle, error)
	ImportStatus(ctx context.Context, handle TaskHandle) (*JobStatus, error)
	ExportStatus(ctx context.Context, handle TaskHandle) (*JobStatus, error)
}

// RecordList is refreshed after an import lands rows
type RecordList interface {
	Refresh(ctx context.Context, searchTerm string) error
}

// ArtifactRetriever opens or downloads a finished export
type ArtifactRetriever interface {
	Retrieve(ctx context.Context, artifactURL string) error
}

// Notifier receives every TransferStatus change
type Notifier interface {
	Publish(status TransferStatus)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(status TransferStatus)

func (f NotifierFunc) Publish(status TransferStatus) { f(status) }

// HistoryRecorder stores finished or cancelled attempts
type HistoryRecorder interface {
	RecordTransfer(ctx context.Context, status TransferStatus) error
}

// PollPolicy bounds a single polling run
type PollPolicy struct {
	Interval    time.Duration // fixed delay between polls
	MaxFailures int           // consecutive failed polls tolerated; 0 means the default, NoRetries none
	Timeout     time.Duration // wall-clock ceiling for the whole run
}

// NoRetries as PollPolicy.MaxFailures fails the run on the first failed poll
const NoRetries = -1

// DefaultPollPolicy polls every 2s, tolerates 3 failures and gives up after 10 minutes
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    2 * time.Second,
		MaxFailures: 3,
		Timeout:     10 * time.Minute,
	}
}
