package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SignalCancelled marks attempts stopped by Cancel or superseded by a new start.
// It only appears in history records; the live status resets to idle.
const SignalCancelled Signal = "cancelled"

// Options wires the collaborators of a Service. Nil collaborators are skipped.
type Options struct {
	Records   RecordList
	Retriever ArtifactRetriever
	Notifier  Notifier
	History   HistoryRecorder
	Policy    PollPolicy
}

// slot is the state owned for one transfer kind
type slot struct {
	machine *machine
	status  TransferStatus
	gen     uint64 // bumped on every start and cancel; stale updates are discarded
	cancel  context.CancelFunc
	search  string
}

// Service orchestrates CSV import and export jobs against the Persons API
type Service struct {
	ctx       context.Context
	runner    JobRunner
	records   RecordList
	retriever ArtifactRetriever
	notifier  Notifier
	history   HistoryRecorder
	policy    PollPolicy

	// publishMu orders mutation+publish pairs so observers never see an
	// older status after a newer one. It is never held while calling
	// records, retriever or history.
	publishMu sync.Mutex
	mu        sync.Mutex
	slots     map[Kind]*slot
	wg        sync.WaitGroup
}

// NewService creates a new Transfer service
func NewService(ctx context.Context, runner JobRunner, opts Options) *Service {
	s := &Service{
		ctx:       ctx,
		runner:    runner,
		records:   opts.Records,
		retriever: opts.Retriever,
		notifier:  opts.Notifier,
		history:   opts.History,
		policy:    opts.Policy.withDefaults(),
		slots:     make(map[Kind]*slot),
	}
	for _, kind := range []Kind{KindImport, KindExport} {
		s.slots[kind] = &slot{machine: newMachine(), status: idleStatus(kind)}
	}
	return s
}

func idleStatus(kind Kind) TransferStatus {
	return TransferStatus{Kind: kind, Phase: PhaseIdle, Errors: []string{}}
}

// StartImport uploads a CSV and starts polling the resulting job. Any import
// still in flight is cancelled first. The returned error wraps ErrStartFailed
// when the job could not be enqueued.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (TransferStatus, error) {
	if len(req.Content) == 0 {
		return s.Status(KindImport), ErrEmptyFile
	}
	if req.FileName == "" {
		req.FileName = "persons.csv"
	}

	gen, attemptCtx, _ := s.begin(KindImport, req.SearchTerm, true)
	handle, err := s.runner.StartImport(ctx, req.FileName, req.Content)
	return s.afterStart(KindImport, gen, attemptCtx, handle, err)
}

// StartExport requests a CSV export and starts polling it. Any export still
// in flight is cancelled first.
func (s *Service) StartExport(ctx context.Context) (TransferStatus, error) {
	gen, attemptCtx, _ := s.begin(KindExport, "", true)
	handle, err := s.runner.StartExport(ctx)
	return s.afterStart(KindExport, gen, attemptCtx, handle, err)
}

// StartExportIfIdle is StartExport without superseding: it reports false and
// does nothing when an export is already starting or polling.
func (s *Service) StartExportIfIdle(ctx context.Context) (TransferStatus, bool, error) {
	gen, attemptCtx, ok := s.begin(KindExport, "", false)
	if !ok {
		return s.Status(KindExport), false, nil
	}
	handle, err := s.runner.StartExport(ctx)
	status, err := s.afterStart(KindExport, gen, attemptCtx, handle, err)
	return status, true, err
}

// Status returns a snapshot of the current status for kind
func (s *Service) Status(kind Kind) TransferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[kind]
	if !ok {
		return idleStatus(kind)
	}
	return sl.status.clone()
}

// IsActive reports whether kind is starting or polling
func (s *Service) IsActive(kind Kind) bool {
	return s.Status(kind).Phase.Active()
}

// Cancel stops the active attempt for kind and resets its status to idle.
// Server-side results are left untouched. Returns false when nothing was
// in flight.
func (s *Service) Cancel(kind Kind) bool {
	s.publishMu.Lock()
	s.mu.Lock()
	sl, ok := s.slots[kind]
	if !ok || !sl.status.Phase.Active() {
		s.mu.Unlock()
		s.publishMu.Unlock()
		return false
	}
	prev := s.stopLocked(sl)
	snapshot := sl.status.clone()
	s.mu.Unlock()
	s.publish(snapshot)
	s.publishMu.Unlock()

	log.WithFields(log.Fields{"kind": kind, "task_id": prev.TaskID}).Info("Transfer cancelled")
	s.recordCancelled(prev)
	return true
}

// Shutdown cancels every active attempt and waits for pollers to exit
func (s *Service) Shutdown() {
	for _, kind := range []Kind{KindImport, KindExport} {
		s.Cancel(kind)
	}
	s.wg.Wait()
}

// begin moves kind to STARTING. An active attempt is superseded, or left
// alone with ok=false when supersede is not set.
func (s *Service) begin(kind Kind, search string, supersede bool) (gen uint64, attemptCtx context.Context, ok bool) {
	s.publishMu.Lock()
	s.mu.Lock()
	sl := s.slots[kind]

	var superseded *TransferStatus
	if sl.status.Phase.Active() {
		if !supersede {
			s.mu.Unlock()
			s.publishMu.Unlock()
			return 0, nil, false
		}
		prev := s.stopLocked(sl)
		superseded = &prev
	}

	sl.gen++
	gen = sl.gen
	sl.machine.reset()
	_ = sl.machine.fire(evStart)

	attemptCtx, cancel := context.WithCancel(s.ctx)
	sl.cancel = cancel
	sl.search = search

	now := time.Now()
	sl.status = idleStatus(kind)
	sl.status.Phase = sl.machine.phase()
	sl.status.AttemptID = uuid.New().String()
	sl.status.StartedAt = &now
	snapshot := sl.status.clone()
	s.mu.Unlock()
	s.publish(snapshot)
	s.publishMu.Unlock()

	if superseded != nil {
		log.WithFields(log.Fields{"kind": kind, "task_id": superseded.TaskID}).
			Info("Superseding in-flight transfer with a new start")
		s.recordCancelled(*superseded)
	}

	log.WithFields(log.Fields{"kind": kind, "attempt_id": snapshot.AttemptID}).Info("Starting transfer")
	return gen, attemptCtx, true
}

// stopLocked cancels the attempt held by sl and resets it. Caller holds s.mu.
func (s *Service) stopLocked(sl *slot) TransferStatus {
	prev := sl.status.clone()
	if sl.cancel != nil {
		sl.cancel()
		sl.cancel = nil
	}
	sl.gen++
	sl.machine.reset()
	sl.status = idleStatus(prev.Kind)
	return prev
}

func (s *Service) afterStart(kind Kind, gen uint64, attemptCtx context.Context, handle TaskHandle, err error) (TransferStatus, error) {
	fields := log.Fields{"kind": kind}

	if err != nil {
		startErr := fmt.Errorf("%w: %w", ErrStartFailed, err)
		snapshot, applied := s.commit(kind, gen, func(sl *slot) error {
			if err := sl.machine.fire(evStartFailed); err != nil {
				return err
			}
			s.finishLocked(sl, outcome{ev: evStartFailed, signal: failureSignal(kind), err: startErr})
			return nil
		})
		log.WithFields(fields).Errorf("Failed to start transfer: %v", err)
		if !applied {
			return s.Status(kind), startErr
		}
		s.recordHistory(snapshot)
		return snapshot, startErr
	}

	fields["task_id"] = handle
	snapshot, applied := s.commit(kind, gen, func(sl *slot) error {
		if err := sl.machine.fire(evHandle); err != nil {
			return err
		}
		sl.status.Phase = sl.machine.phase()
		sl.status.TaskID = handle
		return nil
	})
	if !applied {
		// Cancelled while the start request was in flight. The server-side
		// job exists but this client will not follow it.
		log.WithFields(fields).Warn("Transfer cancelled before polling began; job left unpolled")
		return s.Status(kind), fmt.Errorf("%s attempt cancelled before polling began: %w", kind, context.Canceled)
	}

	log.WithFields(fields).Info("Transfer job accepted, polling for completion")
	s.wg.Add(1)
	go s.track(kind, gen, attemptCtx, handle)
	return snapshot, nil
}

// track polls handle until terminal and reconciles the outcome
func (s *Service) track(kind Kind, gen uint64, ctx context.Context, handle TaskHandle) {
	defer s.wg.Done()

	fields := log.Fields{"kind": kind, "task_id": handle}
	polls := 0

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(fields).Errorf("Transfer panic recovered: %v", r)
			s.conclude(kind, gen, nil, outcome{ev: evFailed, signal: failureSignal(kind), err: fmt.Errorf("panic during polling: %v", r)}, polls)
		}
	}()

	fetch := func(ctx context.Context) (*JobStatus, error) {
		polls++
		if kind == KindImport {
			return s.runner.ImportStatus(ctx, handle)
		}
		return s.runner.ExportStatus(ctx, handle)
	}

	p := &poller{
		policy: s.policy,
		fetch:  fetch,
		onPoll: func(st *JobStatus) {
			s.commit(kind, gen, func(sl *slot) error {
				if err := sl.machine.fire(evProgress); err != nil {
					return err
				}
				sl.status.JobState = st.State
				sl.status.Polls = polls
				sl.status.Error = ""
				return nil
			})
		},
		onRetry: func(failures int, err error) {
			log.WithFields(fields).Warnf("Poll attempt failed (%d/%d), retrying: %v", failures, s.policy.MaxFailures, err)
			s.commit(kind, gen, func(sl *slot) error {
				sl.status.Polls = polls
				sl.status.Error = fmt.Sprintf("poll failed (%d/%d): %v", failures, s.policy.MaxFailures, err)
				return nil
			})
		},
	}

	status, err := p.run(ctx)
	if ctx.Err() != nil {
		log.WithFields(fields).Debug("Polling stopped by cancellation")
		return
	}

	out := reconcile(kind, status, err)
	if out.err != nil {
		log.WithFields(fields).Errorf("Transfer finished with failure after %d polls: %v", polls, out.err)
	} else {
		log.WithFields(fields).Infof("Transfer finished after %d polls: %s", polls, out.signal)
	}
	s.conclude(kind, gen, status, out, polls)
}

// conclude applies a terminal outcome and runs its side effects once
func (s *Service) conclude(kind Kind, gen uint64, status *JobStatus, out outcome, polls int) {
	var search string
	snapshot, applied := s.commit(kind, gen, func(sl *slot) error {
		if err := sl.machine.fire(out.ev); err != nil {
			return err
		}
		if status != nil {
			sl.status.JobState = status.State
		}
		sl.status.Polls = polls
		search = sl.search
		s.finishLocked(sl, out)
		return nil
	})
	if !applied {
		return
	}

	if out.refresh && s.records != nil {
		if err := s.records.Refresh(s.ctx, search); err != nil {
			log.WithField("kind", kind).Warnf("Failed to refresh record list after import: %v", err)
		}
	}
	if out.retrieve && s.retriever != nil {
		if err := s.retriever.Retrieve(s.ctx, out.artifactURL); err != nil {
			log.WithField("kind", kind).Warnf("Failed to retrieve export artifact %s: %v", out.artifactURL, err)
		}
	}
	s.recordHistory(snapshot)
}

// finishLocked writes a terminal outcome into sl. Caller holds s.mu and has
// already advanced the machine.
func (s *Service) finishLocked(sl *slot, out outcome) {
	now := time.Now()
	sl.status.Phase = sl.machine.phase()
	sl.status.Signal = out.signal
	sl.status.Errors = append([]string{}, out.rowErrors...)
	sl.status.ImportedCount = out.importedCount
	sl.status.ArtifactURL = out.artifactURL
	sl.status.Error = ""
	if out.err != nil {
		sl.status.Error = out.err.Error()
	}
	sl.status.CompletedAt = &now
	if sl.cancel != nil {
		sl.cancel()
		sl.cancel = nil
	}
}

// commit applies mutate if gen is still current and publishes the result
func (s *Service) commit(kind Kind, gen uint64, mutate func(sl *slot) error) (TransferStatus, bool) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	sl := s.slots[kind]
	if sl.gen != gen {
		s.mu.Unlock()
		log.WithField("kind", kind).Debug("Discarding update for a superseded attempt")
		return TransferStatus{}, false
	}
	if err := mutate(sl); err != nil {
		snapshot := sl.status.clone()
		s.mu.Unlock()
		log.WithField("kind", kind).Warnf("Rejected status update: %v", err)
		return snapshot, false
	}
	snapshot := sl.status.clone()
	s.mu.Unlock()

	s.publish(snapshot)
	return snapshot, true
}

func (s *Service) publish(status TransferStatus) {
	if s.notifier != nil {
		s.notifier.Publish(status)
	}
}

func (s *Service) recordCancelled(prev TransferStatus) {
	now := time.Now()
	prev.Phase = PhaseIdle
	prev.Signal = SignalCancelled
	prev.CompletedAt = &now
	s.recordHistory(prev)
}

func (s *Service) recordHistory(status TransferStatus) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordTransfer(s.ctx, status); err != nil {
		log.WithField("kind", status.Kind).Warnf("Failed to record transfer history: %v", err)
	}
}

func failureSignal(kind Kind) Signal {
	if kind == KindExport {
		return SignalExportFailed
	}
	return SignalImportFailed
}
