package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var errTransport = errors.New("connection reset by peer")

type step struct {
	state  JobState
	result *JobResult
	err    error
}

func running() step { return step{state: JobRunning} }
func pending() step { return step{state: JobPending} }
func hiccup() step  { return step{err: errTransport} }
func failed() step  { return step{state: JobFailure} }

func imported(count int, rowErrors ...string) step {
	return step{state: JobSuccess, result: &JobResult{ImportedCount: count, Errors: rowErrors}}
}

func exported(url string) step {
	return step{state: JobSuccess, result: &JobResult{ArtifactURL: url}}
}

// script replays a fixed sequence of poll responses and records how it was called
type script struct {
	mu    sync.Mutex
	steps []step
	calls int
	delay time.Duration
	gate  chan struct{} // when set, every fetch blocks until it receives

	inFlight    int32
	maxInFlight int32
}

func newScript(steps ...step) *script {
	return &script{steps: steps}
}

func (s *script) fetch(ctx context.Context) (*JobStatus, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		max := atomic.LoadInt32(&s.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxInFlight, max, n) {
			break
		}
	}

	s.mu.Lock()
	idx := s.calls
	s.calls++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	st := running()
	if idx < len(s.steps) {
		st = s.steps[idx]
	}
	if st.err != nil {
		return nil, st.err
	}
	return &JobStatus{State: st.state, Result: st.result}, nil
}

func (s *script) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeRunner hands out handles in order and polls each handle with its own script
type fakeRunner struct {
	mu        sync.Mutex
	handles   []TaskHandle
	startErr  error
	startGate chan struct{} // when set, start calls block until it is closed
	scripts   map[TaskHandle]*script
	starts    []string
	uploaded  [][]byte
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{scripts: make(map[TaskHandle]*script)}
}

func (r *fakeRunner) queue(handle TaskHandle, sc *script) *fakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, handle)
	r.scripts[handle] = sc
	return r
}

func (r *fakeRunner) next(kind string) (TaskHandle, error) {
	r.mu.Lock()
	gate := r.startGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, kind)
	if r.startErr != nil {
		return "", r.startErr
	}
	if len(r.handles) == 0 {
		return "", errors.New("no handle queued")
	}
	h := r.handles[0]
	r.handles = r.handles[1:]
	return h, nil
}

func (r *fakeRunner) StartImport(ctx context.Context, fileName string, content []byte) (TaskHandle, error) {
	r.mu.Lock()
	r.uploaded = append(r.uploaded, content)
	r.mu.Unlock()
	return r.next("import")
}

func (r *fakeRunner) StartExport(ctx context.Context) (TaskHandle, error) {
	return r.next("export")
}

func (r *fakeRunner) ImportStatus(ctx context.Context, handle TaskHandle) (*JobStatus, error) {
	return r.scriptFor(handle).fetch(ctx)
}

func (r *fakeRunner) ExportStatus(ctx context.Context, handle TaskHandle) (*JobStatus, error) {
	return r.scriptFor(handle).fetch(ctx)
}

func (r *fakeRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *fakeRunner) scriptFor(handle TaskHandle) *script {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scripts[handle]
	if !ok {
		panic(fmt.Sprintf("poll for unknown handle %s", handle))
	}
	return sc
}

type fakeRecords struct {
	mu    sync.Mutex
	terms []string
	err   error
}

func (f *fakeRecords) Refresh(ctx context.Context, searchTerm string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terms = append(f.terms, searchTerm)
	return f.err
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terms)
}

func (f *fakeRecords) searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.terms...)
}

type fakeRetriever struct {
	mu   sync.Mutex
	urls []string
}

func (f *fakeRetriever) Retrieve(ctx context.Context, artifactURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, artifactURL)
	return nil
}

func (f *fakeRetriever) retrieved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.urls...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []TransferStatus
}

func (n *recordingNotifier) Publish(status TransferStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) phases(kind Kind) []Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Phase
	for _, st := range n.statuses {
		if st.Kind == kind {
			out = append(out, st.Phase)
		}
	}
	return out
}

type fakeHistory struct {
	mu      sync.Mutex
	records []TransferStatus
}

func (h *fakeHistory) RecordTransfer(ctx context.Context, status TransferStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, status)
	return nil
}

func (h *fakeHistory) all() []TransferStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TransferStatus{}, h.records...)
}

func fastPolicy() PollPolicy {
	return PollPolicy{Interval: 5 * time.Millisecond, MaxFailures: 3, Timeout: 5 * time.Second}
}
