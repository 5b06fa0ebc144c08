package transfer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	svc       *Service
	runner    *fakeRunner
	records   *fakeRecords
	retriever *fakeRetriever
	notifier  *recordingNotifier
	history   *fakeHistory
}

func newHarness(t *testing.T, policy PollPolicy) *harness {
	t.Helper()
	h := &harness{
		runner:    newFakeRunner(),
		records:   &fakeRecords{},
		retriever: &fakeRetriever{},
		notifier:  &recordingNotifier{},
		history:   &fakeHistory{},
	}
	h.svc = NewService(context.Background(), h.runner, Options{
		Records:   h.records,
		Retriever: h.retriever,
		Notifier:  h.notifier,
		History:   h.history,
		Policy:    policy,
	})
	t.Cleanup(h.svc.Shutdown)
	return h
}

func (h *harness) waitPhase(t *testing.T, kind Kind, phase Phase) TransferStatus {
	t.Helper()
	require.Eventually(t, func() bool { return h.svc.Status(kind).Phase == phase }, waitFor, time.Millisecond,
		"%s never reached %s", kind, phase)
	return h.svc.Status(kind)
}

func csv() ImportRequest {
	return ImportRequest{FileName: "people.csv", Content: []byte("name,cpf\nAna,123\n"), SearchTerm: "ana"}
}

var phaseRank = map[Phase]int{PhaseStarting: 1, PhasePolling: 2, PhaseDone: 3, PhaseErrored: 3}

func assertMonotonic(t *testing.T, phases []Phase) {
	t.Helper()
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseStarting, phases[0])
	for i := 1; i < len(phases); i++ {
		assert.GreaterOrEqual(t, phaseRank[phases[i]], phaseRank[phases[i-1]], "phase went backwards: %v", phases)
	}
}

func TestServiceImport(t *testing.T) {
	t.Run("Should import cleanly, refresh once and record history", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		sc := newScript(pending(), running(), imported(5))
		h.runner.queue("imp-1", sc)

		started, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)
		assert.Equal(t, PhasePolling, started.Phase)
		assert.Equal(t, TaskHandle("imp-1"), started.TaskID)
		assert.NotEmpty(t, started.AttemptID)

		final := h.waitPhase(t, KindImport, PhaseDone)
		assert.Equal(t, SignalImported, final.Signal)
		assert.Equal(t, 5, final.ImportedCount)
		assert.Empty(t, final.Errors)
		assert.Equal(t, JobSuccess, final.JobState)
		assert.Equal(t, 3, final.Polls)
		assert.NotNil(t, final.CompletedAt)

		require.Eventually(t, func() bool { return len(h.history.all()) == 1 }, waitFor, time.Millisecond)
		assert.Equal(t, 1, h.records.count())
		assert.Equal(t, []string{"ana"}, h.records.searched())
		assert.Equal(t, [][]byte{[]byte("name,cpf\nAna,123\n")}, h.runner.uploaded)
		assertMonotonic(t, h.notifier.phases(KindImport))
		assert.Equal(t, PhaseDone, h.history.all()[0].Phase)
	})

	t.Run("Should keep partial imports done with row errors verbatim and still refresh", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		rowErrors := []string{"line 2: invalid CPF", "line 7: missing name"}
		h.runner.queue("imp-1", newScript(running(), imported(3, rowErrors...)))

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)

		final := h.waitPhase(t, KindImport, PhaseDone)
		assert.Equal(t, SignalPartiallyImported, final.Signal)
		assert.Equal(t, rowErrors, final.Errors)
		require.Eventually(t, func() bool { return h.records.count() == 1 }, waitFor, time.Millisecond)
	})

	t.Run("Should error on FAILURE without row detail or refresh", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("imp-1", newScript(running(), failed()))

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)

		final := h.waitPhase(t, KindImport, PhaseErrored)
		assert.Equal(t, SignalImportFailed, final.Signal)
		assert.Empty(t, final.Errors)
		assert.Contains(t, final.Error, ErrJobFailed.Error())
		require.Eventually(t, func() bool { return len(h.history.all()) == 1 }, waitFor, time.Millisecond)
		assert.Equal(t, 0, h.records.count())
	})

	t.Run("Should reject an empty file before any request", func(t *testing.T) {
		h := newHarness(t, fastPolicy())

		status, err := h.svc.StartImport(context.Background(), ImportRequest{FileName: "empty.csv"})

		assert.ErrorIs(t, err, ErrEmptyFile)
		assert.Equal(t, PhaseIdle, status.Phase)
		assert.Equal(t, 0, h.runner.startCount())
		assert.Empty(t, h.notifier.phases(KindImport))
	})

	t.Run("Should error a failed start without polling or retrying", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.startErr = errors.New("HTTP 500: boom")

		status, err := h.svc.StartImport(context.Background(), csv())

		assert.ErrorIs(t, err, ErrStartFailed)
		assert.Equal(t, PhaseErrored, status.Phase)
		assert.Equal(t, SignalImportFailed, status.Signal)
		assert.Contains(t, status.Error, "HTTP 500")
		assert.Equal(t, 1, h.runner.startCount())
		assert.Equal(t, []Phase{PhaseStarting, PhaseErrored}, h.notifier.phases(KindImport))
	})

	t.Run("Should tolerate three consecutive poll failures", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("imp-1", newScript(hiccup(), hiccup(), hiccup(), imported(1)))

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)

		final := h.waitPhase(t, KindImport, PhaseDone)
		assert.Equal(t, SignalImported, final.Signal)
		assert.Empty(t, final.Error)
	})

	t.Run("Should error after the fourth consecutive poll failure", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		sc := newScript(hiccup(), hiccup(), hiccup(), hiccup(), imported(1))
		h.runner.queue("imp-1", sc)

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)

		final := h.waitPhase(t, KindImport, PhaseErrored)
		assert.Equal(t, SignalImportFailed, final.Signal)
		assert.Contains(t, final.Error, ErrPollingFailed.Error())
		assert.Equal(t, 4, sc.callCount())
		assert.Equal(t, 0, h.records.count())
	})

	t.Run("Should error when the job outlives the polling timeout", func(t *testing.T) {
		h := newHarness(t, PollPolicy{Interval: 5 * time.Millisecond, MaxFailures: 3, Timeout: 40 * time.Millisecond})
		h.runner.queue("imp-1", newScript())

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)

		final := h.waitPhase(t, KindImport, PhaseErrored)
		assert.Contains(t, final.Error, ErrPollingTimedOut.Error())
	})
}

func TestServiceExport(t *testing.T) {
	t.Run("Should finish an export and retrieve the artifact once", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("exp-1", newScript(running(), exported("http://x/f.csv")))

		_, err := h.svc.StartExport(context.Background())
		require.NoError(t, err)

		final := h.waitPhase(t, KindExport, PhaseDone)
		assert.Equal(t, SignalExported, final.Signal)
		assert.Equal(t, "http://x/f.csv", final.ArtifactURL)
		require.Eventually(t, func() bool { return len(h.retriever.retrieved()) == 1 }, waitFor, time.Millisecond)
		assert.Equal(t, []string{"http://x/f.csv"}, h.retriever.retrieved())
		assert.Equal(t, 0, h.records.count(), "export never refreshes records")
	})

	t.Run("Should error an export that finished without a file", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("exp-1", newScript(imported(0)))

		_, err := h.svc.StartExport(context.Background())
		require.NoError(t, err)

		final := h.waitPhase(t, KindExport, PhaseErrored)
		assert.Equal(t, SignalExportFailed, final.Signal)
		assert.Contains(t, final.Error, ErrMissingArtifact.Error())
		assert.Empty(t, h.retriever.retrieved())
	})
}

func TestServiceConcurrency(t *testing.T) {
	t.Run("Should run import and export independently", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("imp-1", newScript(running(), running(), imported(2)))
		h.runner.queue("exp-1", newScript(running(), exported("http://x/f.csv")))

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)
		_, err = h.svc.StartExport(context.Background())
		require.NoError(t, err)

		h.waitPhase(t, KindImport, PhaseDone)
		h.waitPhase(t, KindExport, PhaseDone)
		assertMonotonic(t, h.notifier.phases(KindImport))
		assertMonotonic(t, h.notifier.phases(KindExport))
	})

	t.Run("Should supersede an in-flight import and discard its late result", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		first := newScript(imported(99))
		first.gate = make(chan struct{})
		second := newScript(running(), imported(2))
		h.runner.queue("imp-1", first).queue("imp-2", second)

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return first.callCount() == 1 }, waitFor, time.Millisecond)

		_, err = h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)

		final := h.waitPhase(t, KindImport, PhaseDone)
		assert.Equal(t, TaskHandle("imp-2"), final.TaskID)
		assert.Equal(t, 2, final.ImportedCount)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, first.callCount(), "superseded attempt stopped polling")
		assert.Equal(t, 1, h.records.count())

		records := h.history.all()
		require.Len(t, records, 2)
		assert.Equal(t, SignalCancelled, records[0].Signal)
		assert.Equal(t, TaskHandle("imp-1"), records[0].TaskID)
		assert.Equal(t, SignalImported, records[1].Signal)
	})
}

func TestServiceCancel(t *testing.T) {
	t.Run("Should reset to idle and discard the in-flight poll", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		sc := newScript(imported(1))
		sc.gate = make(chan struct{})
		h.runner.queue("imp-1", sc)

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return sc.callCount() == 1 }, waitFor, time.Millisecond)

		assert.True(t, h.svc.Cancel(KindImport))

		status := h.svc.Status(KindImport)
		assert.Equal(t, PhaseIdle, status.Phase)
		assert.Empty(t, status.TaskID)
		assert.False(t, h.svc.IsActive(KindImport))

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, PhaseIdle, h.svc.Status(KindImport).Phase)
		assert.Equal(t, 0, h.records.count())
		phases := h.notifier.phases(KindImport)
		assert.Equal(t, PhaseIdle, phases[len(phases)-1])

		records := h.history.all()
		require.Len(t, records, 1)
		assert.Equal(t, SignalCancelled, records[0].Signal)
	})

	t.Run("Should report false when nothing is running", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("exp-1", newScript(exported("http://x/f.csv")))

		assert.False(t, h.svc.Cancel(KindExport))

		_, err := h.svc.StartExport(context.Background())
		require.NoError(t, err)
		h.waitPhase(t, KindExport, PhaseDone)

		assert.False(t, h.svc.Cancel(KindExport), "terminal states are sinks")
		assert.Equal(t, PhaseDone, h.svc.Status(KindExport).Phase)
	})

	t.Run("Should drop the handle when cancelled during the start request", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		sc := newScript(imported(1))
		h.runner.queue("imp-1", sc)
		h.runner.startGate = make(chan struct{})

		done := make(chan error, 1)
		go func() {
			_, err := h.svc.StartImport(context.Background(), csv())
			done <- err
		}()

		h.waitPhase(t, KindImport, PhaseStarting)
		assert.True(t, h.svc.Cancel(KindImport))
		close(h.runner.startGate)

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(waitFor):
			t.Fatal("start did not return")
		}

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, sc.callCount(), "discarded handle is never polled")
		assert.Equal(t, PhaseIdle, h.svc.Status(KindImport).Phase)
	})

	t.Run("Should start fresh after cancel", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		stuck := newScript()
		stuck.gate = make(chan struct{})
		h.runner.queue("exp-1", stuck).queue("exp-2", newScript(exported("http://x/2.csv")))

		_, err := h.svc.StartExport(context.Background())
		require.NoError(t, err)
		require.True(t, h.svc.Cancel(KindExport))

		_, err = h.svc.StartExport(context.Background())
		require.NoError(t, err)

		final := h.waitPhase(t, KindExport, PhaseDone)
		assert.Equal(t, "http://x/2.csv", final.ArtifactURL)
	})
}

func TestServiceStartExportIfIdle(t *testing.T) {
	t.Run("Should leave an active export alone", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		stuck := newScript()
		stuck.gate = make(chan struct{})
		h.runner.queue("exp-1", stuck).queue("exp-2", newScript(exported("http://x/2.csv")))

		_, err := h.svc.StartExport(context.Background())
		require.NoError(t, err)

		status, started, err := h.svc.StartExportIfIdle(context.Background())
		require.NoError(t, err)
		assert.False(t, started)
		assert.Equal(t, TaskHandle("exp-1"), status.TaskID)
		assert.Equal(t, 1, h.runner.startCount())
	})

	t.Run("Should start when no export is active", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("exp-1", newScript(exported("http://x/1.csv")))

		_, started, err := h.svc.StartExportIfIdle(context.Background())
		require.NoError(t, err)
		assert.True(t, started)

		final := h.waitPhase(t, KindExport, PhaseDone)
		assert.Equal(t, "http://x/1.csv", final.ArtifactURL)
	})
}

func TestServiceShutdown(t *testing.T) {
	t.Run("Should stop every poller and wait for them", func(t *testing.T) {
		h := newHarness(t, fastPolicy())
		h.runner.queue("imp-1", newScript()).queue("exp-1", newScript())

		_, err := h.svc.StartImport(context.Background(), csv())
		require.NoError(t, err)
		_, err = h.svc.StartExport(context.Background())
		require.NoError(t, err)

		h.svc.Shutdown()

		assert.False(t, h.svc.IsActive(KindImport))
		assert.False(t, h.svc.IsActive(KindExport))
	})
}

func TestServiceNotifierOrdering(t *testing.T) {
	t.Run("Should never publish a stale phase after a newer one", func(t *testing.T) {
		var seen []string
		runner := newFakeRunner()
		for i := 0; i < 5; i++ {
			sc := newScript(running(), imported(i))
			if i < 4 {
				sc.gate = make(chan struct{})
			}
			runner.queue(TaskHandle("imp-"+string(rune('a'+i))), sc)
		}
		svc := NewService(context.Background(), runner, Options{
			Policy: fastPolicy(),
			Notifier: NotifierFunc(func(st TransferStatus) {
				seen = append(seen, string(st.TaskID)+":"+string(st.Phase))
			}),
		})
		defer svc.Shutdown()

		for i := 0; i < 5; i++ {
			_, err := svc.StartImport(context.Background(), csv())
			require.NoError(t, err)
		}
		require.Eventually(t, func() bool { return svc.Status(KindImport).Phase == PhaseDone }, waitFor, time.Millisecond)

		svc.publishMu.Lock()
		last := seen[len(seen)-1]
		svc.publishMu.Unlock()
		assert.True(t, strings.HasPrefix(last, "imp-e:"), last)
		assert.True(t, strings.HasSuffix(last, ":done"), last)
	})
}
