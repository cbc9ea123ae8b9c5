package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/chronos/errors"
	chronostest "github.com/teranos/chronos/internal/testing"
	"github.com/teranos/chronos/internal/util"
	"github.com/teranos/chronos/pulse/clock"
	"github.com/teranos/chronos/pulse/jobs"
)

// ============================================================================
// Cronos & the Hours
// ============================================================================
//
// Cronos hands out the hours; the Horae (workers) carry them out. A failed
// hour is handed back to Eunomia, who keeps the retry list in order.
// ============================================================================

var dawn = time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)

func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type harness struct {
	t     *testing.T
	store *jobs.SQLStore
	clock *clock.Manual
	exec  *Executor
}

func newHarness(t *testing.T, runner JobExecutor, cfg Config) *harness {
	t.Helper()
	store := jobs.NewStore(chronostest.CreateTestDB(t))
	clk := clock.NewManual(dawn)
	return &harness{
		t:     t,
		store: store,
		clock: clk,
		exec:  NewExecutor(store, runner, clk, cfg, createTestLogger()),
	}
}

func (h *harness) job(name string, parent *jobs.Spec) *jobs.Spec {
	h.t.Helper()
	spec := &jobs.Spec{Name: name, Type: jobs.TypeScript, Code: "true", Enabled: true}
	if parent != nil {
		spec.ParentID = &parent.ID
	}
	require.NoError(h.t, h.store.CreateSpec(context.Background(), spec))
	return spec
}

func (h *harness) enqueue(spec *jobs.Spec, at time.Time) {
	h.t.Helper()
	require.NoError(h.t, h.store.Enqueue(context.Background(), &jobs.PlannedJob{JobID: spec.ID, ScheduledTime: at}))
}

// tick runs one executor tick and waits until the workers it started have
// reported, persisted and enqueued children.
func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.exec.Tick(context.Background()))
	h.exec.workWG.Wait()
}

func (h *harness) queueLen() int {
	h.t.Helper()
	n, err := h.exec.QueueSize(context.Background())
	require.NoError(h.t, err)
	return n
}

func succeed(context.Context, *jobs.Spec, time.Time) error { return nil }

func TestExecutor_SingleSuccess(t *testing.T) {
	h := newHarness(t, JobExecutorFunc(succeed), DefaultConfig())
	spec := h.job("first hour", nil)
	h.enqueue(spec, dawn)

	h.tick()

	runs := h.exec.Runs(ViewAll, nil, 0)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, int64(1), run.ID)
	assert.Equal(t, spec.ID, run.JobID)
	assert.Equal(t, "first hour", run.JobName)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, jobs.StatusSucceeded, run.Status)
	assert.Equal(t, dawn, run.ScheduledTime)
	require.NotNil(t, run.StartTime)
	require.NotNil(t, run.FinishTime)
	assert.Nil(t, run.ErrorMessage)

	assert.Equal(t, 0, h.queueLen())
	assert.False(t, h.exec.InFlight(spec.ID))

	persisted, err := h.store.Runs(context.Background(), &spec.ID, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, jobs.StatusSucceeded, persisted[0].Status)
}

func TestExecutor_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		if calls.Add(1) == 1 {
			return errors.New("connection refused")
		}
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())
	spec := h.job("second hour", nil)
	h.enqueue(spec, dawn)

	h.tick()
	assert.True(t, h.exec.InFlight(spec.ID), "awaiting retry counts as in flight")
	assert.Equal(t, 1, h.exec.RetriesPending())

	h.tick()
	assert.False(t, h.exec.InFlight(spec.ID))

	runs := h.exec.Runs(ViewAll, &spec.ID, 0)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Attempt)
	assert.Equal(t, jobs.StatusSucceeded, runs[0].Status)
	assert.Equal(t, dawn, runs[0].ScheduledTime)
	assert.Equal(t, 1, runs[1].Attempt)
	assert.Equal(t, jobs.StatusFailed, runs[1].Status)
	assert.Equal(t, "connection refused", *runs[1].ErrorMessage)
	assert.Greater(t, runs[0].ID, runs[1].ID)
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []jobs.Run
}

func (n *recordingNotifier) SendFailure(_ context.Context, _ *jobs.Spec, run jobs.Run) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	return nil
}

func TestExecutor_RetriesExhausted(t *testing.T) {
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		return errors.New("exit status 3: table locked")
	})
	h := newHarness(t, runner, DefaultConfig())
	notifier := &recordingNotifier{}
	h.exec.SetNotifier(notifier)

	spec := &jobs.Spec{Name: "third hour", Type: jobs.TypeScript, Code: "false", Enabled: true, MaxRetries: util.Ptr(1)}
	require.NoError(t, h.store.CreateSpec(context.Background(), spec))
	h.enqueue(spec, dawn)

	for i := 0; i < 4; i++ {
		h.tick()
	}

	failed := h.exec.Runs(ViewFailed, nil, 0)
	require.Len(t, failed, 2, "one attempt plus one retry")
	for _, r := range failed {
		assert.Equal(t, "exit status 3: table locked", *r.ErrorMessage)
	}
	assert.Empty(t, h.exec.Runs(ViewSucceeded, nil, 0))
	assert.False(t, h.exec.InFlight(spec.ID))

	require.Len(t, notifier.runs, 1)
	assert.Equal(t, 2, notifier.runs[0].Attempt)
}

func TestExecutor_ZeroRetries(t *testing.T) {
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		return errors.New("nope")
	})
	h := newHarness(t, runner, Config{MaxRetries: 0})
	spec := h.job("no second chances", nil)
	h.enqueue(spec, dawn)

	h.tick()
	h.tick()

	assert.Len(t, h.exec.Runs(ViewAll, nil, 0), 1)
	assert.Equal(t, 0, h.exec.RetriesPending())
}

func TestExecutor_OneRetryMeansTwoAttempts(t *testing.T) {
	var calls atomic.Int32
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		calls.Add(1)
		return errors.New("broken pipe")
	})
	h := newHarness(t, runner, Config{MaxRetries: 1})
	notifier := &recordingNotifier{}
	h.exec.SetNotifier(notifier)
	spec := h.job("two tries", nil)
	h.enqueue(spec, dawn)

	h.tick()
	assert.Equal(t, 1, h.exec.RetriesPending(), "attempt 1 of 2 failed")
	h.tick()
	h.tick()

	assert.Equal(t, int32(2), calls.Load())
	failed := h.exec.Runs(ViewFailed, &spec.ID, 0)
	require.Len(t, failed, 2)
	assert.Equal(t, 2, failed[0].Attempt)
	assert.Equal(t, 1, failed[1].Attempt)
	assert.Equal(t, 0, h.exec.RetriesPending())
	assert.False(t, h.exec.InFlight(spec.ID))
	require.Len(t, notifier.runs, 1)
}

func TestExecutor_ChildrenGetParentScheduledTime(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]time.Time{}
	runner := JobExecutorFunc(func(_ context.Context, spec *jobs.Spec, scheduled time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		seen[spec.Name] = scheduled
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())

	parent := h.job("dawn", nil)
	child := h.job("morning", parent)
	disabled := h.job("siesta", parent)
	disabled.Enabled = false
	require.NoError(t, h.store.UpdateSpec(context.Background(), disabled))

	scheduled := dawn.Add(-2 * time.Hour)
	h.clock.Advance(90 * time.Minute)
	h.enqueue(parent, scheduled)

	h.tick()
	queue, err := h.store.Queue(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, child.ID, queue[0].JobID)
	assert.Equal(t, scheduled, queue[0].ScheduledTime)

	h.tick()
	assert.Equal(t, scheduled, seen["morning"])
	_, ran := seen["siesta"]
	assert.False(t, ran)
}

func TestExecutor_ParentFailureSkipsChildren(t *testing.T) {
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		return errors.New("parent broke")
	})
	h := newHarness(t, runner, Config{MaxRetries: 0})
	parent := h.job("broken dawn", nil)
	h.job("no morning", parent)
	h.enqueue(parent, dawn)

	h.tick()
	assert.Equal(t, 0, h.queueLen())
}

func TestExecutor_DrainsHundredJobs(t *testing.T) {
	var active, peak atomic.Int32
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())

	for i := 0; i < 100; i++ {
		h.enqueue(h.job(fmt.Sprintf("hour %03d", i), nil), dawn)
	}

	for i := 0; i < 100 && h.queueLen() > 0; i++ {
		h.tick()
	}

	assert.Equal(t, 0, h.queueLen())
	assert.Len(t, h.exec.Runs(ViewSucceeded, nil, 0), 100)
	assert.LessOrEqual(t, peak.Load(), int32(5))

	m := h.exec.Metrics()
	assert.Equal(t, int64(100), m.RunsDispatched)
	assert.Equal(t, int64(100), m.RunsSucceeded)
	assert.Equal(t, 5, m.WorkersTotal)
	assert.Equal(t, 0, m.JobsRunning)
}

func TestExecutor_PanicBecomesFailure(t *testing.T) {
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		panic("kaboom")
	})
	h := newHarness(t, runner, Config{MaxRetries: 0})
	spec := h.job("panicky", nil)
	h.enqueue(spec, dawn)

	h.tick()

	runs := h.exec.Runs(ViewFailed, nil, 0)
	require.Len(t, runs, 1)
	assert.Equal(t, "unexpected failure: kaboom", *runs[0].ErrorMessage)
}

func TestExecutor_AttemptsAreSequentialPerJob(t *testing.T) {
	release := make(chan struct{})
	runner := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		<-release
		return nil
	})
	h := newHarness(t, runner, DefaultConfig())
	spec := h.job("long hour", nil)
	h.enqueue(spec, dawn)

	require.NoError(t, h.exec.Tick(context.Background()))
	require.True(t, h.exec.InFlight(spec.ID))

	// a second instance may wait in the queue while the first runs
	h.enqueue(spec, dawn.Add(time.Hour))
	require.NoError(t, h.exec.Tick(context.Background()))
	assert.Equal(t, 1, h.queueLen())
	assert.Len(t, h.exec.Runs(ViewAll, nil, 0), 1)

	close(release)
	require.Eventually(t, func() bool { return !h.exec.InFlight(spec.ID) }, 5*time.Second, time.Millisecond)

	h.tick()
	runs := h.exec.Runs(ViewAll, nil, 0)
	require.Len(t, runs, 2)
	assert.Equal(t, dawn.Add(time.Hour), runs[0].ScheduledTime)
}

func TestExecutor_DropsDeletedSpec(t *testing.T) {
	h := newHarness(t, JobExecutorFunc(succeed), DefaultConfig())

	// the queue row cascades with the spec, so only a stale read sees it
	stale := &staleQueue{Store: h.store, planned: &jobs.PlannedJob{Seq: 99, JobID: 404, ScheduledTime: dawn}}
	exec := NewExecutor(stale, JobExecutorFunc(succeed), h.clock, DefaultConfig(), createTestLogger())
	require.NoError(t, exec.Tick(context.Background()))
	assert.Empty(t, exec.Runs(ViewAll, nil, 0))
	assert.Equal(t, int64(404), stale.dequeued)
}

type staleQueue struct {
	jobs.Store
	planned  *jobs.PlannedJob
	dequeued int64
}

func (s *staleQueue) Queue(context.Context, *int64) ([]*jobs.PlannedJob, error) {
	return []*jobs.PlannedJob{s.planned}, nil
}

func (s *staleQueue) Dequeue(_ context.Context, jobID int64) error {
	s.dequeued = jobID
	return nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) BroadcastRunStarted(run jobs.Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, fmt.Sprintf("started %d %s", run.ID, run.Status))
}

func (b *recordingBroadcaster) BroadcastRunFinished(run jobs.Run) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, fmt.Sprintf("finished %d %s", run.ID, run.Status))
}

func TestExecutor_BroadcastsLifecycle(t *testing.T) {
	h := newHarness(t, JobExecutorFunc(succeed), DefaultConfig())
	b := &recordingBroadcaster{}
	h.exec.SetBroadcaster(b)
	h.enqueue(h.job("announced", nil), dawn)

	h.tick()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"started 1 running", "finished 1 succeeded"}, b.events)
}

func TestExecutor_RecoverFailsStaleRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, JobExecutorFunc(succeed), DefaultConfig())
	spec := h.job("interrupted", nil)

	started := dawn.Add(-time.Hour)
	require.NoError(t, h.store.RecordRun(ctx, &jobs.Run{
		ID: 7, JobID: spec.ID, JobName: spec.Name, ScheduledTime: started,
		Attempt: 1, Status: jobs.StatusRunning, StartTime: &started,
	}))

	require.NoError(t, h.exec.Recover(ctx))

	failed := h.exec.Runs(ViewFailed, nil, 0)
	require.Len(t, failed, 1)
	assert.Equal(t, AbandonedMessage, *failed[0].ErrorMessage)
	assert.False(t, h.exec.InFlight(spec.ID), "stale runs are not re-dispatched")

	h.enqueue(spec, dawn)
	h.tick()
	runs := h.exec.Runs(ViewAll, nil, 0)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(8), runs[0].ID)
}

func TestExecutor_RecoverRestoresPendingRetry(t *testing.T) {
	ctx := context.Background()
	fail := JobExecutorFunc(func(context.Context, *jobs.Spec, time.Time) error {
		return errors.New("lock timeout")
	})
	h := newHarness(t, fail, DefaultConfig())
	spec := h.job("interrupted retry", nil)
	h.enqueue(spec, dawn)

	h.tick()
	require.Equal(t, 1, h.exec.RetriesPending())
	h.exec.Stop()

	var attempts []int
	var scheduled []time.Time
	var mu sync.Mutex
	runner := JobExecutorFunc(func(_ context.Context, _ *jobs.Spec, at time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		scheduled = append(scheduled, at)
		return nil
	})
	restarted := NewExecutor(h.store, runner, h.clock, DefaultConfig(), createTestLogger())
	require.NoError(t, restarted.Recover(ctx))
	assert.Equal(t, 1, restarted.RetriesPending())
	assert.True(t, restarted.InFlight(spec.ID))

	require.NoError(t, restarted.Tick(ctx))
	restarted.workWG.Wait()

	for _, r := range restarted.Runs(ViewAll, &spec.ID, 0) {
		attempts = append(attempts, r.Attempt)
	}
	assert.Equal(t, []int{2, 1}, attempts)
	assert.Equal(t, []time.Time{dawn}, scheduled)
	assert.False(t, restarted.InFlight(spec.ID))

	persisted, err := h.store.Runs(ctx, &spec.ID, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, jobs.StatusSucceeded, persisted[0].Status)
	assert.Equal(t, 2, persisted[0].Attempt)
}

func TestExecutor_RecoverSkipsFinishedRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, JobExecutorFunc(succeed), DefaultConfig())

	exhausted := &jobs.Spec{Name: "exhausted", Type: jobs.TypeScript, Code: "false", Enabled: true, MaxRetries: util.Ptr(1)}
	require.NoError(t, h.store.CreateSpec(ctx, exhausted))
	disabled := &jobs.Spec{Name: "disabled", Type: jobs.TypeScript, Code: "false"}
	require.NoError(t, h.store.CreateSpec(ctx, disabled))
	recovered := h.job("recovered", nil)

	finished := dawn.Add(time.Minute)
	record := func(id int64, spec *jobs.Spec, attempt int, status jobs.Status) {
		run := &jobs.Run{
			ID: id, JobID: spec.ID, JobName: spec.Name, ScheduledTime: dawn,
			Attempt: attempt, Status: status, StartTime: &dawn, FinishTime: &finished,
		}
		if status == jobs.StatusFailed {
			run.ErrorMessage = util.Ptr("exit status 1")
		}
		require.NoError(t, h.store.RecordRun(ctx, run))
	}
	record(1, exhausted, 2, jobs.StatusFailed)
	record(2, disabled, 1, jobs.StatusFailed)
	record(3, recovered, 1, jobs.StatusFailed)
	record(4, recovered, 2, jobs.StatusSucceeded)

	require.NoError(t, h.exec.Recover(ctx))
	assert.Equal(t, 0, h.exec.RetriesPending())
	assert.False(t, h.exec.InFlight(exhausted.ID))
	assert.False(t, h.exec.InFlight(disabled.ID))
	assert.False(t, h.exec.InFlight(recovered.ID))
}

func TestExecutor_StopCancelsAfterTimeout(t *testing.T) {
	runner := JobExecutorFunc(func(ctx context.Context, _ *jobs.Spec, _ time.Time) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(t, runner, Config{
		MaxRetries:   0,
		PollInterval: 5 * time.Millisecond,
		StopTimeout:  50 * time.Millisecond,
	})
	spec := h.job("endless", nil)
	h.enqueue(spec, dawn)

	h.exec.Start()
	require.Eventually(t, func() bool { return h.exec.InFlight(spec.ID) }, 5*time.Second, time.Millisecond)

	start := time.Now()
	h.exec.Stop()
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.Eventually(t, func() bool { return !h.exec.InFlight(spec.ID) }, 5*time.Second, time.Millisecond)
	runs := h.exec.Runs(ViewFailed, nil, 0)
	require.Len(t, runs, 1)
	assert.Equal(t, context.Canceled.Error(), *runs[0].ErrorMessage)

	// the abandoned result is not written; the next start fails the run
	persisted, err := h.store.Runs(context.Background(), &spec.ID, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, jobs.StatusRunning, persisted[0].Status)

	restarted := NewExecutor(h.store, JobExecutorFunc(succeed), h.clock, DefaultConfig(), createTestLogger())
	require.NoError(t, restarted.Recover(context.Background()))
	failed := restarted.Runs(ViewFailed, &spec.ID, 0)
	require.Len(t, failed, 1)
	assert.Equal(t, AbandonedMessage, *failed[0].ErrorMessage)
	assert.Equal(t, 0, restarted.RetriesPending())
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 4, calculateSafeWorkerCount(2.0))
	assert.Equal(t, 64, calculateSafeWorkerCount(512))
}
