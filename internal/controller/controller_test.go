package controller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/bigredeye/relgate/internal/checks"
	"github.com/bigredeye/relgate/internal/models"
)

type fakeRunner struct {
	mu       sync.Mutex
	statuses map[string]models.OutcomeStatus
	delays   map[string]time.Duration
	started  map[string]time.Time
	finished map[string]time.Time
	envs     map[string]map[string]string
	order    []string

	running *atomic.Int32
	peak    *atomic.Int32
}

func newFakeRunner(statuses map[string]models.OutcomeStatus) *fakeRunner {
	return &fakeRunner{
		statuses: statuses,
		delays:   make(map[string]time.Duration),
		started:  make(map[string]time.Time),
		finished: make(map[string]time.Time),
		envs:     make(map[string]map[string]string),
		running:  atomic.NewInt32(0),
		peak:     atomic.NewInt32(0),
	}
}

func (r *fakeRunner) Run(ctx context.Context, stage models.Stage) models.Outcome {
	r.mu.Lock()
	r.started[stage.Name] = time.Now()
	r.envs[stage.Name] = stage.Action.Env
	r.order = append(r.order, stage.Name)
	delay := r.delays[stage.Name]
	status, found := r.statuses[stage.Name]
	r.mu.Unlock()

	current := r.running.Inc()
	for {
		peak := r.peak.Load()
		if current <= peak || r.peak.CAS(peak, current) {
			break
		}
	}
	defer r.running.Dec()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.Outcome{Status: models.OutcomeError, Message: "Cancelled"}
		}
	}

	r.mu.Lock()
	r.finished[stage.Name] = time.Now()
	r.mu.Unlock()

	if !found {
		status = models.OutcomeSuccess
	}
	outcome := models.Outcome{Status: status}
	if stage.Action.ProducesImage {
		outcome.Artifact = "registry.local/app@sha256:abc"
	}
	return outcome
}

func (r *fakeRunner) dispatched(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, found := r.started[name]
	return found
}

func (r *fakeRunner) startedStages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *fakeRunner) env(name string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[name]
}

type notifierFunc func(ctx context.Context, summary Summary) error

func (f notifierFunc) Notify(ctx context.Context, summary Summary) error {
	return f(ctx, summary)
}

type memoryRecorder struct {
	mu   sync.Mutex
	runs []*models.Run
}

func (r *memoryRecorder) SaveRun(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *memoryRecorder) last() *models.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.runs) == 0 {
		return nil
	}
	return r.runs[len(r.runs)-1]
}

type memorySink struct {
	mu     sync.Mutex
	stages []string
}

func (s *memorySink) Report(ctx context.Context, run *Run, outcome models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, outcome.Stage)
	return nil
}

func stage(name string, needs ...string) models.Stage {
	return models.Stage{Name: name, Needs: needs}
}

func releaseStages() []models.Stage {
	build := stage("build", "lint", "secretScan")
	build.Action.ProducesImage = true
	return []models.Stage{
		stage("lint"),
		stage("secretScan"),
		build,
		stage("imageScan", "build"),
		stage("publish", "imageScan"),
	}
}

func TestConcurrentStagesBeforeDependent(t *testing.T) {
	runner := newFakeRunner(nil)
	runner.delays["A"] = 30 * time.Millisecond
	runner.delays["B"] = 30 * time.Millisecond

	c := New([]models.Stage{stage("A"), stage("B"), stage("C", "A", "B")}, Config{Pipeline: "p"}, runner,
		WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePublished, run.State)

	assert.EqualValues(t, 2, runner.peak.Load())
	assert.True(t, runner.started["C"].After(runner.finished["A"]))
	assert.True(t, runner.started["C"].After(runner.finished["B"]))
	assert.Equal(t, "C", run.Order()[2])
}

func TestSecretScanFailureDenies(t *testing.T) {
	runner := newFakeRunner(map[string]models.OutcomeStatus{"secretScan": models.OutcomeFailure})
	stages := []models.Stage{
		stage("lint"),
		stage("secretScan"),
		stage("imageScan", "lint", "secretScan"),
		stage("publish", "imageScan"),
	}

	var notified Summary
	c := New(stages, Config{
		Pipeline: "web",
		Required: []string{"lint", "secretScan", "imageScan"},
		Publish:  "publish",
	}, runner, WithLogger(zaptest.NewLogger(t)), WithNotifier(notifierFunc(func(ctx context.Context, summary Summary) error {
		notified = summary
		return nil
	})))

	run, err := c.Run(context.Background())
	require.NoError(t, err)
	c.Wait()

	assert.Equal(t, models.RunStateDenied, run.State)
	require.NotNil(t, run.Decision)
	assert.Equal(t, models.VerdictDeny, run.Decision.Verdict)
	assert.Contains(t, run.Decision.CauseStages(), "secretScan")
	assert.False(t, runner.dispatched("publish"))
	assert.False(t, runner.dispatched("imageScan"))

	publish, found := run.Outcome("publish")
	require.True(t, found)
	assert.Equal(t, models.OutcomeSkipped, publish.Status)

	imageScan, found := run.Outcome("imageScan")
	require.True(t, found)
	assert.Equal(t, models.OutcomeSkipped, imageScan.Status)

	assert.Equal(t, models.RunStateDenied, notified.State)
	assert.Contains(t, notified.Message(), "DENIED")
	assert.Contains(t, notified.Message(), "secretScan")
}

func TestAllSuccessPublishes(t *testing.T) {
	runner := newFakeRunner(nil)
	recorder := &memoryRecorder{}
	sink := &memorySink{}

	c := New(releaseStages(), Config{
		Pipeline: "web",
		Publish:  "publish",
		Tags:     []string{"v1.2.0", "latest"},
	}, runner, WithLogger(zaptest.NewLogger(t)), WithRecorder(recorder), WithReportSink(sink))

	run, err := c.Run(context.Background())
	require.NoError(t, err)
	c.Wait()

	assert.Equal(t, models.RunStatePublished, run.State)
	assert.Equal(t, "registry.local/app@sha256:abc", run.Artifact)
	assert.Equal(t, []string{"lint", "secretScan", "build", "imageScan", "publish"}, run.Order())

	env := runner.env("publish")
	assert.Equal(t, "registry.local/app@sha256:abc", env[checks.EnvImage])
	assert.Equal(t, "v1.2.0,latest", env[checks.EnvTags])
	assert.Equal(t, c.ID(), env[checks.EnvRunID])

	saved := recorder.last()
	require.NotNil(t, saved)
	assert.Equal(t, models.RunStatePublished, saved.State)
	assert.Len(t, saved.Stages, 5)

	sink.mu.Lock()
	assert.Len(t, sink.stages, 5)
	sink.mu.Unlock()
}

func TestContinueOnErrorDoesNotDeny(t *testing.T) {
	runner := newFakeRunner(map[string]models.OutcomeStatus{"lint": models.OutcomeFailure})
	stages := releaseStages()
	stages[0].ContinueOnError = true

	c := New(stages, Config{Pipeline: "web", Publish: "publish"}, runner, WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunStatePublished, run.State)
	assert.True(t, runner.dispatched("build"))
	lint, _ := run.Outcome("lint")
	assert.Equal(t, models.OutcomeFailure, lint.Status)
}

func TestErrorIsGatedLikeFailure(t *testing.T) {
	runner := newFakeRunner(map[string]models.OutcomeStatus{"imageScan": models.OutcomeError})

	c := New(releaseStages(), Config{Pipeline: "web", Publish: "publish"}, runner, WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunStateDenied, run.State)
	assert.Equal(t, []string{"imageScan"}, run.Decision.CauseStages())
	assert.False(t, runner.dispatched("publish"))
}

func TestSkipPropagates(t *testing.T) {
	runner := newFakeRunner(map[string]models.OutcomeStatus{"a": models.OutcomeFailure})
	stages := []models.Stage{stage("a"), stage("b", "a"), stage("c", "b"), stage("d")}

	c := New(stages, Config{Pipeline: "p"}, runner, WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"b", "c"} {
		outcome, found := run.Outcome(name)
		require.True(t, found, name)
		assert.Equal(t, models.OutcomeSkipped, outcome.Status, name)
		assert.False(t, runner.dispatched(name), name)
	}
	assert.True(t, runner.dispatched("d"))
	assert.Equal(t, models.RunStateDenied, run.State)
	assert.Equal(t, []string{"a"}, run.Decision.CauseStages())
}

func TestRequiredClosureCoversSkippedPrerequisites(t *testing.T) {
	stages := []models.Stage{stage("scan"), stage("build", "scan"), stage("publish", "build")}
	c := New(stages, Config{Pipeline: "p", Required: []string{"build"}, Publish: "publish"}, newFakeRunner(nil))
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"scan", "build"}, c.Required())
}

func TestConfigDefectsAbort(t *testing.T) {
	for name, tc := range map[string]struct {
		stages []models.Stage
		config Config
	}{
		"cycle": {
			stages: []models.Stage{stage("a", "b"), stage("b", "a")},
		},
		"unknown dependency": {
			stages: []models.Stage{stage("a", "ghost")},
		},
		"unknown required": {
			stages: []models.Stage{stage("a")},
			config: Config{Required: []string{"ghost"}},
		},
		"unknown publish": {
			stages: []models.Stage{stage("a")},
			config: Config{Publish: "ghost"},
		},
		"publish with dependents": {
			stages: []models.Stage{stage("publish"), stage("after", "publish")},
			config: Config{Publish: "publish"},
		},
		"unknown timeout": {
			stages: []models.Stage{stage("a")},
			config: Config{Timeouts: map[string]time.Duration{"ghost": time.Second}},
		},
	} {
		t.Run(name, func(t *testing.T) {
			runner := newFakeRunner(nil)
			c := New(tc.stages, tc.config, runner, WithLogger(zaptest.NewLogger(t)))
			require.Error(t, c.Validate())
			assert.True(t, IsConfigError(c.Validate()))

			run, err := c.Run(context.Background())
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Equal(t, models.RunStateAborted, run.State)
			assert.Empty(t, runner.order)
		})
	}
}

func TestAbortRecordsLateOutcomes(t *testing.T) {
	runner := newFakeRunner(nil)
	runner.delays["slow"] = time.Minute

	recorder := &memoryRecorder{}
	c := New([]models.Stage{stage("slow"), stage("next", "slow")}, Config{Pipeline: "p"}, runner,
		WithLogger(zaptest.NewLogger(t)), WithRecorder(recorder))

	type result struct {
		run *Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := c.Run(context.Background())
		done <- result{run, err}
	}()

	require.Eventually(t, func() bool { return runner.dispatched("slow") }, time.Second, time.Millisecond)
	c.Abort()

	res := <-done
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, ErrAborted))
	assert.Equal(t, models.RunStateAborted, res.run.State)
	assert.Equal(t, models.RunStateAborted, c.State())

	c.Wait()
	snapshot := c.Snapshot()
	assert.Equal(t, models.RunStateAborted, snapshot.State)
	require.Len(t, snapshot.Records, 1)
	assert.True(t, snapshot.Records[0].Late)
	assert.Equal(t, "slow", snapshot.Records[0].Outcome.Stage)
	assert.False(t, runner.dispatched("next"))

	saved := recorder.last()
	require.NotNil(t, saved)
	require.Len(t, saved.Stages, 1)
	assert.True(t, saved.Stages[0].Late)
}

func TestAbortKeepsRunnerOutcome(t *testing.T) {
	returned := atomic.NewBool(false)
	runner := checks.RunnerFunc(func(ctx context.Context, stage models.Stage) models.Outcome {
		time.Sleep(300 * time.Millisecond)
		returned.Store(true)
		return models.Outcome{Status: models.OutcomeSuccess, Message: "real verdict"}
	})

	c := New([]models.Stage{stage("scan")}, Config{Pipeline: "p"}, runner, WithLogger(zaptest.NewLogger(t)))
	time.AfterFunc(30*time.Millisecond, c.Abort)

	run, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, models.RunStateAborted, run.State)

	c.Wait()
	assert.True(t, returned.Load())

	snapshot := c.Snapshot()
	require.Len(t, snapshot.Records, 1)
	record := snapshot.Records[0]
	assert.True(t, record.Late)
	assert.Equal(t, models.OutcomeSuccess, record.Outcome.Status)
	assert.Equal(t, "real verdict", record.Outcome.Message)
	assert.Equal(t, models.RunStateAborted, snapshot.State)
}

func TestQueuedStagesSkippedOnAbort(t *testing.T) {
	runner := newFakeRunner(nil)
	runner.delays["a"] = time.Minute
	runner.delays["b"] = time.Minute

	c := New([]models.Stage{stage("a"), stage("b")}, Config{Pipeline: "p", Concurrency: 1}, runner,
		WithLogger(zaptest.NewLogger(t)))

	go func() {
		assert.Eventually(t, func() bool { return len(runner.startedStages()) == 1 }, time.Second, time.Millisecond)
		c.Abort()
	}()
	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	c.Wait()

	started := runner.startedStages()
	require.Len(t, started, 1)

	snapshot := c.Snapshot()
	require.Len(t, snapshot.Records, 2)
	for _, record := range snapshot.Records {
		assert.True(t, record.Late)
		if record.Outcome.Stage == started[0] {
			assert.Equal(t, models.OutcomeError, record.Outcome.Status)
		} else {
			assert.Equal(t, models.OutcomeSkipped, record.Outcome.Status)
			assert.Equal(t, "Cancelled before start", record.Outcome.Message)
		}
	}
}

func TestRunPersistedWhileRunning(t *testing.T) {
	runner := newFakeRunner(nil)
	runner.delays["scan"] = 200 * time.Millisecond
	recorder := &memoryRecorder{}

	c := New([]models.Stage{stage("lint"), stage("scan", "lint")}, Config{Pipeline: "p"}, runner,
		WithLogger(zaptest.NewLogger(t)), WithRecorder(recorder))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		saved := recorder.last()
		return saved != nil && saved.State == models.RunStateRunning && len(saved.Stages) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, c.ID(), recorder.last().ID)
	assert.Nil(t, recorder.last().FinishedAt)

	<-done
	c.Wait()
	saved := recorder.last()
	assert.Equal(t, models.RunStatePublished, saved.State)
	assert.Len(t, saved.Stages, 2)
	assert.NotNil(t, saved.FinishedAt)
}

func TestContextCancellationAborts(t *testing.T) {
	runner := newFakeRunner(nil)
	runner.delays["slow"] = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New([]models.Stage{stage("slow")}, Config{Pipeline: "p"}, runner, WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, models.RunStateAborted, run.State)
	c.Wait()
}

func TestAbortBeforeStart(t *testing.T) {
	runner := newFakeRunner(nil)
	c := New([]models.Stage{stage("a")}, Config{Pipeline: "p"}, runner)
	c.Abort()
	assert.Equal(t, models.RunStateAborted, c.State())

	run, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.RunStateAborted, run.State)
	assert.Empty(t, runner.order)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done channel is not closed")
	}
}

func TestRunTwice(t *testing.T) {
	c := New([]models.Stage{stage("a")}, Config{Pipeline: "p"}, newFakeRunner(nil))
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestConcurrencyLimit(t *testing.T) {
	runner := newFakeRunner(nil)
	stages := make([]models.Stage, 0)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		runner.delays[name] = 10 * time.Millisecond
		stages = append(stages, stage(name))
	}

	c := New(stages, Config{Pipeline: "p", Concurrency: 2}, runner, WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePublished, run.State)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	assert.Len(t, run.Records, 6)
}

func TestTimeoutBecomesError(t *testing.T) {
	runner := newFakeRunner(nil)
	runner.delays["hang"] = time.Minute

	c := New([]models.Stage{stage("hang")}, Config{
		Pipeline: "p",
		Timeouts: map[string]time.Duration{"hang": 20 * time.Millisecond},
	}, runner, WithLogger(zaptest.NewLogger(t)))

	run, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDenied, run.State)

	outcome, found := run.Outcome("hang")
	require.True(t, found)
	assert.Equal(t, models.OutcomeError, outcome.Status)
	assert.True(t, strings.HasPrefix(outcome.Message, "Timed out"), outcome.Message)
}

func TestPanicBecomesError(t *testing.T) {
	runner := checks.RunnerFunc(func(ctx context.Context, stage models.Stage) models.Outcome {
		if stage.Name == "boom" {
			panic("scanner crashed")
		}
		return models.Outcome{Status: models.OutcomeSuccess}
	})

	c := New([]models.Stage{stage("boom"), stage("ok")}, Config{Pipeline: "p"}, runner, WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDenied, run.State)
	assert.Equal(t, []string{"boom"}, run.Decision.CauseStages())
}

func TestPublishFailure(t *testing.T) {
	runner := newFakeRunner(map[string]models.OutcomeStatus{"publish": models.OutcomeFailure})

	c := New(releaseStages(), Config{Pipeline: "web", Publish: "publish"}, runner, WithLogger(zaptest.NewLogger(t)))
	run, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunStateFailed, run.State)
	assert.Equal(t, models.VerdictAdmit, run.Decision.Verdict)
	assert.NotEmpty(t, run.Error)
}

func TestNoPublishStageAdmits(t *testing.T) {
	c := New([]models.Stage{stage("lint")}, Config{Pipeline: "p"}, newFakeRunner(nil))
	run, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePublished, run.State)
	assert.Empty(t, run.Artifact)
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New([]models.Stage{stage("a")}, Config{Pipeline: "p"}, newFakeRunner(nil))
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	snapshot := c.Snapshot()
	snapshot.Records[0].Outcome.Status = models.OutcomeFailure
	snapshot.Tags = append(snapshot.Tags, "mutated")

	outcome, _ := c.Snapshot().Outcome("a")
	assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	assert.Empty(t, c.Snapshot().Tags)
}
