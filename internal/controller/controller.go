// Package controller drives a pipeline run: it dispatches the runnable
// frontier of the stage graph, records outcomes, asks the gate for a verdict
// and publishes only on admit.
//
// States: pending -> running -> {gated, aborted} -> {published, denied, failed}.
// Abort is accepted in any non-terminal state.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bigredeye/relgate/internal/checks"
	"github.com/bigredeye/relgate/internal/gate"
	"github.com/bigredeye/relgate/internal/graph"
	lf "github.com/bigredeye/relgate/internal/logfield"
	"github.com/bigredeye/relgate/internal/models"
)

const sinkTimeout = 30 * time.Second

type Config struct {
	Pipeline string

	// Required stages for the gate. Empty means every stage except publish.
	Required        []string
	ContinueOnError []string
	Timeouts        map[string]time.Duration
	DefaultTimeout  time.Duration
	// Concurrency bounds the number of stages running at once; 0 is unbounded.
	Concurrency int

	// Publish names the stage run only on admit. It may be empty.
	Publish string
	Tags    []string
}

// ReportSink receives every recorded outcome. It is called off the gating
// path and its errors are only logged.
type ReportSink interface {
	Report(ctx context.Context, run *Run, outcome models.Outcome) error
}

type Notifier interface {
	Notify(ctx context.Context, summary Summary) error
}

type Recorder interface {
	SaveRun(ctx context.Context, run *models.Run) error
}

type Option func(c *Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func WithReportSink(sink ReportSink) Option {
	return func(c *Controller) {
		c.reports = sink
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(c *Controller) {
		c.notifier = notifier
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(c *Controller) {
		c.recorder = recorder
	}
}

func WithRunID(id string) Option {
	return func(c *Controller) {
		c.run.ID = id
	}
}

type Controller struct {
	config   Config
	stages   map[string]models.Stage
	graph    *graph.Graph
	runner   checks.Runner
	required []string
	exempt   map[string]bool
	defect   error

	logger   *zap.Logger
	reports  ReportSink
	notifier Notifier
	recorder Recorder

	state          *atomic.String
	started        *atomic.Bool
	abortRequested *atomic.Bool

	mu       sync.Mutex
	run      *Run
	outcomes map[string]models.Outcome
	cancel   context.CancelFunc
	finished chan struct{}

	background sync.WaitGroup
}

// New builds a controller for one run. Configuration defects do not fail
// construction: they are reported by Validate and abort the run.
func New(stages []models.Stage, config Config, runner checks.Runner, options ...Option) *Controller {
	c := &Controller{
		config:         config,
		stages:         make(map[string]models.Stage, len(stages)),
		exempt:         make(map[string]bool),
		logger:         zap.NewNop(),
		state:          atomic.NewString(models.RunStatePending),
		started:        atomic.NewBool(false),
		abortRequested: atomic.NewBool(false),
		outcomes:       make(map[string]models.Outcome),
		finished:       make(chan struct{}),
		run: &Run{
			ID:       uuid.New().String(),
			Pipeline: config.Pipeline,
			State:    models.RunStatePending,
			Tags:     append([]string(nil), config.Tags...),
		},
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.logger.Named("controller").With(lf.RunID(c.run.ID), lf.Pipeline(config.Pipeline))
	c.runner = checks.Guard(runner, c.logger, checks.TrackRunners(&c.background))
	c.defect = c.setup(stages)
	return c
}

func (c *Controller) setup(stages []models.Stage) error {
	decls := make([]graph.Decl, 0, len(stages))
	for _, stage := range stages {
		decls = append(decls, graph.Decl{Name: stage.Name, Needs: stage.Needs})
		c.stages[stage.Name] = stage
		if stage.ContinueOnError {
			c.exempt[stage.Name] = true
		}
	}

	g, err := graph.Build(decls)
	if err != nil {
		return &ConfigError{err}
	}
	c.graph = g

	if c.config.Concurrency < 0 {
		return &ConfigError{errors.Errorf("Negative concurrency %d", c.config.Concurrency)}
	}

	unknown := func(kind, name string) error {
		return &ConfigError{errors.Errorf("%s references unknown stage %q", kind, name)}
	}
	for _, name := range c.config.Required {
		if !g.Has(name) {
			return unknown("Gate", name)
		}
	}
	for _, name := range c.config.ContinueOnError {
		if !g.Has(name) {
			return unknown("Continue-on-error", name)
		}
		c.exempt[name] = true
	}
	for name := range c.config.Timeouts {
		if !g.Has(name) {
			return unknown("Timeout", name)
		}
	}

	publish := c.config.Publish
	if publish != "" {
		if !g.Has(publish) {
			return unknown("Publish", publish)
		}
		if dependents := g.Dependents(publish); len(dependents) > 0 {
			return &ConfigError{errors.Errorf("Publish stage %q must not have dependents, found %s", publish, strings.Join(dependents, ", "))}
		}
		if c.exempt[publish] {
			return &ConfigError{errors.Errorf("Publish stage %q cannot be continue-on-error", publish)}
		}
	}

	required := c.config.Required
	if len(required) == 0 {
		for _, name := range g.Stages() {
			if name != publish {
				required = append(required, name)
			}
		}
	}
	if publish != "" {
		required = append(required, g.Prerequisites(publish)...)
	}
	c.required = g.Closure(required)
	return nil
}

// Validate returns the configuration defect that would abort the run.
func (c *Controller) Validate() error {
	return c.defect
}

func (c *Controller) ID() string {
	return c.run.ID
}

func (c *Controller) State() models.RunState {
	return c.state.Load()
}

// Required returns the stages the gate checks: the configured ones plus
// everything they transitively need.
func (c *Controller) Required() []string {
	return append([]string(nil), c.required...)
}

// Snapshot returns a copy of the run record.
func (c *Controller) Snapshot() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run.Clone()
}

// Abort requests cancellation. The run turns aborted at once; stages still
// in flight are cancelled and their outcomes recorded as late.
func (c *Controller) Abort() {
	c.abortRequested.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	if !c.started.Load() {
		c.finish(models.RunStateAborted, ErrAborted)
	}
}

// Done is closed once the run reached a terminal state and was reported.
func (c *Controller) Done() <-chan struct{} {
	return c.finished
}

// Wait blocks until every dispatched stage has reported and all sink
// deliveries have finished.
func (c *Controller) Wait() {
	c.background.Wait()
}

// Run executes the pipeline. Denied and failed runs are legitimate results
// and return a nil error; aborted runs return the abort cause.
func (c *Controller) Run(ctx context.Context) (*Run, error) {
	if !c.started.CAS(false, true) {
		return nil, ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.run.StartedAt = time.Now()
	c.mu.Unlock()

	if c.abortRequested.Load() {
		cancel()
		return c.finish(models.RunStateAborted, ErrAborted), ErrAborted
	}

	if c.defect != nil {
		c.logger.Error("Pipeline configuration is invalid", zap.Error(c.defect))
		return c.finish(models.RunStateAborted, c.defect), c.defect
	}

	c.transition(models.RunStateRunning)
	c.checkpoint()
	c.logger.Info("Starting pipeline run", zap.Int("stages", c.graph.Len()), lf.Stages(c.required))

	if err := c.runChecks(ctx); err != nil {
		return c.abort(ctx, err)
	}
	if ctx.Err() != nil {
		return c.abort(ctx, ctx.Err())
	}

	c.transition(models.RunStateGated)
	decision := gate.Evaluate(c.outcomeMap(), gate.Policy{
		Required:        c.required,
		ContinueOnError: c.exemptStages(),
	})
	c.mu.Lock()
	c.run.Decision = &decision
	c.mu.Unlock()
	c.checkpoint()
	c.logger.Info("Gate evaluated", lf.Verdict(decision.Verdict), lf.Stages(decision.CauseStages()))

	if !decision.Admitted() {
		if c.config.Publish != "" {
			c.record(models.Skipped(c.config.Publish, "Gate denied"))
		}
		return c.finish(models.RunStateDenied, nil), nil
	}

	if c.config.Publish == "" {
		return c.finish(models.RunStatePublished, nil), nil
	}
	if ctx.Err() != nil {
		return c.abort(ctx, ctx.Err())
	}

	outcome, err := c.publish(ctx)
	if err != nil {
		return c.abort(ctx, err)
	}
	if outcome.Status != models.OutcomeSuccess {
		return c.finish(models.RunStateFailed, errors.Errorf("Publish stage %s: %s", outcome.Status, outcome.Message)), nil
	}
	return c.finish(models.RunStatePublished, nil), nil
}

func (c *Controller) abort(ctx context.Context, err error) (*Run, error) {
	if ctx.Err() != nil {
		err = errors.Wrap(ErrAborted, ctx.Err().Error())
	}
	c.logger.Warn("Aborting pipeline run", zap.Error(err))
	return c.finish(models.RunStateAborted, err), err
}

// runChecks dispatches frontiers until every stage but publish has an
// outcome. Stages behind a blocking outcome are recorded as skipped.
func (c *Controller) runChecks(ctx context.Context) error {
	completed := make(map[string]bool, c.graph.Len())
	pending := c.graph.Len()
	if c.config.Publish != "" {
		pending--
	}

	for len(completed) < pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frontier := make([]string, 0)
		for _, name := range c.graph.RunnableStages(completed) {
			if name != c.config.Publish {
				frontier = append(frontier, name)
			}
		}
		if len(frontier) == 0 {
			return ErrStalled
		}

		dispatch := make([]models.Stage, 0, len(frontier))
		for _, name := range frontier {
			if blocker, found := c.blockedBy(name); found {
				c.record(models.Skipped(name, "Blocked by "+blocker))
				completed[name] = true
				continue
			}
			dispatch = append(dispatch, c.prepare(name, nil))
		}
		if len(dispatch) == 0 {
			continue
		}

		outcomes, err := c.dispatch(ctx, dispatch)
		if err != nil {
			return err
		}
		for _, outcome := range outcomes {
			c.record(outcome)
			completed[outcome.Stage] = true
		}
		c.checkpoint()
	}
	return nil
}

func (c *Controller) publish(ctx context.Context) (models.Outcome, error) {
	artifact := c.artifact()
	c.mu.Lock()
	c.run.Artifact = artifact
	c.mu.Unlock()

	stage := c.prepare(c.config.Publish, map[string]string{
		checks.EnvImage: artifact,
		checks.EnvTags:  strings.Join(c.config.Tags, ","),
	})
	c.logger.Info("Publishing", lf.Artifact(artifact), zap.Strings("tags", c.config.Tags))

	outcomes, err := c.dispatch(ctx, []models.Stage{stage})
	if err != nil {
		return models.Outcome{}, err
	}
	c.record(outcomes[0])
	return outcomes[0], nil
}

// blockedBy returns a prerequisite whose outcome stops the stage from
// running: a skip, or a failure or error that is not continue-on-error.
func (c *Controller) blockedBy(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dep := range c.graph.Prerequisites(name) {
		outcome := c.outcomes[dep]
		if outcome.Status == models.OutcomeSkipped || (outcome.IsProblem() && !c.exempt[dep]) {
			return dep, true
		}
	}
	return "", false
}

func (c *Controller) prepare(name string, env map[string]string) models.Stage {
	stage := c.stages[name]
	if timeout, found := c.config.Timeouts[name]; found {
		stage.Timeout = timeout
	} else if stage.Timeout == 0 {
		stage.Timeout = c.config.DefaultTimeout
	}
	stage.ContinueOnError = c.exempt[name]

	base := map[string]string{
		checks.EnvRunID:    c.run.ID,
		checks.EnvPipeline: c.config.Pipeline,
	}
	for k, v := range env {
		base[k] = v
	}
	return stage.WithEnv(base)
}

// dispatch runs the stages concurrently and waits for all of them. If ctx
// ends first it returns at once; the outcomes still in flight are recorded
// as late by a background drain.
func (c *Controller) dispatch(ctx context.Context, stages []models.Stage) ([]models.Outcome, error) {
	var sem *semaphore.Weighted
	if c.config.Concurrency > 0 {
		sem = semaphore.NewWeighted(int64(c.config.Concurrency))
	}

	results := make(chan models.Outcome, len(stages))
	done := make(chan struct{})
	c.background.Add(1)

	g := errgroup.Group{}
	for _, stage := range stages {
		stage := stage
		c.logger.Debug("Dispatching stage", lf.Stage(stage.Name))
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results <- models.Skipped(stage.Name, "Cancelled before start")
					return nil
				}
				defer sem.Release(1)
			}
			results <- c.runner.Run(ctx, stage)
			return nil
		})
	}

	go func() {
		defer c.background.Done()
		_ = g.Wait()
		close(results)
		close(done)
	}()

	collected := make(map[string]models.Outcome, len(stages))
	for len(collected) < len(stages) {
		select {
		case outcome := <-results:
			if ctx.Err() != nil {
				c.interrupt(collected, append([]models.Outcome{outcome}, drain(results)...), results, done)
				return nil, ctx.Err()
			}
			c.logger.Info("Stage finished", lf.Stage(outcome.Stage), lf.Outcome(outcome.Status), lf.Elapsed(outcome.Duration()))
			collected[outcome.Stage] = outcome
		case <-ctx.Done():
			c.interrupt(collected, nil, results, done)
			return nil, ctx.Err()
		}
	}

	ordered := make([]models.Outcome, 0, len(stages))
	for _, stage := range stages {
		ordered = append(ordered, collected[stage.Name])
	}
	return ordered, nil
}

// interrupt records the outcomes that arrived before cancellation and hands
// the rest of the frontier to a background drain that records them as late.
func (c *Controller) interrupt(collected map[string]models.Outcome, late []models.Outcome, results <-chan models.Outcome, done <-chan struct{}) {
	for _, name := range c.graph.Stages() {
		if outcome, found := collected[name]; found {
			c.record(outcome)
		}
	}
	c.background.Add(1)
	go c.drainLate(late, results, done)
}

func drain(results <-chan models.Outcome) []models.Outcome {
	outcomes := make([]models.Outcome, 0)
	for {
		select {
		case outcome, ok := <-results:
			if !ok {
				return outcomes
			}
			outcomes = append(outcomes, outcome)
		default:
			return outcomes
		}
	}
}

func (c *Controller) drainLate(pending []models.Outcome, results <-chan models.Outcome, done <-chan struct{}) {
	defer c.background.Done()
	<-c.finished

	appendLate := func(outcome models.Outcome) {
		c.logger.Info("Late stage outcome", lf.Stage(outcome.Stage), lf.Outcome(outcome.Status))
		c.mu.Lock()
		c.appendRecord(outcome, true)
		c.mu.Unlock()
		c.reportAsync(outcome)
	}

	late := len(pending)
	for _, outcome := range pending {
		appendLate(outcome)
	}
	for outcome := range results {
		appendLate(outcome)
		late++
	}
	<-done

	if late > 0 && c.recorder != nil {
		c.save(c.Snapshot())
	}
}

func (c *Controller) record(outcome models.Outcome) {
	c.mu.Lock()
	c.outcomes[outcome.Stage] = outcome.Clone()
	c.appendRecord(outcome, false)
	c.mu.Unlock()

	c.reportAsync(outcome)
}

// appendRecord must be called with c.mu held.
func (c *Controller) appendRecord(outcome models.Outcome, late bool) {
	c.run.Records = append(c.run.Records, Record{
		Seq:     len(c.run.Records) + 1,
		Outcome: outcome.Clone(),
		Late:    late,
	})
}

func (c *Controller) reportAsync(outcome models.Outcome) {
	if c.reports == nil || outcome.Status == models.OutcomeSkipped {
		return
	}
	run := c.Snapshot()
	outcome = outcome.Clone()

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := c.reports.Report(ctx, run, outcome); err != nil {
			c.logger.Warn("Failed to forward stage report", lf.Stage(outcome.Stage), zap.Error(err))
		}
	}()
}

func (c *Controller) transition(state models.RunState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run.Terminal() {
		return
	}
	c.run.State = state
	c.state.Store(state)
	c.logger.Debug("Run state changed", lf.State(state))
}

// finish moves the run to a terminal state once, then notifies and saves.
func (c *Controller) finish(state models.RunState, cause error) *Run {
	c.mu.Lock()
	if c.run.Terminal() {
		run := c.run.Clone()
		c.mu.Unlock()
		return run
	}
	c.run.State = state
	if c.run.StartedAt.IsZero() {
		c.run.StartedAt = time.Now()
	}
	c.run.FinishedAt = time.Now()
	if cause != nil {
		c.run.Error = cause.Error()
	}
	c.state.Store(state)
	run := c.run.Clone()
	c.mu.Unlock()
	defer close(c.finished)

	c.logger.Info("Pipeline run finished", lf.State(state), lf.Elapsed(run.Duration()))

	if c.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, summarize(run)); err != nil {
			c.logger.Warn("Failed to send notification", zap.Error(err))
		}
	}
	c.save(run)
	return run
}

// checkpoint persists the run while it is still in progress.
func (c *Controller) checkpoint() {
	if c.recorder == nil {
		return
	}
	c.save(c.Snapshot())
}

func (c *Controller) save(run *Run) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := c.recorder.SaveRun(ctx, run.Model()); err != nil {
		c.logger.Error("Failed to save run", zap.Error(err))
	}
}

func (c *Controller) outcomeMap() map[string]models.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	outcomes := make(map[string]models.Outcome, len(c.outcomes))
	for name, outcome := range c.outcomes {
		outcomes[name] = outcome.Clone()
	}
	return outcomes
}

func (c *Controller) exemptStages() []string {
	exempt := make([]string, 0, len(c.exempt))
	for _, name := range c.graph.Stages() {
		if c.exempt[name] {
			exempt = append(exempt, name)
		}
	}
	return exempt
}

// artifact is the image produced by the first stage (in declaration order)
// that reported one.
func (c *Controller) artifact() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.graph.Stages() {
		if outcome, found := c.outcomes[name]; found && outcome.Artifact != "" {
			return outcome.Artifact
		}
	}
	return ""
}

func (c *Controller) String() string {
	return fmt.Sprintf("controller(%s, %s)", c.run.ID, c.State())
}
