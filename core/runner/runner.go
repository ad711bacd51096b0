package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"campaign-pipeline/core/classifier"
	"campaign-pipeline/core/executor"
	"campaign-pipeline/core/models"
	"campaign-pipeline/core/monitoring"
	"campaign-pipeline/core/registry"
	"campaign-pipeline/core/stream"
	"campaign-pipeline/storage"
)

// StartingMessage is the first status event of every run
const StartingMessage = "Starting pipeline..."

var (
	// ErrNotRunning is returned when cancelling a campaign with no active run
	ErrNotRunning = errors.New("campaign run not active")
	// ErrShuttingDown is returned for triggers after Shutdown has begun
	ErrShuttingDown = errors.New("runner shutting down")
)

// Launcher spawns the generation job for one run
type Launcher interface {
	Start(ctx context.Context, key models.CampaignRunKey, input models.JobInput) (*executor.Process, error)
}

// AssetSink receives every generated asset, e.g. an object storage mirror
type AssetSink interface {
	Enqueue(key models.CampaignRunKey, filename string) bool
}

// Config wires the runner's collaborators. Watchdog and Mirror are optional.
type Config struct {
	Registry   *registry.Registry
	Hub        *stream.Hub
	Campaigns  storage.CampaignSource
	Launcher   Launcher
	Classifier *classifier.Classifier
	Watchdog   *monitoring.SilenceWatchdog
	Mirror     AssetSink
	Logger     *slog.Logger
}

// Runner drives campaign runs from trigger to terminal state
type Runner struct {
	registry   *registry.Registry
	hub        *stream.Hub
	campaigns  storage.CampaignSource
	launcher   Launcher
	classifier *classifier.Classifier
	watchdog   *monitoring.SilenceWatchdog
	mirror     AssetSink
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[models.CampaignRunKey]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	handle    registry.RunHandle
	proc      *executor.Process
	cancelled bool
}

// New creates a runner. Runs live under ctx, not under the request that
// triggered them, so a disconnecting viewer never stops a job.
func New(ctx context.Context, cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	watchdog := cfg.Watchdog
	if watchdog == nil {
		watchdog = monitoring.NewSilenceWatchdog(0, logger)
	}

	runCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		registry:   cfg.Registry,
		hub:        cfg.Hub,
		campaigns:  cfg.Campaigns,
		launcher:   cfg.Launcher,
		classifier: cfg.Classifier,
		watchdog:   watchdog,
		mirror:     cfg.Mirror,
		logger:     logger.With("component", "runner"),
		ctx:        runCtx,
		cancel:     cancel,
		active:     make(map[models.CampaignRunKey]*activeRun),
	}
}

// Trigger starts a run of key and returns the stream of its events. It fails
// with registry.ErrAlreadyRunning while a run of key is active.
func (r *Runner) Trigger(key models.CampaignRunKey) (registry.RunHandle, *stream.Source, error) {
	// Shutdown cancels under mu, so no run is added once it is waiting
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return registry.RunHandle{}, nil, ErrShuttingDown
	}
	r.wg.Add(1)
	r.mu.Unlock()

	handle, err := r.registry.TryStart(key)
	if err != nil {
		r.wg.Done()
		return registry.RunHandle{}, nil, err
	}

	sink := r.hub.Open(key)
	sink.Emit(models.StatusEvent{Message: StartingMessage})

	src, err := r.hub.Subscribe(key)
	if err != nil {
		sink.Close()
		r.registry.Finish(handle, models.RunStateFailed)
		r.wg.Done()
		return registry.RunHandle{}, nil, fmt.Errorf("failed to subscribe to run %s: %w", handle.RunID, err)
	}

	run := &activeRun{handle: handle}
	r.mu.Lock()
	r.active[key] = run
	r.mu.Unlock()

	r.logger.Info("run started", "campaign", string(key), "run_id", handle.RunID)

	go r.execute(run, sink)

	return handle, src, nil
}

// Cancel hard-cancels the active run of key
func (r *Runner) Cancel(key models.CampaignRunKey) error {
	r.mu.Lock()
	run, ok := r.active[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotRunning
	}
	run.cancelled = true
	proc := run.proc
	r.mu.Unlock()

	r.logger.Info("run cancel requested", "campaign", string(key), "run_id", run.handle.RunID)
	if proc != nil {
		proc.Cancel()
	}
	return nil
}

// Wait blocks until every run started so far has reached a terminal state
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels all active runs and waits for them to finish or ctx to end
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(run *activeRun, sink *stream.Sink) {
	key := run.handle.Key
	logger := r.logger.With("campaign", string(key), "run_id", run.handle.RunID)

	defer r.wg.Done()
	defer r.finish(run, models.RunStateFailed)
	defer sink.Close()

	fail := func(message string) {
		logger.Warn("run failed", "reason", message)
		r.finish(run, models.RunStateFailed)
		sink.Emit(models.ErrorEvent{Message: message})
	}

	input, err := r.campaigns.Resolve(r.ctx, key)
	if err != nil {
		fail(fmt.Sprintf("failed to resolve campaign input: %v", err))
		return
	}
	if input.Cleanup != nil {
		defer input.Cleanup()
	}

	if r.isCancelled(run) {
		fail("pipeline cancelled")
		return
	}

	proc, err := r.launcher.Start(r.ctx, key, input)
	if err != nil {
		fail(err.Error())
		return
	}
	if r.attach(run, proc) {
		proc.Cancel()
	}

	watch := r.watchdog.Watch(r.ctx, key, proc)
	defer watch.Stop()

	var n classifier.Counter
	for line := range proc.Lines() {
		watch.Touch()

		var ev models.Event
		var ok bool
		ev, ok, n = r.classifier.Classify(line, n)
		if !ok {
			continue
		}
		if asset, isAsset := ev.(models.AssetGeneratedEvent); isAsset && r.mirror != nil {
			r.mirror.Enqueue(key, asset.Filename)
		}
		sink.Emit(ev)
	}

	status := proc.Wait()
	switch {
	case watch.Fired():
		fail(fmt.Sprintf("pipeline produced no output for %s", r.watchdog.Timeout()))
	case status.Success():
		logger.Info("run completed", "total_assets", int(n))
		r.finish(run, models.RunStateCompleted)
		sink.Emit(models.CompleteEvent{TotalAssets: int(n)})
	default:
		fail(status.Describe())
	}
}

// attach records the running process and reports whether a cancel arrived
// before it existed
func (r *Runner) attach(run *activeRun, proc *executor.Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.proc = proc
	return run.cancelled
}

func (r *Runner) isCancelled(run *activeRun) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return run.cancelled
}

// finish moves the run to its terminal state. The registry ignores repeats,
// so only the first outcome counts.
func (r *Runner) finish(run *activeRun, outcome models.RunState) {
	r.registry.Finish(run.handle, outcome)

	r.mu.Lock()
	if r.active[run.handle.Key] == run {
		delete(r.active, run.handle.Key)
	}
	r.mu.Unlock()
}
