package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"campaign-pipeline/core/models"
	"campaign-pipeline/core/spec"
)

const (
	// longer output lines are cut and followed by a truncation notice
	maxLineBytes = 1024 * 1024
	// stderr lines kept for error messages are cut to this length
	maxTailLineBytes = 4096
	// how long output may stay open after the job itself has exited
	outputDrainDelay = 2 * time.Second
)

// SpawnError reports that the generation job could not be started
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitStatus is the terminal status of a generation job
type ExitStatus struct {
	Code       int
	Signal     string   // set when the job was killed by a signal
	StderrTail []string // last stderr lines, oldest first
	Cancelled  bool     // the job was terminated through Cancel
}

// Success reports a clean zero exit
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && !s.Cancelled
}

// Describe renders the status for a user-facing error message
func (s ExitStatus) Describe() string {
	var msg string
	switch {
	case s.Cancelled:
		msg = "pipeline cancelled"
	case s.Signal != "":
		msg = fmt.Sprintf("pipeline terminated by signal %s", s.Signal)
	default:
		msg = fmt.Sprintf("pipeline exited with code %d", s.Code)
	}
	if len(s.StderrTail) > 0 {
		msg += ": " + strings.Join(s.StderrTail, "\n")
	}
	return msg
}

// GenerationExecutor launches the asset-generation job for campaigns
type GenerationExecutor struct {
	pipeline *models.Pipeline
	logger   *slog.Logger
}

// NewGenerationExecutor creates a new generation executor
func NewGenerationExecutor(pipeline *models.Pipeline, logger *slog.Logger) *GenerationExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationExecutor{
		pipeline: pipeline,
		logger:   logger,
	}
}

// Process is one running generation job
type Process struct {
	cmd    *exec.Cmd
	key    models.CampaignRunKey
	lines  chan models.RawLogLine
	done   chan struct{}
	status ExitStatus
	tail   *tailBuffer
	logger *slog.Logger

	cancelled  atomic.Bool
	cancelOnce sync.Once
}

// Start spawns the job for key against input. The job inherits the caller's
// environment. Spawn failures are returned as *SpawnError before any output
// exists. Cancelling ctx terminates the job.
func (e *GenerationExecutor) Start(ctx context.Context, key models.CampaignRunKey, input models.JobInput) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: e.pipeline.Command, Err: err}
	}

	args := spec.ExpandArgs(e.pipeline, key, input.Path)
	cmd := exec.Command(e.pipeline.Command, args...)
	cmd.Dir = e.pipeline.WorkingDir
	cmd.Env = e.environ(key, input)
	configureCommandProcess(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Command: e.pipeline.Command, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdoutR, stdoutW)
		return nil, &SpawnError{Command: e.pipeline.Command, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Command: e.pipeline.Command, Err: err}
	}
	// the job holds the write ends now
	closeFiles(stdoutW, stderrW)

	p := &Process{
		cmd:    cmd,
		key:    key,
		lines:  make(chan models.RawLogLine, 64),
		done:   make(chan struct{}),
		tail:   newTailBuffer(e.pipeline.StderrTailLines),
		logger: e.logger.With("campaign", string(key), "pid", cmd.Process.Pid),
	}
	p.logger.Info("generation job started", "command", e.pipeline.Command, "args", args)

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(&wg, stdoutR, models.StreamStdout)
	go p.scan(&wg, stderrR, models.StreamStderr)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	go func() {
		waitErr := cmd.Wait()
		// children left behind would hold the pipes open past the job's exit
		killProcessGroup(cmd)
		select {
		case <-drained:
		case <-time.After(outputDrainDelay):
			p.logger.Warn("job output still open after exit, closing it")
			closeFiles(stdoutR, stderrR)
			<-drained
		}
		closeFiles(stdoutR, stderrR)
		close(p.lines)

		p.status = p.exitStatus(waitErr)
		p.logger.Info("generation job exited", "code", p.status.Code, "signal", p.status.Signal, "cancelled", p.status.Cancelled)
		close(p.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.Cancel()
		case <-p.done:
		}
	}()

	return p, nil
}

// environ is the caller's environment plus the run variables
func (e *GenerationExecutor) environ(key models.CampaignRunKey, input models.JobInput) []string {
	env := os.Environ()

	keys := make([]string, 0, len(e.pipeline.Env))
	for k := range e.pipeline.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.pipeline.Env[k])
	}

	return append(env,
		"CAMPAIGN_ID="+string(key),
		"CAMPAIGN_INPUT="+input.Path,
		"PIPELINE_OUTPUT_DIR="+e.pipeline.OutputDir,
	)
}

// Lines returns the job's output lines. Per-stream order is preserved; the
// interleaving of stdout and stderr follows arrival. The channel is closed
// once the job has exited and its output is drained.
func (p *Process) Lines() <-chan models.RawLogLine {
	return p.lines
}

// Wait blocks until the job has exited and returns its status
func (p *Process) Wait() ExitStatus {
	<-p.done
	return p.status
}

// Done is closed once the job has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Cancel forcibly terminates the job and everything it spawned
func (p *Process) Cancel() {
	p.cancelOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.cancelled.Store(true)
		p.logger.Warn("terminating generation job")
		terminateCommandProcess(p.cmd)
	})
}

func (p *Process) scan(wg *sync.WaitGroup, r io.Reader, stream models.LogStream) {
	defer wg.Done()

	reader := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, more, err := reader.ReadLine()
		if err != nil {
			if len(line) > 0 || truncated {
				p.emit(stream, line, truncated)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Warn("stopped reading job output", "stream", string(stream), "error", err)
				// keep the pipe drained so the job never blocks on a full buffer
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}

		if room := maxLineBytes - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if more {
			continue
		}
		p.emit(stream, line, truncated)
		line = line[:0]
		truncated = false
	}
}

func (p *Process) emit(stream models.LogStream, line []byte, truncated bool) {
	text := string(line)
	if stream == models.StreamStderr {
		p.tail.add(text)
	}
	p.lines <- models.RawLogLine{Text: text, Stream: stream}

	if truncated {
		p.logger.Warn("job output line truncated", "stream", string(stream), "limit_bytes", maxLineBytes)
		p.lines <- models.RawLogLine{
			Text:   fmt.Sprintf("[output line truncated to %d bytes]", maxLineBytes),
			Stream: stream,
		}
	}
}

func (p *Process) exitStatus(err error) ExitStatus {
	status := ExitStatus{StderrTail: p.tail.lines()}
	// a clean exit wins over a Cancel that arrived too late to kill anything
	if err == nil {
		return status
	}
	status.Cancelled = p.cancelled.Load()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status.Code = exitErr.ExitCode()
		status.Signal = exitSignal(exitErr.ProcessState)
		return status
	}
	status.Code = -1
	status.StderrTail = append(status.StderrTail, err.Error())
	return status
}

// tailBuffer keeps the last n lines written to it
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	items []string
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 1
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if len(line) > maxTailLineBytes {
		line = line[:maxTailLineBytes]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, line)
	if len(b.items) > b.max {
		b.items = b.items[len(b.items)-b.max:]
	}
}

func (b *tailBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.items...)
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
