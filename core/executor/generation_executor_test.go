//go:build !windows

package executor

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"campaign-pipeline/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellPipeline(t *testing.T, script string) *models.Pipeline {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	return &models.Pipeline{
		Command:         "sh",
		Args:            []string{"-c", script, "job", "{input}", "{campaign}"},
		OutputDir:       "output",
		Env:             map[string]string{"GEN_MODE": "test"},
		StderrTailLines: 2,
	}
}

func collect(t *testing.T, p *Process) []models.RawLogLine {
	t.Helper()
	var lines []models.RawLogLine
	timeout := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-p.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatal("timed out reading job output")
		}
	}
}

func TestStartStreamsStdoutInOrder(t *testing.T) {
	pipeline := shellPipeline(t, `echo "Saved: a.png"; echo note; echo "Saved: b.png"`)
	exe := NewGenerationExecutor(pipeline, nil)

	p, err := exe.Start(context.Background(), "FALL_COKE_2025", models.JobInput{Path: "/tmp/in.json"})
	require.NoError(t, err)

	lines := collect(t, p)
	assert.Equal(t, []models.RawLogLine{
		{Text: "Saved: a.png", Stream: models.StreamStdout},
		{Text: "note", Stream: models.StreamStdout},
		{Text: "Saved: b.png", Stream: models.StreamStdout},
	}, lines)

	status := p.Wait()
	assert.True(t, status.Success())
	assert.Equal(t, 0, status.Code)
}

func TestStartPassesInputAndEnvironment(t *testing.T) {
	pipeline := shellPipeline(t, `echo "$1|$2|$CAMPAIGN_ID|$CAMPAIGN_INPUT|$PIPELINE_OUTPUT_DIR|$GEN_MODE"`)
	exe := NewGenerationExecutor(pipeline, nil)
	t.Setenv("INHERITED_FROM_CALLER", "yes")

	p, err := exe.Start(context.Background(), "k1", models.JobInput{Path: "/data/k1.json"})
	require.NoError(t, err)

	lines := collect(t, p)
	require.Len(t, lines, 1)
	assert.Equal(t, "/data/k1.json|k1|k1|/data/k1.json|output|test", lines[0].Text)
	assert.True(t, p.Wait().Success())

	inherit := shellPipeline(t, `echo "$INHERITED_FROM_CALLER"`)
	p, err = NewGenerationExecutor(inherit, nil).Start(context.Background(), "k1", models.JobInput{})
	require.NoError(t, err)
	assert.Equal(t, "yes", collect(t, p)[0].Text)
	p.Wait()
}

func TestStartSeparatesStderrAndCapturesTail(t *testing.T) {
	pipeline := shellPipeline(t, `echo out; echo e1 >&2; echo e2 >&2; echo e3 >&2; exit 3`)
	exe := NewGenerationExecutor(pipeline, nil)

	p, err := exe.Start(context.Background(), "k", models.JobInput{})
	require.NoError(t, err)

	var stdout, stderr []string
	for _, line := range collect(t, p) {
		if line.Stream == models.StreamStderr {
			stderr = append(stderr, line.Text)
		} else {
			stdout = append(stdout, line.Text)
		}
	}
	assert.Equal(t, []string{"out"}, stdout)
	assert.Equal(t, []string{"e1", "e2", "e3"}, stderr)

	status := p.Wait()
	assert.False(t, status.Success())
	assert.Equal(t, 3, status.Code)
	assert.Equal(t, []string{"e2", "e3"}, status.StderrTail)
	assert.Equal(t, "pipeline exited with code 3: e2\ne3", status.Describe())
}

func TestStartSpawnFailure(t *testing.T) {
	pipeline := &models.Pipeline{
		Command: filepath.Join(t.TempDir(), "does-not-exist"),
	}
	exe := NewGenerationExecutor(pipeline, nil)

	p, err := exe.Start(context.Background(), "k", models.JobInput{})
	assert.Nil(t, p)
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, pipeline.Command, spawnErr.Command)
}

func TestCancelTerminatesJob(t *testing.T) {
	pipeline := shellPipeline(t, `echo started; sleep 30; echo never`)
	exe := NewGenerationExecutor(pipeline, nil)

	p, err := exe.Start(context.Background(), "k", models.JobInput{})
	require.NoError(t, err)

	first := <-p.Lines()
	assert.Equal(t, "started", first.Text)

	start := time.Now()
	p.Cancel()
	lines := collect(t, p)
	status := p.Wait()

	assert.Empty(t, lines)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, status.Cancelled)
	assert.False(t, status.Success())
	assert.Equal(t, "pipeline cancelled", status.Describe())

	p.Cancel()
}

func TestContextCancellationTerminatesJob(t *testing.T) {
	pipeline := shellPipeline(t, `sleep 30`)
	exe := NewGenerationExecutor(pipeline, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := exe.Start(ctx, "k", models.JobInput{})
	require.NoError(t, err)

	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job not terminated after context cancellation")
	}
	assert.True(t, p.Wait().Cancelled)
}

func TestExitStatusDescribeSignal(t *testing.T) {
	status := ExitStatus{Code: -1, Signal: "killed"}
	assert.Equal(t, "pipeline terminated by signal killed", status.Describe())
	assert.False(t, status.Success())
}

func TestOversizedLineIsTruncatedAndReadingContinues(t *testing.T) {
	pipeline := shellPipeline(t, `
head -c 1100000 /dev/zero | tr '\0' x; echo
echo "Saved: a.png"
echo "Saved: b.png"
head -c 1100000 /dev/zero | tr '\0' y >&2; echo >&2
echo after >&2
`)
	exe := NewGenerationExecutor(pipeline, nil)

	p, err := exe.Start(context.Background(), "k", models.JobInput{})
	require.NoError(t, err)

	var stdout, stderr []string
	for _, line := range collect(t, p) {
		if line.Stream == models.StreamStderr {
			stderr = append(stderr, line.Text)
		} else {
			stdout = append(stdout, line.Text)
		}
	}

	require.Len(t, stdout, 4)
	assert.Len(t, stdout[0], maxLineBytes)
	assert.Equal(t, strings.Repeat("x", maxLineBytes), stdout[0])
	assert.Contains(t, stdout[1], "truncated")
	assert.Equal(t, []string{"Saved: a.png", "Saved: b.png"}, stdout[2:])

	require.Len(t, stderr, 3)
	assert.Contains(t, stderr[1], "truncated")
	assert.Equal(t, "after", stderr[2])

	status := p.Wait()
	assert.True(t, status.Success())
	require.Len(t, status.StderrTail, 2)
	assert.Len(t, status.StderrTail[0], maxTailLineBytes)
	assert.Equal(t, "after", status.StderrTail[1])
}

func TestJobExitDoesNotWaitForBackgroundChildren(t *testing.T) {
	pipeline := shellPipeline(t, `sleep 30 & echo "Saved: a.png"; exit 0`)
	exe := NewGenerationExecutor(pipeline, nil)

	start := time.Now()
	p, err := exe.Start(context.Background(), "k", models.JobInput{})
	require.NoError(t, err)

	lines := collect(t, p)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job still running after its own process exited")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []models.RawLogLine{{Text: "Saved: a.png", Stream: models.StreamStdout}}, lines)

	status := p.Wait()
	assert.True(t, status.Success())
	assert.False(t, status.Cancelled)
}

func TestCleanExitWinsOverLateCancel(t *testing.T) {
	p := &Process{tail: newTailBuffer(2)}
	p.cancelled.Store(true)

	status := p.exitStatus(nil)
	assert.True(t, status.Success())
	assert.False(t, status.Cancelled)

	killed := p.exitStatus(errors.New("signal: killed"))
	assert.True(t, killed.Cancelled)
	assert.Equal(t, "pipeline cancelled: signal: killed", killed.Describe())
}
