package monitoring

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTerminator struct {
	calls atomic.Int32
}

func (f *fakeTerminator) Cancel() {
	f.calls.Add(1)
}

func TestWatchdogFiresOnSilence(t *testing.T) {
	wd := NewSilenceWatchdog(30*time.Millisecond, nil)
	target := &fakeTerminator{}

	watch := wd.Watch(context.Background(), "k", target)
	defer watch.Stop()

	assert.Eventually(t, func() bool { return target.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, watch.Fired())
}

func TestWatchdogActivityKeepsRunAlive(t *testing.T) {
	wd := NewSilenceWatchdog(80*time.Millisecond, nil)
	target := &fakeTerminator{}

	watch := wd.Watch(context.Background(), "k", target)
	for i := 0; i < 10; i++ {
		time.Sleep(20 * time.Millisecond)
		watch.Touch()
	}
	watch.Stop()
	watch.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, target.calls.Load())
	assert.False(t, watch.Fired())
}

func TestWatchdogDisabled(t *testing.T) {
	wd := NewSilenceWatchdog(0, nil)
	target := &fakeTerminator{}

	watch := wd.Watch(context.Background(), "k", target)
	watch.Touch()
	time.Sleep(20 * time.Millisecond)
	watch.Stop()

	assert.Zero(t, target.calls.Load())
	assert.Zero(t, wd.Timeout())
}

func TestWatchdogStopsWithContext(t *testing.T) {
	wd := NewSilenceWatchdog(50*time.Millisecond, nil)
	target := &fakeTerminator{}

	ctx, cancel := context.WithCancel(context.Background())
	watch := wd.Watch(ctx, "k", target)
	cancel()

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, target.calls.Load())
	watch.Stop()
}
