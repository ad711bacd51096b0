package monitoring

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"campaign-pipeline/core/models"
)

// Terminator is anything the watchdog can forcibly stop
type Terminator interface {
	Cancel()
}

// SilenceWatchdog terminates runs whose job stops producing output
type SilenceWatchdog struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewSilenceWatchdog creates a watchdog. A zero timeout disables it.
func NewSilenceWatchdog(timeout time.Duration, logger *slog.Logger) *SilenceWatchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SilenceWatchdog{
		timeout: timeout,
		logger:  logger,
	}
}

// Timeout returns the configured silence limit
func (w *SilenceWatchdog) Timeout() time.Duration {
	return w.timeout
}

// Watch starts monitoring target. Call Touch on every line of output and
// Stop once the run ends.
func (w *SilenceWatchdog) Watch(ctx context.Context, key models.CampaignRunKey, target Terminator) *Watch {
	watch := &Watch{
		activity: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if w.timeout <= 0 {
		return watch
	}

	go func() {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-watch.stop:
				return
			case <-watch.activity:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.timeout)
			case <-timer.C:
				watch.fired.Store(true)
				w.logger.Warn("generation job silent, terminating", "campaign", string(key), "timeout", w.timeout.String())
				target.Cancel()
				return
			}
		}
	}()
	return watch
}

// Watch is the monitoring state of one run
type Watch struct {
	activity chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	fired    atomic.Bool
}

// Touch records output activity
func (w *Watch) Touch() {
	select {
	case w.activity <- struct{}{}:
	default:
	}
}

// Stop ends monitoring
func (w *Watch) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Fired reports whether the watchdog terminated the run
func (w *Watch) Fired() bool {
	return w.fired.Load()
}
