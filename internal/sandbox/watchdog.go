package sandbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ExitLimitExceeded is the status of a sandbox stopped by its watchdog.
const ExitLimitExceeded = 152

var ErrLimitExceeded = errors.New("sandbox: cpu budget exceeded")

// Watchdog polls process CPU usage. Once Budget is spent it interrupts
// the guest, gives the registered cleanup up to Grace to finish and then
// terminates the process.
type Watchdog struct {
	Budget   time.Duration
	Grace    time.Duration
	Interval time.Duration
	Usage    func() (time.Duration, error)
	Exit     func(code int)

	mu      sync.Mutex
	cleanup func()
}

func (w *Watchdog) withDefaults() {
	if w.Grace <= 0 {
		w.Grace = 2 * time.Second
	}
	if w.Interval <= 0 {
		w.Interval = 250 * time.Millisecond
	}
	if w.Usage == nil {
		w.Usage = ProcessCPUTime
	}
	if w.Exit == nil {
		w.Exit = os.Exit
	}
}

// SetCleanup replaces the callback run on expiry. Only the last one
// registered runs.
func (w *Watchdog) SetCleanup(fn func()) {
	w.mu.Lock()
	w.cleanup = fn
	w.mu.Unlock()
}

// Run watches until ctx is done or the budget is spent. interrupt is
// called first on expiry.
func (w *Watchdog) Run(ctx context.Context, interrupt func()) error {
	w.withDefaults()
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		used, err := w.Usage()
		if err != nil {
			log.Warn().Err(err).Msg("sandbox.Watchdog.Run usage unavailable")
			continue
		}
		if used < w.Budget {
			continue
		}
		log.Error().Dur("used", used).Dur("budget", w.Budget).Msg("sandbox.Watchdog.Run budget exceeded")
		if interrupt != nil {
			interrupt()
		}
		w.runCleanup()
		w.Exit(ExitLimitExceeded)
		return ErrLimitExceeded
	}
}

func (w *Watchdog) runCleanup() {
	w.mu.Lock()
	fn := w.cleanup
	w.mu.Unlock()
	if fn == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Msg("sandbox.Watchdog.runCleanup panicked")
			}
		}()
		fn()
	}()
	select {
	case <-done:
	case <-time.After(w.Grace):
		log.Warn().Dur("grace", w.Grace).Msg("sandbox.Watchdog.runCleanup grace expired")
	}
}
