package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/clock"
)

type window struct {
	mu       sync.Mutex
	attempts []time.Time
	// dead is set once sweep has removed the window from the map
	dead bool
}

// prune drops attempts at or before cutoff; callers hold mu
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.attempts) && !w.attempts[i].After(cutoff) {
		i++
	}
	w.attempts = w.attempts[i:]
}

// LocalLimiter is an in-process sliding-window limiter for single-instance
// deployments and tests
type LocalLimiter struct {
	config  Config
	clock   clock.Clock
	windows sync.Map
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLocalLimiter creates a LocalLimiter and starts its cleanup goroutine.
// Call Stop to release it.
func NewLocalLimiter(config Config, clk clock.Clock) *LocalLimiter {
	if clk == nil {
		clk = clock.NewSystem()
	}
	l := &LocalLimiter{
		config: config.withDefaults(),
		clock:  clk,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *LocalLimiter) Check(ctx context.Context, requesterID, resourceID string) (bool, error) {
	now := l.clock.Now()
	w := l.lockWindow(l.config.key(requesterID, resourceID))
	defer w.mu.Unlock()

	w.prune(now.Add(-l.config.Window))
	if len(w.attempts) >= l.config.Limit {
		return false, nil
	}
	w.attempts = append(w.attempts, now)
	return true, nil
}

// lockWindow returns the live window for key with its mutex held. A window
// loaded just before sweep removed it is dead by the time the lock is won,
// so the lookup is repeated against the map.
func (l *LocalLimiter) lockWindow(key string) *window {
	for {
		v, _ := l.windows.LoadOrStore(key, &window{})
		w := v.(*window)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// sweep removes windows with no attempts after cutoff
func (l *LocalLimiter) sweep(cutoff time.Time) {
	l.windows.Range(func(key, value interface{}) bool {
		w := value.(*window)
		w.mu.Lock()
		w.prune(cutoff)
		if len(w.attempts) == 0 {
			w.dead = true
			l.windows.CompareAndDelete(key, w)
		}
		w.mu.Unlock()
		return true
	})
}

// cleanup periodically removes empty windows
func (l *LocalLimiter) cleanup() {
	defer close(l.done)
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(l.clock.Now().Add(-l.config.Window))
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to exit
func (l *LocalLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}
