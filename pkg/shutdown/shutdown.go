package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/logging"
)

// Manager coordinates graceful teardown of a run: the run context is
// cancelled first so the work unit gets its SIGTERM, then registered
// cleanups (lease release, ledger close, metrics server) run in LIFO order.
type Manager struct {
	cleanups []func(context.Context) error
	mu       sync.Mutex
	timeout  time.Duration
	log      *logging.Logger
	done     chan struct{}
	once     sync.Once
}

// New creates a shutdown manager with a teardown deadline.
func New(timeout time.Duration, log *logging.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup. Cleanups run in reverse registration order.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Notify cancels the returned context when SIGTERM or SIGINT arrives. The
// caller passes this context to the run so the work unit is torn down
// through the normal termination path.
func (m *Manager) Notify(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-sigCh:
			if m.log != nil {
				m.log.Warn("shutdown signal received", map[string]interface{}{"signal": sig.String()})
			}
			m.once.Do(func() { close(m.done) })
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// Done is closed once a shutdown signal has been observed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Shutdown runs the registered cleanups, newest first, under the teardown
// deadline. Errors are logged, not propagated: teardown keeps going.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.cleanups) - 1; i >= 0; i-- {
		if err := m.cleanups[i](ctx); err != nil && m.log != nil {
			m.log.Error("cleanup failed", map[string]interface{}{"index": i, "error": err.Error()})
		}
	}
}

// CloseResource wraps an io.Closer as a cleanup.
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}

// StopServer wraps anything with a context Shutdown method as a cleanup.
func StopServer(server interface {
	Shutdown(context.Context) error
}, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s: %w", name, err)
		}
		return nil
	}
}
