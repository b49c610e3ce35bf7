// Package runner schedules session runs: a bounded priority queue feeds a
// fixed pool of supervisor slots. A slot frees as soon as its session pauses
// for input, not when the child exits, so paused sessions do not starve the
// queue.
package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/session/supervisor"
)

// StartParams are the spawn parameters carried by a run request.
type StartParams = supervisor.StartOptions

// Factory builds a supervisor for one session run. The runner owns the
// returned supervisor's lifecycle.
type Factory func(ctx context.Context, sessionID string) (*supervisor.Supervisor, error)

// Runner dispatches queued run requests into supervisor slots.
type Runner struct {
	queue   *Queue
	slots   *semaphore.Weighted
	factory Factory
	logger  *logger.Logger

	wake chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*supervisor.Supervisor
}

// New creates a runner with cfg.Slots concurrent slots and a cfg.QueueSize
// deep queue.
func New(cfg config.SessionConfig, factory Factory, log *logger.Logger) *Runner {
	slots := cfg.Slots
	if slots <= 0 {
		slots = 1
	}
	return &Runner{
		queue:   NewQueue(cfg.QueueSize),
		slots:   semaphore.NewWeighted(int64(slots)),
		factory: factory,
		logger:  log.WithFields(zap.String("component", "runner")),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		active:  make(map[string]*supervisor.Supervisor),
	}
}

// Start launches the dispatch loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Submit enqueues a run request.
func (r *Runner) Submit(req *Request) error {
	if err := r.queue.Enqueue(req); err != nil {
		return err
	}
	r.logger.Debug("run request queued",
		zap.String("session_id", req.SessionID),
		zap.String("reason", req.Reason),
		zap.Int("queue_len", r.queue.Len()))
	r.notify()
	return nil
}

// Requeue re-enqueues a session after a restart-flagged exit. Used as the
// supervisor's requeue hook; errors are logged, not returned, because the
// caller is an exit handler with nobody to report to.
func (r *Runner) Requeue(sessionID string) {
	err := r.Submit(&Request{SessionID: sessionID, Priority: 10, Reason: "restart"})
	if err != nil {
		r.logger.Error("failed to requeue session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// CancelQueued drops a session that has not started yet.
func (r *Runner) CancelQueued(sessionID string) bool {
	return r.queue.Remove(sessionID)
}

// Queued reports whether the session is waiting for a slot.
func (r *Runner) Queued(sessionID string) bool {
	return r.queue.Contains(sessionID)
}

// Active returns the supervisor currently running the session, if any.
func (r *Runner) Active(sessionID string) (*supervisor.Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.active[sessionID]
	return sup, ok
}

// ActiveCount returns the number of tracked supervisors.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// QueueLen returns the number of waiting requests.
func (r *Runner) QueueLen() int {
	return r.queue.Len()
}

func (r *Runner) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
		}
		r.dispatch()
	}
}

// dispatch starts queued requests while both a request and a slot exist.
func (r *Runner) dispatch() {
	for {
		if r.queue.Len() == 0 {
			return
		}
		if !r.slots.TryAcquire(1) {
			return
		}
		req := r.queue.Dequeue()
		if req == nil {
			r.slots.Release(1)
			return
		}
		r.wg.Add(1)
		go r.run(req)
	}
}

func (r *Runner) run(req *Request) {
	defer r.wg.Done()

	ctx := context.Background()
	sup, err := r.factory(ctx, req.SessionID)
	if err != nil {
		r.logger.Error("failed to build supervisor",
			zap.String("session_id", req.SessionID), zap.Error(err))
		r.slots.Release(1)
		return
	}

	r.mu.Lock()
	r.active[req.SessionID] = sup
	r.mu.Unlock()

	// Every Start path resolves both futures, including claim conflicts
	// and spawn failures, so these waiters always finish.
	go func() {
		<-sup.SlotReleased()
		r.slots.Release(1)
		r.notify()
	}()
	go func() {
		<-sup.Exited()
		r.mu.Lock()
		if cur, ok := r.active[req.SessionID]; ok && cur == sup {
			delete(r.active, req.SessionID)
		}
		r.mu.Unlock()
	}()

	if err := sup.Start(ctx, req.Start); err != nil {
		r.logger.Error("session run failed to start",
			zap.String("session_id", req.SessionID),
			zap.String("reason", req.Reason),
			zap.Error(err))
	}
}

// Shutdown stops dispatching, terminates every active session gracefully,
// and waits for their exits within the context deadline.
func (r *Runner) Shutdown(ctx context.Context) {
	r.once.Do(func() { close(r.stop) })

	r.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(r.active))
	for _, sup := range r.active {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	for _, sup := range sups {
		sup.Terminate()
	}
	for _, sup := range sups {
		if err := sup.WaitForExit(ctx); err != nil {
			r.logger.Warn("session did not exit before shutdown deadline",
				zap.String("session_id", sup.SessionID()))
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
