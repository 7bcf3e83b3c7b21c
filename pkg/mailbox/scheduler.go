// Package mailbox implements the actor/mailbox runtime from §4.A: serial
// per-actor work queues scheduled over a small shared thread pool, plus a
// single-threaded timer wheel for delayed enqueues.
//
// Grounded on original_source/src/util/ThreadedMailbox.cc/.hh (Scheduler,
// ThreadedMailbox, the weak-proxy pattern against use-after-free) and
// LiteCore/Support/Timer.cc/.hh (Timer::Manager's ordered multimap +
// condition variable), translated into goroutines, channels, and
// sync.Mutex/sync.Cond rather than a native thread pool.
package mailbox

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/corepeer/peersync/pkg/log"
)

// Task is a unit of work enqueued on a Mailbox.
type Task func()

// ExceptionHandler is invoked when a Task panics; the default logs and
// continues, matching the "default logs and continues" failure model.
type ExceptionHandler func(actor string, r any)

// DefaultExceptionHandler logs the panic via the package logger.
func DefaultExceptionHandler(actor string, r any) {
	log.WithComponent("mailbox").Error().
		Str("actor", actor).
		Interface("panic", r).
		Msg("mailbox task panicked; actor continues")
}

// SchedulerStats reports scheduler load for metrics scraping.
type SchedulerStats struct {
	QueueDepth    int
	ActiveActors  int
	WorkerCount   int
}

// Scheduler runs Mailboxes over a fixed-size worker pool sized to
// hardware concurrency (minimum 2), matching the concurrency model.
type Scheduler struct {
	workCh chan *Mailbox
	group  *errgroup.Group

	onException ExceptionHandler

	mu      sync.Mutex
	boxes   map[*Mailbox]struct{}
	closed  bool
	workers int
}

// NewScheduler creates and starts a Scheduler. workers <= 0 selects
// runtime.NumCPU(), clamped to a minimum of 2.
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 2 {
		workers = 2
	}
	s := &Scheduler{
		workCh:      make(chan *Mailbox, 1024),
		group:       new(errgroup.Group),
		onException: DefaultExceptionHandler,
		boxes:       make(map[*Mailbox]struct{}),
		workers:     workers,
	}
	for i := 0; i < workers; i++ {
		s.group.Go(s.runWorker)
	}
	return s
}

// SetExceptionHandler overrides the panic handler used for tasks on
// mailboxes created by this scheduler.
func (s *Scheduler) SetExceptionHandler(h ExceptionHandler) {
	if h == nil {
		h = DefaultExceptionHandler
	}
	s.onException = h
}

// NewMailbox creates a Mailbox bound to this scheduler, identified by name
// (used only for logging/diagnostics).
func (s *Scheduler) NewMailbox(name string) *Mailbox {
	mb := &Mailbox{
		name:      name,
		scheduler: s,
		queue:     make([]Task, 0, 8),
	}
	s.mu.Lock()
	s.boxes[mb] = struct{}{}
	s.mu.Unlock()
	return mb
}

// runWorker is the body of one pool worker: pull a mailbox that has
// runnable work, drain one task, and if more work remains, requeue the
// mailbox so other mailboxes get a turn (cooperative round robin).
func (s *Scheduler) runWorker() error {
	for mb := range s.workCh {
		mb.runOne(s.onException)
	}
	return nil
}

// schedule is called by a Mailbox when it transitions from empty to
// non-empty (or has more work after running one task); it hands the
// mailbox to a worker. The closed check and the send share s.mu with
// Shutdown's close(s.workCh), so a Shutdown racing a schedule can never
// land between the check and the send on s.workCh.
func (s *Scheduler) schedule(mb *Mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.workCh <- mb
}

// Stats reports current queue depth (sum across mailboxes) and active
// mailbox count, for pkg/metrics to scrape.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	active := 0
	for mb := range s.boxes {
		n := mb.queueLen()
		depth += n
		if n > 0 {
			active++
		}
	}
	return SchedulerStats{QueueDepth: depth, ActiveActors: active, WorkerCount: s.workers}
}

// Shutdown stops accepting new scheduling requests and waits for all
// in-flight worker goroutines to drain their current task. Queued-but-not-
// yet-running tasks are abandoned, matching "no first-class cancellation"
// — callers needing a clean drain should stop enqueueing and wait for their
// own completion signal before calling Shutdown.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.workCh)
	s.mu.Unlock()
	_ = s.group.Wait() // workers never return a non-nil error
}
