// Package dispatcher implements the AgentTaskDispatcher (spec §4.6): a
// bounded worker pool mediating between the engine and the external AI
// agent service. Grounded on the teacher's internal/task/scheduler.go
// priority-queue worker pool, generalized from task-type dispatch to the
// engine's AGENT task materialization and simplified from a priority heap
// to a plain FIFO list since the spec calls only for FIFO fairness.
package dispatcher

import (
	"container/list"
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aosanya/workflowcore/internal/agentclient"
	"github.com/aosanya/workflowcore/internal/wferrors"
)

// Outcome is delivered to a Subscriber on task completion or failure.
type Outcome struct {
	TaskID   string
	Output   string
	Duration time.Duration
	Err      error
}

// Subscriber receives dispatcher completion callbacks. The engine is one;
// tests may register their own.
type Subscriber interface {
	OnTaskCompleted(taskID, output string, duration time.Duration)
	OnTaskFailed(taskID string, err error)
}

// Submission is everything a worker needs to build and invoke an agent
// call. The engine constructs this directly at materialization time — the
// dispatcher does not read it back from storage, avoiding a repository
// round trip per spec's "bounded in-process service" framing.
type Submission struct {
	TaskID  string
	Request agentclient.Request
	// Timeout overrides the dispatcher's default per-call budget; zero
	// means use the dispatcher default.
	Timeout time.Duration
}

// Config configures the dispatcher.
type Config struct {
	WorkerPoolSize    int           // default 5
	DefaultTimeout    time.Duration // default 120s; 600s when tools are bound
	ToolTimeout       time.Duration
	QueuePopTimeout   time.Duration // bounds queue pop so stop() remains responsive
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:  5,
		DefaultTimeout:  120 * time.Second,
		ToolTimeout:     600 * time.Second,
		QueuePopTimeout: 500 * time.Millisecond,
	}
}

type queuedItem struct {
	sub    Submission
	cancel context.CancelFunc
}

// Dispatcher is the bounded worker pool.
type Dispatcher struct {
	cfg    Config
	client agentclient.Client

	mu       sync.Mutex
	queue    *list.List
	inFlight map[string]context.CancelFunc
	queued   map[string]bool
	notify   chan struct{}

	subs   []Subscriber
	subsMu sync.RWMutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	inProgress int64 // gauge, protected by mu
}

// New creates a dispatcher against client.
func New(cfg Config, client agentclient.Client) *Dispatcher {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 5
	}
	if cfg.QueuePopTimeout <= 0 {
		cfg.QueuePopTimeout = 500 * time.Millisecond
	}
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		queue:    list.New(),
		inFlight: make(map[string]context.CancelFunc),
		queued:   make(map[string]bool),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// RegisterSubscriber adds a completion subscriber.
func (d *Dispatcher) RegisterSubscriber(s Subscriber) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	d.subs = append(d.subs, s)
}

// Start spawns the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.WorkerPoolSize; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	log.WithField("workers", d.cfg.WorkerPoolSize).Debug("agent task dispatcher started")
}

// Stop signals every worker to drain and waits with no bound of its own —
// callers should wrap with a context deadline via StopContext.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// StopContext stops the dispatcher, bounding the wait by ctx.
func (d *Dispatcher) StopContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a task. Idempotent if the task is already queued or
// running.
func (d *Dispatcher) Submit(sub Submission) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queued[sub.TaskID] {
		return
	}
	if _, running := d.inFlight[sub.TaskID]; running {
		return
	}
	d.queued[sub.TaskID] = true
	d.queue.PushBack(queuedItem{sub: sub})

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Cancel best-effort cancels taskID: drops it if queued, signals its
// cancellation token if running.
func (d *Dispatcher) Cancel(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queued[taskID] {
		for e := d.queue.Front(); e != nil; e = e.Next() {
			if e.Value.(queuedItem).sub.TaskID == taskID {
				d.queue.Remove(e)
				delete(d.queued, taskID)
				break
			}
		}
	}
	if cancel, ok := d.inFlight[taskID]; ok {
		cancel()
	}
}

// InProgressCount returns the number of tasks currently IN_PROGRESS, for
// the spec §8 capacity property (at most worker_pool_size concurrently).
func (d *Dispatcher) InProgressCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inProgress
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	logger := log.WithField("worker_id", id)

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		item, ok := d.pop()
		if !ok {
			select {
			case <-d.stopCh:
				return
			case <-d.notify:
				continue
			case <-time.After(d.cfg.QueuePopTimeout):
				continue
			}
		}

		d.runOne(logger, item)
	}
}

func (d *Dispatcher) pop() (queuedItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	front := d.queue.Front()
	if front == nil {
		return queuedItem{}, false
	}
	item := d.queue.Remove(front).(queuedItem)
	delete(d.queued, item.sub.TaskID)
	return item, true
}

func (d *Dispatcher) runOne(logger *log.Entry, item queuedItem) {
	timeout := item.sub.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
		if len(item.sub.Request.Tools) > 0 {
			timeout = d.cfg.ToolTimeout
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	d.mu.Lock()
	d.inFlight[item.sub.TaskID] = cancel
	d.inProgress++
	d.mu.Unlock()

	start := time.Now()
	resp, err := d.client.Invoke(ctx, item.sub.Request)
	cancel()
	duration := time.Since(start)

	d.mu.Lock()
	delete(d.inFlight, item.sub.TaskID)
	d.inProgress--
	d.mu.Unlock()

	if err != nil {
		kind := wferrors.ExternalError
		if ctx.Err() == context.DeadlineExceeded {
			kind = wferrors.Timeout
		} else if ctx.Err() == context.Canceled {
			kind = wferrors.Cancelled
		}
		wrapped := wferrors.Wrap(kind, "agent invocation failed", err)
		logger.WithFields(log.Fields{"task_id": item.sub.TaskID, "kind": kind, "error": err}).Warn("agent task failed")
		d.publishFailed(item.sub.TaskID, wrapped)
		return
	}

	logger.WithFields(log.Fields{"task_id": item.sub.TaskID, "duration": duration}).Debug("agent task completed")
	d.publishCompleted(item.sub.TaskID, resp.OutputText, duration)
}

func (d *Dispatcher) publishCompleted(taskID, output string, duration time.Duration) {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	for _, s := range d.subs {
		s.OnTaskCompleted(taskID, output, duration)
	}
}

func (d *Dispatcher) publishFailed(taskID string, err error) {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	for _, s := range d.subs {
		s.OnTaskFailed(taskID, err)
	}
}

// RunBatch submits every submission and blocks until all have reached a
// terminal outcome, returning them in completion order. Intended for
// synchronous test harnesses only — production callers use subscribers.
func (d *Dispatcher) RunBatch(ctx context.Context, subs []Submission) ([]Outcome, error) {
	results := make(chan Outcome, len(subs))
	collector := &batchSubscriber{results: results}
	d.RegisterSubscriber(collector)

	g, _ := errgroup.WithContext(ctx)
	for _, s := range subs {
		s := s
		g.Go(func() error {
			d.Submit(s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Outcome, 0, len(subs))
	for i := 0; i < len(subs); i++ {
		select {
		case o := <-results:
			out = append(out, o)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

type batchSubscriber struct {
	results chan Outcome
}

func (b *batchSubscriber) OnTaskCompleted(taskID, output string, duration time.Duration) {
	b.results <- Outcome{TaskID: taskID, Output: output, Duration: duration}
}

func (b *batchSubscriber) OnTaskFailed(taskID string, err error) {
	b.results <- Outcome{TaskID: taskID, Err: err}
}

// backoff computes exponential polling backoff for the orphan-task
// recovery monitor, capped at maxDelay.
func backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}
