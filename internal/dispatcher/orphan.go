package dispatcher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// PendingAgentTask is the minimal shape the orphan monitor needs to
// re-submit a task the engine never enqueued (e.g. after a restart).
type PendingAgentTask struct {
	TaskID     string
	InstanceID string
	Submission Submission
}

// OrphanSource is implemented by the repository: list AGENT tasks still
// PENDING, and report whether their owning instance is still active.
type OrphanSource interface {
	ListPendingAgentTasks(ctx context.Context, limit int) ([]PendingAgentTask, error)
	InstanceActive(ctx context.Context, instanceID string) (bool, error)
}

// OrphanMonitor periodically re-submits PENDING agent tasks that were
// never enqueued, backing its polling cadence off exponentially whenever
// a scan finds nothing to do.
type OrphanMonitor struct {
	dispatcher *Dispatcher
	source     OrphanSource

	baseDelay time.Duration
	maxDelay  time.Duration
	limit     int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewOrphanMonitor creates a monitor polling at baseDelay, backing off to
// maxDelay when idle.
func NewOrphanMonitor(d *Dispatcher, source OrphanSource, baseDelay, maxDelay time.Duration, limit int) *OrphanMonitor {
	if limit <= 0 {
		limit = 100
	}
	return &OrphanMonitor{
		dispatcher: d,
		source:     source,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		limit:      limit,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the poll loop in a goroutine.
func (m *OrphanMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop signals the loop to exit and waits for it.
func (m *OrphanMonitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *OrphanMonitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	attempt := 0
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		found := m.scanOnce(ctx)
		if found > 0 {
			attempt = 0
		} else {
			attempt++
		}
		delay := backoff(attempt, m.baseDelay, m.maxDelay)

		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *OrphanMonitor) scanOnce(ctx context.Context) int {
	tasks, err := m.source.ListPendingAgentTasks(ctx, m.limit)
	if err != nil {
		log.WithError(err).Warn("orphan task scan failed")
		return 0
	}

	enqueued := 0
	for _, t := range tasks {
		active, err := m.source.InstanceActive(ctx, t.InstanceID)
		if err != nil || !active {
			continue
		}
		m.dispatcher.Submit(t.Submission)
		enqueued++
	}
	if enqueued > 0 {
		log.WithField("count", enqueued).Debug("orphan agent tasks re-enqueued")
	}
	return enqueued
}
