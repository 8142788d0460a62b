// Package cleanup implements ResourceCleanupManager (spec §4.5): a
// periodic sweep over detached contexts, tracked temp files, and
// registered custom cleaners. Grounded on the teacher's monitor.go
// metricsCleanupWorker/cleanupOldMetrics ticker-loop pattern.
package cleanup

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Cleaner is a registered cleanup callable, run in priority order
// (highest first) on every sweep and on ForceCleanupAll.
type Cleaner struct {
	Name     string
	Priority int
	Fn       func() error
}

// Stats reports the outcome of the manager's work for observability.
type Stats struct {
	SweepsRun      int64
	ContextsSwept  int64
	TempFilesSwept int64
	CleanerErrors  int64
}

// Manager runs the periodic sweep loop and holds the registered cleaners
// and tracked temp files.
type Manager struct {
	interval time.Duration
	ttl      time.Duration

	mu       sync.Mutex
	cleaners []Cleaner
	tempFile map[string]time.Time

	sweepInstances func() int // returns count of contexts removed this sweep

	stats  Stats
	statMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a manager. sweepInstances is invoked on every tick and
// should remove terminal, idle-beyond-TTL contexts from the
// InstanceManager, returning how many it removed.
func New(interval, ttl time.Duration, sweepInstances func() int) *Manager {
	return &Manager{
		interval:       interval,
		ttl:            ttl,
		tempFile:       make(map[string]time.Time),
		sweepInstances: sweepInstances,
		stopCh:         make(chan struct{}),
	}
}

// RegisterCleaner adds a custom cleaner, run in descending priority order.
func (m *Manager) RegisterCleaner(name string, fn func() error, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaners = append(m.cleaners, Cleaner{Name: name, Priority: priority, Fn: fn})
	sort.SliceStable(m.cleaners, func(i, j int) bool { return m.cleaners[i].Priority > m.cleaners[j].Priority })
}

// TrackTempFile records path for TTL-based deletion on a future sweep.
func (m *Manager) TrackTempFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempFile[path] = time.Now()
}

// Start spawns the periodic sweep loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
	log.WithField("interval", m.interval).Debug("cleanup manager started")
}

// Stop signals the loop to drain and waits for it.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	swept := 0
	if m.sweepInstances != nil {
		swept = m.sweepInstances()
	}

	m.mu.Lock()
	now := time.Now()
	var expired []string
	for path, trackedAt := range m.tempFile {
		if now.Sub(trackedAt) >= m.ttl {
			expired = append(expired, path)
		}
	}
	for _, path := range expired {
		delete(m.tempFile, path)
	}
	cleaners := append([]Cleaner(nil), m.cleaners...)
	m.mu.Unlock()

	deleted := 0
	for _, path := range expired {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithFields(log.Fields{"path": path, "error": err}).Warn("failed to delete tracked temp file")
			continue
		}
		deleted++
	}

	cleanerErrs := 0
	for _, c := range cleaners {
		if err := c.Fn(); err != nil {
			cleanerErrs++
			log.WithFields(log.Fields{"cleaner": c.Name, "error": err}).Warn("cleaner failed")
		}
	}

	m.statMu.Lock()
	m.stats.SweepsRun++
	m.stats.ContextsSwept += int64(swept)
	m.stats.TempFilesSwept += int64(deleted)
	m.stats.CleanerErrors += int64(cleanerErrs)
	m.statMu.Unlock()
}

// ForceCleanupAll runs every registered cleaner immediately, regardless of
// the sweep interval, isolating and logging individual failures.
func (m *Manager) ForceCleanupAll() {
	m.mu.Lock()
	cleaners := append([]Cleaner(nil), m.cleaners...)
	m.mu.Unlock()

	for _, c := range cleaners {
		if err := c.Fn(); err != nil {
			log.WithFields(log.Fields{"cleaner": c.Name, "error": err}).Warn("cleaner failed during forced cleanup")
		}
	}
}

// GetStats returns a copy of the running statistics.
func (m *Manager) GetStats() Stats {
	m.statMu.Lock()
	defer m.statMu.Unlock()
	return m.stats
}
