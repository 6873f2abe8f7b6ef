package eventqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/common/logger"
)

// StateProvider answers liveness questions about tasks. Backed by the
// task state processor with the store as fallback.
type StateProvider interface {
	IsTaskActive(ctx context.Context, taskID string) bool
	IsTaskFinalized(ctx context.Context, taskID string) bool
}

// ManagerConfig tunes queue sizing and eviction.
type ManagerConfig struct {
	// ChildBufferSize bounds every queue buffer.
	ChildBufferSize int
	// FinalizedGracePeriod keeps a closed main around after finalization
	// so late subscribers get a clean closed signal instead of a miss.
	FinalizedGracePeriod time.Duration
	// SweepInterval is how often evictable mains are collected.
	SweepInterval time.Duration
	// OnEvict runs after a finalized task's main queue is swept, so
	// sibling caches (state processor, push configs) can drop the task.
	OnEvict func(taskID string)
}

// Manager owns the taskId to main queue map. Main queues are created
// lazily on first use; each gets a dedicated dispatcher goroutine.
// Finalized queues linger for a grace period and are then swept.
type Manager struct {
	bus      *Bus
	provider StateProvider
	cfg      ManagerConfig
	logger   *logger.Logger

	mu          sync.Mutex
	mains       map[string]*MainQueue
	finalizedAt map[string]time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a stopped manager. Call Start before use.
func NewManager(bus *Bus, provider StateProvider, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.ChildBufferSize <= 0 {
		cfg.ChildBufferSize = DefaultBufferSize
	}
	if cfg.FinalizedGracePeriod <= 0 {
		cfg.FinalizedGracePeriod = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		bus:         bus,
		provider:    provider,
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "queue_manager")),
		mains:       make(map[string]*MainQueue),
		finalizedAt: make(map[string]time.Time),
	}
}

// Start launches the sweep loop. Dispatcher goroutines inherit the run
// context, so Stop tears down every queue.
func (m *Manager) Start() {
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop cancels all dispatchers and the sweep loop, then waits for them.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CreateOrTap returns a tap on the task's main queue, creating the main
// if it does not exist. Returns nil when the task is already finalized
// and its queue has closed.
func (m *Manager) CreateOrTap(ctx context.Context, taskID string) *ChildQueue {
	m.mu.Lock()
	main, ok := m.mains[taskID]
	m.mu.Unlock()

	if ok {
		if tap := main.Tap(); tap != nil {
			return tap
		}
		// Main exists but closed. A finalized task stays closed.
		if m.provider != nil && m.provider.IsTaskFinalized(ctx, taskID) {
			return nil
		}
	}
	if m.provider != nil && m.provider.IsTaskFinalized(ctx, taskID) {
		return nil
	}
	return m.create(taskID).Tap()
}

// Tap opens a tap on an existing main queue. Returns nil when there is no
// open main for the task.
func (m *Manager) Tap(taskID string) *ChildQueue {
	m.mu.Lock()
	main, ok := m.mains[taskID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return main.Tap()
}

// Get returns the task's main queue for the producer side, or nil.
func (m *Manager) Get(taskID string) *MainQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mains[taskID]
}

// GetOrCreate returns the task's main queue, creating it if needed. Used
// by the producer side when submitting a new task.
func (m *Manager) GetOrCreate(taskID string) *MainQueue {
	m.mu.Lock()
	if main, ok := m.mains[taskID]; ok {
		m.mu.Unlock()
		return main
	}
	m.mu.Unlock()
	return m.create(taskID)
}

// Close closes the task's main queue and all its taps.
func (m *Manager) Close(taskID string, immediate bool) {
	m.mu.Lock()
	main, ok := m.mains[taskID]
	m.mu.Unlock()
	if ok {
		main.Close(immediate)
	}
}

// NotifyFinalized records the task's finalization time so its main can be
// swept after the grace period. Wired as the bus's onTaskFinalized hook.
func (m *Manager) NotifyFinalized(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.finalizedAt[taskID]; !ok {
		m.finalizedAt[taskID] = time.Now()
	}
}

func (m *Manager) create(taskID string) *MainQueue {
	m.mu.Lock()
	if main, ok := m.mains[taskID]; ok && !main.isClosed() {
		// Raced with another creator; reuse theirs.
		m.mu.Unlock()
		return main
	}
	main := NewMainQueue(taskID, m.cfg.ChildBufferSize)
	m.mains[taskID] = main
	delete(m.finalizedAt, taskID)
	m.mu.Unlock()

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.bus.Dispatch(ctx, main)
	}()
	return main
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep evicts mains that finalized longer than the grace period ago.
func (m *Manager) sweep(now time.Time) {
	var evicted []string
	m.mu.Lock()
	for taskID, at := range m.finalizedAt {
		if now.Sub(at) < m.cfg.FinalizedGracePeriod {
			continue
		}
		if main, ok := m.mains[taskID]; ok {
			main.Close(true)
			delete(m.mains, taskID)
		}
		delete(m.finalizedAt, taskID)
		evicted = append(evicted, taskID)
		m.logger.Debug("Swept finalized task queue", zap.String("task_id", taskID))
	}
	m.mu.Unlock()

	if m.cfg.OnEvict != nil {
		for _, taskID := range evicted {
			m.cfg.OnEvict(taskID)
		}
	}
}
