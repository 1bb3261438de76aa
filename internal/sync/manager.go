package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-ledger/internal/extract"
)

var (
	ErrAlreadyRunning = errors.New("sync already running for sink")
	ErrStopped        = errors.New("sync manager stopped")
)

// Manager owns the runners of every configured kind and keeps runs against
// the same sink from overlapping.
type Manager struct {
	log     logrus.FieldLogger
	runners map[string]*Runner

	mu      sync.Mutex
	running map[string]string // sink id -> kind
	cancels map[string]*bgRun // kind -> background run
	last    map[string]Report
	stopped bool
	wg      sync.WaitGroup // one per acquired sink
}

// bgRun is compared by identity so a finished run never drops the cancel
// func of a newer run of the same kind.
type bgRun struct {
	cancel context.CancelFunc
}

// NewManager creates a sync manager
func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		log:     log,
		runners: make(map[string]*Runner),
		running: make(map[string]string),
		cancels: make(map[string]*bgRun),
		last:    make(map[string]Report),
	}
}

// Add registers a runner under its kind
func (m *Manager) Add(r *Runner) error {
	kind := r.Kind()
	if _, exists := m.runners[kind]; exists {
		return fmt.Errorf("runner for %q already registered", kind)
	}
	m.runners[kind] = r
	return nil
}

// Kinds returns the registered kinds in sorted order
func (m *Manager) Kinds() []string {
	kinds := make([]string, 0, len(m.runners))
	for k := range m.runners {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Run performs an incremental sync of kind
func (m *Manager) Run(ctx context.Context, kind string) (Report, error) {
	return m.do(ctx, kind, (*Runner).Run)
}

// Resync performs a full resync of kind
func (m *Manager) Resync(ctx context.Context, kind string) (Report, error) {
	return m.do(ctx, kind, (*Runner).Resync)
}

// RunAll syncs every registered kind in turn. A failing kind does not stop the rest.
func (m *Manager) RunAll(ctx context.Context) []Report {
	var reports []Report
	for _, kind := range m.Kinds() {
		if ctx.Err() != nil {
			break
		}
		rep, err := m.Run(ctx, kind)
		if errors.Is(err, ErrStopped) {
			break
		}
		if errors.Is(err, ErrAlreadyRunning) {
			m.log.WithField("source", kind).Warn("skipping, sync already running")
			continue
		}
		reports = append(reports, rep)
	}
	return reports
}

// Start runs kind in the background. It fails fast when the sink is busy.
func (m *Manager) Start(ctx context.Context, kind string, full bool) error {
	r, err := m.runner(kind)
	if err != nil {
		return err
	}
	if err := m.acquire(r); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &bgRun{cancel: cancel}
	m.mu.Lock()
	m.cancels[kind] = run
	m.mu.Unlock()

	go func() {
		defer cancel()
		fn := (*Runner).Run
		if full {
			fn = (*Runner).Resync
		}
		rep, _ := fn(r, runCtx)
		m.release(r, run, rep)
	}()
	return nil
}

// Schedule runs RunAll immediately and then every interval until ctx is done
func (m *Manager) Schedule(ctx context.Context, interval time.Duration) {
	m.RunAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			m.RunAll(ctx)
		}
	}
}

// StopAll cancels every background run and waits for all runs in progress
// to finish. Later runs fail with ErrStopped.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.stopped = true
	for kind, run := range m.cancels {
		m.log.WithField("source", kind).Info("stopping sync")
		run.cancel()
	}
	m.cancels = make(map[string]*bgRun)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning reports whether a run of kind is in progress
func (m *Manager) IsRunning(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.running {
		if k == kind {
			return true
		}
	}
	return false
}

// Running returns the kinds currently syncing
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.running))
	for _, k := range m.running {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Last returns the most recent report of kind, if any
func (m *Manager) Last(kind string) (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.last[kind]
	return rep, ok
}

func (m *Manager) do(ctx context.Context, kind string, fn func(*Runner, context.Context) (Report, error)) (Report, error) {
	r, err := m.runner(kind)
	if err != nil {
		return Report{}, err
	}
	if err := m.acquire(r); err != nil {
		return Report{}, err
	}
	rep, err := fn(r, ctx)
	m.release(r, nil, rep)
	return rep, err
}

func (m *Manager) runner(kind string) (*Runner, error) {
	r, ok := m.runners[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", extract.ErrUnknownKind, kind)
	}
	return r, nil
}

func sinkKey(r *Runner) string {
	if r.SinkID != "" {
		return r.SinkID
	}
	return r.Kind()
}

func (m *Manager) acquire(r *Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	key := sinkKey(r)
	if holder, busy := m.running[key]; busy {
		return fmt.Errorf("%w: %s (held by %s)", ErrAlreadyRunning, key, holder)
	}
	m.running[key] = r.Kind()
	m.wg.Add(1)
	return nil
}

// release frees the sink of r. run is the background run being finished, if any.
func (m *Manager) release(r *Runner, run *bgRun, rep Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run != nil && m.cancels[r.Kind()] == run {
		delete(m.cancels, r.Kind())
	}
	delete(m.running, sinkKey(r))
	m.last[r.Kind()] = rep
	m.wg.Done()
}
