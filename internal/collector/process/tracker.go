package process

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

// Tracker owns the set of known worker processes. Workers are children of
// the supervisor, which is the nearest proper ancestor of the agent whose name
// contains the supervisor marker. The agent itself is a child of the
// supervisor and is never tracked as a worker.
type Tracker struct {
	src    Source
	marker string
	logger *slog.Logger

	mu          sync.Mutex
	self        Process
	supervisor  Process
	coordinator Process
	workers     map[Identity]Process
}

// NewTracker creates a Tracker that identifies the supervisor by marker.
func NewTracker(src Source, marker string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		src:     src,
		marker:  marker,
		logger:  logger.With("component", "collector.process"),
		workers: make(map[Identity]Process),
	}
}

// Supervisor returns the supervisor handle, or nil when it cannot be found
// or is no longer alive.
func (t *Tracker) Supervisor() Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supervisorLocked()
}

func (t *Tracker) supervisorLocked() Process {
	if t.supervisor == nil {
		t.supervisor = t.findSupervisor()
		if t.supervisor == nil {
			return nil
		}
	}

	// Reparented to init, or left as a zombie: treat as gone and rescan next time.
	if t.supervisor.PID() <= 1 {
		t.supervisor = nil
		return nil
	}
	zombie, err := t.supervisor.IsZombie()
	if err != nil || zombie {
		t.supervisor = nil
		return nil
	}
	return t.supervisor
}

func (t *Tracker) findSupervisor() Process {
	self := t.selfLocked()
	if self == nil {
		return nil
	}
	curr, err := self.Parent()
	if err != nil {
		t.logger.Debug("failed to read parent process", "pid", self.PID(), "error", err)
		return nil
	}
	for curr != nil && curr.PID() > 1 {
		name, err := curr.Name()
		if err != nil {
			t.logger.Debug("failed to read process name", "pid", curr.PID(), "error", err)
			return nil
		}
		if strings.Contains(name, t.marker) {
			return curr
		}
		parent, err := curr.Parent()
		if err != nil {
			t.logger.Debug("failed to read parent process", "pid", curr.PID(), "error", err)
			return nil
		}
		curr = parent
	}
	return nil
}

func (t *Tracker) selfLocked() Process {
	if t.self != nil {
		return t.self
	}
	self, err := t.src.Self()
	if err != nil {
		t.logger.Debug("failed to resolve own process", "error", err)
		return nil
	}
	t.self = self
	return self
}

// Workers reconciles the tracked set against the supervisor's live children
// and returns a sample for every surviving worker, ordered by pid. It returns
// an empty list when the supervisor cannot be found.
func (t *Tracker) Workers() []model.ProcessStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	supervisor := t.supervisorLocked()
	if supervisor == nil {
		return []model.ProcessStats{}
	}

	children, err := supervisor.Children()
	if err != nil {
		t.logger.Debug("failed to list supervisor children", "pid", supervisor.PID(), "error", err)
		return []model.ProcessStats{}
	}

	live := make(map[Identity]Process, len(children))
	for _, c := range children {
		id, err := identityOf(c)
		if err != nil {
			continue
		}
		live[id] = c
	}

	for id := range t.workers {
		if _, ok := live[id]; !ok {
			delete(t.workers, id)
		}
	}
	// Existing handles win so CPU deltas stay continuous.
	for id, p := range live {
		if _, ok := t.workers[id]; !ok {
			t.workers[id] = p
		}
	}
	if self := t.selfLocked(); self != nil {
		if id, err := identityOf(self); err == nil {
			delete(t.workers, id)
		}
	}

	ids := make([]Identity, 0, len(t.workers))
	for id := range t.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].PID < ids[j].PID })

	result := make([]model.ProcessStats, 0, len(ids))
	for _, id := range ids {
		w := t.workers[id]
		zombie, err := w.IsZombie()
		if err != nil || zombie {
			continue
		}
		stats, err := w.Sample()
		if err != nil {
			if !vanished(err) {
				t.logger.Debug("failed to sample worker", "pid", id.PID, "error", err)
			}
			continue
		}
		result = append(result, stats)
	}
	return result
}

// Tracked returns the number of workers in the tracked set.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.workers)
}

// Identities returns the identities in the tracked set.
func (t *Tracker) Identities() []Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]Identity, 0, len(t.workers))
	for id := range t.workers {
		ids = append(ids, id)
	}
	return ids
}

// SupervisorStats samples the supervisor, or returns nil when it is gone.
func (t *Tracker) SupervisorStats() *model.ProcessStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sample(t.supervisorLocked())
}

// AgentStats samples the agent's own process.
func (t *Tracker) AgentStats() *model.ProcessStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sample(t.selfLocked())
}

// CoordinatorStats samples the cluster coordinator running as pid. The handle
// is cached while the pid stays the same.
func (t *Tracker) CoordinatorStats(pid int32) *model.ProcessStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pid <= 0 {
		t.coordinator = nil
		return nil
	}
	if t.coordinator == nil || t.coordinator.PID() != pid {
		p, err := t.src.Lookup(pid)
		if err != nil {
			t.logger.Debug("failed to resolve coordinator process", "pid", pid, "error", err)
			return nil
		}
		t.coordinator = p
	}
	stats := t.sample(t.coordinator)
	if stats == nil {
		t.coordinator = nil
	}
	return stats
}

func (t *Tracker) sample(p Process) *model.ProcessStats {
	if p == nil {
		return nil
	}
	stats, err := p.Sample()
	if err != nil {
		if !vanished(err) {
			t.logger.Debug("failed to sample process", "pid", p.PID(), "error", err)
		}
		return nil
	}
	return &stats
}
