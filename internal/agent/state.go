package agent

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// AgentState represents the current lifecycle state of the agent.
type AgentState string

// Agent lifecycle states.
const (
	StateStarting AgentState = "starting"
	StateRunning  AgentState = "running"
	// StateDegraded means recent cycles failed; the loop keeps going.
	StateDegraded AgentState = "degraded"
	StateStopped  AgentState = "stopped"
)

// degradedAfter is the number of consecutive failed cycles that marks the
// agent degraded.
const degradedAfter = 3

// StateMachine tracks the agent's lifecycle state from cycle outcomes.
type StateMachine struct {
	mu          sync.RWMutex
	state       AgentState
	stateReason string
	failures    int
	lastSuccess time.Time
	clock       clock.PassiveClock
}

// NewStateMachine creates a StateMachine starting in StateStarting.
func NewStateMachine(clk clock.PassiveClock) *StateMachine {
	return &StateMachine{
		state: StateStarting,
		clock: clk,
	}
}

// State returns the current agent state.
func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// StateReason returns the human-readable reason for the current state.
func (sm *StateMachine) StateReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stateReason
}

// TransitionTo directly sets the agent state with a reason.
func (sm *StateMachine) TransitionTo(state AgentState, reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.stateReason = reason
}

// HandleCycleResult records the outcome of one reporting cycle. A success
// returns the agent to running; degradedAfter consecutive failures mark it
// degraded. A stopped agent stays stopped.
func (sm *StateMachine) HandleCycleResult(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state == StateStopped {
		return
	}
	if err == nil {
		sm.failures = 0
		sm.state = StateRunning
		sm.stateReason = ""
		sm.lastSuccess = sm.clock.Now()
		return
	}
	sm.failures++
	sm.stateReason = err.Error()
	if sm.failures >= degradedAfter {
		sm.state = StateDegraded
	}
}

// ConsecutiveFailures returns the number of failed cycles since the last success.
func (sm *StateMachine) ConsecutiveFailures() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.failures
}

// SinceLastSuccess returns the time elapsed since the last successful cycle,
// or 0 if no cycle has succeeded yet.
func (sm *StateMachine) SinceLastSuccess() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.lastSuccess.IsZero() {
		return 0
	}
	return sm.clock.Since(sm.lastSuccess)
}
