package errors

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Code represents a typed error code surfaced on the debug endpoint.
type Code string

// Agent error codes.
const (
	ErrGPUUnavailable   Code = "GPU_UNAVAILABLE"
	ErrTPUUnavailable   Code = "TPU_UNAVAILABLE"
	ErrSamplingFailed   Code = "SAMPLING_FAILED"
	ErrKVUnreachable    Code = "KV_UNREACHABLE"
	ErrPublishFailed    Code = "PUBLISH_FAILED"
	ErrCycleFailed      Code = "CYCLE_FAILED"
	ErrExportFailed     Code = "EXPORT_FAILED"
	ErrIngestFailed     Code = "INGEST_FAILED"
	ErrKindConflict     Code = "KIND_CONFLICT"
	ErrUndeclaredMetric Code = "UNDECLARED_METRIC"
	ErrProfilingFailed  Code = "PROFILING_FAILED"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// AgentError represents a typed agent error with code, component, and optional wrapped error.
type AgentError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *AgentError) Unwrap() error {
	return e.Err
}

type entry struct {
	err        AgentError
	lastReport time.Time
}

// ErrorCollector is a thread-safe store for active agent errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock.
func NewErrorCollector(clk clock.PassiveClock) *ErrorCollector {
	return &ErrorCollector{
		clock:   clk,
		entries: make(map[string]entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err AgentError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	if err.Timestamp == 0 {
		err.Timestamp = now.UnixMilli()
	}
	ec.entries[key(err.Code, err.Component)] = entry{
		err:        err,
		lastReport: now,
	}
}

// ReportError is shorthand for Report with the message taken from err.
func (ec *ErrorCollector) ReportError(code Code, component string, err error) {
	if ec == nil || err == nil {
		return
	}
	ec.Report(AgentError{
		Code:      code,
		Message:   err.Error(),
		Component: component,
		Err:       err,
	})
}

// Resolve drops an error before its TTL, e.g. once the KV store is reachable again.
func (ec *ErrorCollector) Resolve(code Code, component string) {
	if ec == nil {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.entries, key(code, component))
}

// GetActiveErrors returns all errors reported within the TTL window,
// newest first.
func (ec *ErrorCollector) GetActiveErrors() []AgentError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]AgentError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp > result[j].Timestamp
		}
		return key(result[i].Code, result[i].Component) < key(result[j].Code, result[j].Component)
	})
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	sort.Strings(codes)
	return codes
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries = make(map[string]entry)
}
