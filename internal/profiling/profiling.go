// Package profiling runs the external tools that capture stack dumps and
// profiles of processes on the node. Each tool is configured as a command
// template; the agent only substitutes arguments and relays the output.
package profiling

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kubeadapt/node-reporter/internal/observability"
)

// Kind names a profiling operation.
type Kind string

// Profiling operations.
const (
	KindTraceback Kind = "traceback"
	KindCPU       Kind = "cpu"
	KindGPU       Kind = "gpu"
	KindMemory    Kind = "memory"
)

// Memory profiling phases, substituted for {phase}.
const (
	PhaseAttach = "attach"
	PhaseDetach = "detach"
	PhaseResult = "result"
)

// memoryOverhead is added to the requested duration before detaching the
// memory profiler.
const memoryOverhead = time.Second

// Commands holds the command template per operation. Templates are split on
// whitespace and may reference {pid}, {duration}, {format}, {native},
// {leaks}, {iterations}, {log_dir}, {output} and {phase}.
type Commands struct {
	TraceDump string
	CPU       string
	GPU       string
	Memory    string
}

// Request describes one profiling call.
type Request struct {
	PID        int32
	Duration   time.Duration
	Format     string
	Native     bool
	Leaks      bool
	Iterations int
}

// Result is the outcome relayed back to the caller. Warning is only set by
// memory profiling when detaching failed.
type Result struct {
	Success bool
	Output  string
	Warning string
}

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Profiler dispatches profiling requests to the configured commands.
type Profiler struct {
	commands Commands
	logDir   string
	runner   Runner
	metrics  *observability.Metrics
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Profiler. runner defaults to ExecRunner; metrics may be nil.
func New(commands Commands, logDir string, runner Runner, metrics *observability.Metrics, logger *slog.Logger) *Profiler {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{
		commands: commands,
		logDir:   logDir,
		runner:   runner,
		metrics:  metrics,
		logger:   logger.With("component", "profiling"),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Traceback dumps the stacks of req.PID.
func (p *Profiler) Traceback(ctx context.Context, req Request) Result {
	return p.record(KindTraceback, p.run(ctx, KindTraceback, p.commands.TraceDump, p.vars(req, "", "")))
}

// CPU captures a CPU profile of req.PID for req.Duration.
func (p *Profiler) CPU(ctx context.Context, req Request) Result {
	return p.record(KindCPU, p.run(ctx, KindCPU, p.commands.CPU, p.vars(req, "", "")))
}

// GPU captures req.Iterations iterations of GPU activity of req.PID.
func (p *Profiler) GPU(ctx context.Context, req Request) Result {
	return p.record(KindGPU, p.run(ctx, KindGPU, p.commands.GPU, p.vars(req, "", "")))
}

// Memory attaches the memory profiler to req.PID, waits for the requested
// duration plus a second, detaches and fetches the result. A failed detach
// is returned as a warning alongside the result.
func (p *Profiler) Memory(ctx context.Context, req Request) Result {
	output := filepath.Join(p.logDir, fmt.Sprintf("memory_%d_%d.bin", req.PID, p.now().Unix()))

	attach := p.run(ctx, KindMemory, p.commands.Memory, p.vars(req, PhaseAttach, output))
	if !attach.Success {
		return p.record(KindMemory, attach)
	}

	if err := p.sleep(ctx, req.Duration+memoryOverhead); err != nil {
		return p.record(KindMemory, Result{Output: fmt.Sprintf("memory profiling interrupted: %v", err)})
	}

	var warning string
	if detach := p.run(ctx, KindMemory, p.commands.Memory, p.vars(req, PhaseDetach, output)); !detach.Success {
		warning = detach.Output
		p.logger.Warn("failed to detach memory profiler", "pid", req.PID, "output", detach.Output)
	}

	res := p.run(ctx, KindMemory, p.commands.Memory, p.vars(req, PhaseResult, output))
	res.Warning = warning
	return p.record(KindMemory, res)
}

func (p *Profiler) vars(req Request, phase, output string) map[string]string {
	return map[string]string{
		"{pid}":        strconv.Itoa(int(req.PID)),
		"{duration}":   strconv.Itoa(int(req.Duration / time.Second)),
		"{format}":     req.Format,
		"{native}":     strconv.FormatBool(req.Native),
		"{leaks}":      strconv.FormatBool(req.Leaks),
		"{iterations}": strconv.Itoa(req.Iterations),
		"{log_dir}":    p.logDir,
		"{output}":     output,
		"{phase}":      phase,
	}
}

// Expand splits template on whitespace and substitutes vars in every field.
func Expand(template string, vars map[string]string) []string {
	fields := strings.Fields(template)
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	r := strings.NewReplacer(pairs...)
	for i, f := range fields {
		fields[i] = r.Replace(f)
	}
	return fields
}

func (p *Profiler) run(ctx context.Context, kind Kind, template string, vars map[string]string) Result {
	args := Expand(template, vars)
	if len(args) == 0 {
		return Result{Output: fmt.Sprintf("%s profiling is not configured on this node", kind)}
	}
	out, err := p.runner.Run(ctx, args[0], args[1:]...)
	if err != nil {
		p.logger.Warn("profiling command failed", "kind", kind, "command", args[0], "error", err)
		if out == "" {
			out = err.Error()
		}
		return Result{Output: out}
	}
	return Result{Success: true, Output: out}
}

func (p *Profiler) record(kind Kind, res Result) Result {
	if p.metrics != nil {
		status := "success"
		if !res.Success {
			status = "error"
		}
		p.metrics.ProfilingRequests.WithLabelValues(string(kind), status).Inc()
	}
	return res
}
