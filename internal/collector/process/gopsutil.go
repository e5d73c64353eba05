package process

import (
	"errors"
	"io/fs"
	"os"
	"slices"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

// OSSource resolves processes through gopsutil.
type OSSource struct{}

// Self returns a handle on the current process.
func (OSSource) Self() (Process, error) {
	return OSSource{}.Lookup(int32(os.Getpid()))
}

// Lookup returns a handle on pid.
func (OSSource) Lookup(pid int32) (Process, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, classify(err)
	}
	return &osProcess{p: p}, nil
}

type osProcess struct {
	p *process.Process
}

func (o *osProcess) PID() int32 { return o.p.Pid }

func (o *osProcess) Name() (string, error) {
	n, err := o.p.Name()
	return n, classify(err)
}

func (o *osProcess) Parent() (Process, error) {
	pp, err := o.p.Parent()
	if err != nil {
		return nil, classify(err)
	}
	return &osProcess{p: pp}, nil
}

func (o *osProcess) Children() ([]Process, error) {
	children, err := o.p.Children()
	if errors.Is(err, process.ErrorNoChildren) {
		return []Process{}, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	out := make([]Process, 0, len(children))
	for _, c := range children {
		out = append(out, &osProcess{p: c})
	}
	return out, nil
}

func (o *osProcess) CreateTime() (int64, error) {
	ct, err := o.p.CreateTime()
	return ct, classify(err)
}

func (o *osProcess) IsZombie() (bool, error) {
	st, err := o.p.Status()
	if err != nil {
		return false, classify(err)
	}
	return slices.Contains(st, process.Zombie), nil
}

// Sample fails only when the process is gone or its core figures are
// unreadable; secondary figures degrade to zero values.
func (o *osProcess) Sample() (model.ProcessStats, error) {
	ct, err := o.p.CreateTime()
	if err != nil {
		return model.ProcessStats{}, classify(err)
	}
	mem, err := o.p.MemoryInfo()
	if err != nil {
		return model.ProcessStats{}, classify(err)
	}

	stats := model.ProcessStats{
		PID:        o.p.Pid,
		CreateTime: ct,
		MemoryInfo: model.MemoryInfo{RSS: mem.RSS, VMS: mem.VMS},
	}
	if pct, err := o.p.Percent(0); err == nil {
		stats.CPUPercent = pct
	}
	if times, err := o.p.Times(); err == nil {
		stats.CPUTimes = model.CPUTimes{User: times.User, System: times.System}
	}
	if cmd, err := o.p.CmdlineSlice(); err == nil {
		stats.Cmdline = cmd
	}
	if fds, err := o.p.NumFDs(); err == nil {
		stats.NumFDs = fds
	}
	stats.MemoryInfo.Shared = sharedMemory(o.p)
	stats.MemoryFullInfo = fullMemory(o.p)
	return stats, nil
}

// classify maps gopsutil and os errors onto ErrGone and ErrAccessDenied.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, process.ErrorProcessNotRunning), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ESRCH):
		return errors.Join(ErrGone, err)
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrAccessDenied, err)
	default:
		return err
	}
}
