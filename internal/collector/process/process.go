// Package process tracks the supervisor process, its worker children and the
// sibling system components on the local node.
package process

import (
	"errors"

	"github.com/kubeadapt/node-reporter/pkg/model"
)

var (
	// ErrGone is returned when the OS process no longer exists.
	ErrGone = errors.New("process: no such process")
	// ErrAccessDenied is returned when the OS refuses to expose the process.
	ErrAccessDenied = errors.New("process: access denied")
)

// Identity distinguishes a process from a later one that reuses its pid.
type Identity struct {
	PID        int32
	CreateTime int64 // milliseconds since epoch
}

// Process is a handle on an OS process. Handles keep state between calls:
// Sample reports CPU usage relative to the previous Sample on the same handle.
type Process interface {
	PID() int32
	Name() (string, error)
	Parent() (Process, error)
	// Children returns an empty slice, not an error, when there are none.
	Children() ([]Process, error)
	CreateTime() (int64, error)
	IsZombie() (bool, error)
	Sample() (model.ProcessStats, error)
}

// Source resolves process handles.
type Source interface {
	Self() (Process, error)
	Lookup(pid int32) (Process, error)
}

func identityOf(p Process) (Identity, error) {
	ct, err := p.CreateTime()
	if err != nil {
		return Identity{}, err
	}
	return Identity{PID: p.PID(), CreateTime: ct}, nil
}

// vanished reports whether err means the process is gone or hidden from us.
func vanished(err error) bool {
	return errors.Is(err, ErrGone) || errors.Is(err, ErrAccessDenied)
}
