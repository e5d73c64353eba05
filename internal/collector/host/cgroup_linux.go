//go:build linux

package host

import (
	"errors"
	"time"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/cgroups/v3/cgroup2"
)

var errNoCgroup = errors.New("host: no cgroup hierarchy mounted")

func loadCgroup() (cgroupReader, error) {
	switch cgroups.Mode() {
	case cgroups.Unified:
		path, err := cgroup2.NestedGroupPath("")
		if err != nil {
			return nil, err
		}
		m, err := cgroup2.Load(path)
		if err != nil {
			return nil, err
		}
		return &cgroupV2{m: m}, nil
	case cgroups.Legacy, cgroups.Hybrid:
		cg, err := cgroup1.Load(cgroup1.StaticPath("/"))
		if err != nil {
			return nil, err
		}
		return &cgroupV1{cg: cg}, nil
	default:
		return nil, errNoCgroup
	}
}

type cgroupV2 struct {
	m *cgroup2.Manager
}

func (c *cgroupV2) CPUUsage() (time.Duration, error) {
	st, err := c.m.Stat()
	if err != nil {
		return 0, err
	}
	return time.Duration(st.GetCPU().GetUsageUsec()) * time.Microsecond, nil
}

func (c *cgroupV2) Memory() (usage, limit, inactiveFile uint64, err error) {
	st, err := c.m.Stat()
	if err != nil {
		return 0, 0, 0, err
	}
	m := st.GetMemory()
	limit = m.GetUsageLimit()
	// "max" is reported as the largest int64.
	if limit >= 1<<62 {
		limit = 0
	}
	return m.GetUsage(), limit, m.GetInactiveFile(), nil
}

type cgroupV1 struct {
	cg cgroup1.Cgroup
}

func (c *cgroupV1) CPUUsage() (time.Duration, error) {
	st, err := c.cg.Stat(cgroup1.IgnoreNotExist)
	if err != nil {
		return 0, err
	}
	return time.Duration(st.GetCPU().GetUsage().GetTotal()), nil
}

func (c *cgroupV1) Memory() (usage, limit, inactiveFile uint64, err error) {
	st, err := c.cg.Stat(cgroup1.IgnoreNotExist)
	if err != nil {
		return 0, 0, 0, err
	}
	m := st.GetMemory()
	limit = m.GetUsage().GetLimit()
	if limit >= 1<<62 {
		limit = 0
	}
	return m.GetUsage().GetUsage(), limit, m.GetTotalInactiveFile(), nil
}
