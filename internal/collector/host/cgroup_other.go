//go:build !linux

package host

import "errors"

func loadCgroup() (cgroupReader, error) {
	return nil, errors.New("host: cgroups are only available on linux")
}
