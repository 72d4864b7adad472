package vmm

import "errors"

var (
	// ErrLaunch is returned when the hypervisor cannot be spawned or exits during the grace period
	ErrLaunch = errors.New("vmm: launch failed")

	// ErrStopTimeout is returned when a process survives SIGKILL past the kill timeout
	ErrStopTimeout = errors.New("vmm: process did not exit")

	// ErrInvalidPort is returned when a VNC port lies below the first display
	ErrInvalidPort = errors.New("vmm: invalid vnc port")
)
