//go:build unix

package health

import (
	"syscall"
	"time"
)

// cpuBusy returns the cumulative user plus system CPU time of the process.
func cpuBusy() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
