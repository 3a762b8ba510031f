//go:build !unix

package health

import "time"

// cpuBusy is unavailable on this platform; CPU gating is effectively off.
func cpuBusy() time.Duration { return 0 }
