//go:build unix

package sandbox

import (
	"fmt"
	"math"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/agentctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// cpuHardMargin separates the soft CPU limit from the kernel's SIGKILL
// ceiling so the watchdog fires first.
const cpuHardMargin = 2

// ApplyLimits restricts the current process. Descriptors already open
// stay usable; no new ones can be created.
//
// The Go runtime reserves far more address space than it ever touches,
// so memory is bounded by RLIMIT_DATA measured from the writable memory
// already mapped, with the GC soft limit set to the same ceiling.
func ApplyLimits(p ResourceProfile) error {
	if p.CPUSeconds > 0 {
		lim := unix.Rlimit{Cur: p.CPUSeconds + 1, Max: p.CPUSeconds + cpuHardMargin}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
			return fmt.Errorf("sandbox: rlimit cpu: %w", err)
		}
	}
	var dataLimit uint64
	if p.HeapBytes > 0 {
		dataLimit = dataBaseline() + p.HeapBytes
		if p.HeapBytes <= math.MaxInt64 {
			debug.SetMemoryLimit(int64(p.HeapBytes))
		}
		lim := unix.Rlimit{Cur: dataLimit, Max: dataLimit}
		if err := unix.Setrlimit(unix.RLIMIT_DATA, &lim); err != nil {
			return fmt.Errorf("sandbox: rlimit data: %w", err)
		}
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("sandbox: rlimit nofile: %w", err)
	}
	log.Debug().Uint64("cpu_seconds", p.CPUSeconds).Uint64("heap_bytes", p.HeapBytes).
		Uint64("data_limit", dataLimit).Msg("sandbox.ApplyLimits applied")
	return nil
}

// dataBaseline reports the writable private memory already mapped
// (VmData). Zero where /proc is unavailable.
func dataBaseline() uint64 {
	status, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	return parseVmData(status)
}

func parseVmData(status []byte) uint64 {
	for _, line := range strings.Split(string(status), "\n") {
		rest, ok := strings.CutPrefix(line, "VmData:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0
		}
		return kb << 10
	}
	return 0
}

// ProcessCPUTime reports user plus system CPU consumed by this process.
func ProcessCPUTime() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}

// OpenChildPipes builds the agent end of the pipe transport from the
// inherited descriptors.
func OpenChildPipes(limits frame.Limits) (*PipeTransport, error) {
	for _, fd := range []int{ChildDownlinkFD, ChildUplinkFD} {
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("sandbox: inherited fd %d: %w", fd, err)
		}
	}
	down := os.NewFile(ChildDownlinkFD, "downlink")
	up := os.NewFile(ChildUplinkFD, "uplink")
	return NewPipeTransport(down, up, limits), nil
}
