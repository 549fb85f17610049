package memcache

import (
	"math"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultFraction 对应“可用内存的 1/8”。
	DefaultFraction = 8

	fallbackLimit int64 = 512 << 20
)

var (
	limitOnce sync.Once
	limit     int64
)

// Budget 返回内存层的字节预算：进程内存上限 / fraction。上限只计算一次。
// fraction <= 0 时使用 DefaultFraction。
func Budget(fraction int) int64 {
	if fraction <= 0 {
		fraction = DefaultFraction
	}
	limitOnce.Do(func() {
		limit = processLimit(debug.SetMemoryLimit(-1), availableMemory)
	})
	return limit / int64(fraction)
}

// processLimit 优先使用 GOMEMLIMIT（未设置时为 math.MaxInt64），其次系统可用内存。
func processLimit(goMemLimit int64, available func() (uint64, error)) int64 {
	if goMemLimit > 0 && goMemLimit != math.MaxInt64 {
		return goMemLimit
	}
	if avail, err := available(); err == nil && avail > 0 {
		if avail > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(avail)
	}
	return fallbackLimit
}

func availableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
