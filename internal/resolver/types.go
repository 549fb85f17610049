package resolver

import (
	"time"

	"github.com/any-hub/tiercache/internal/artifact"
)

// Tier 标识缓存层级。
type Tier int

const (
	TierNone Tier = iota
	TierMemory
	TierDisk
	TierRemote
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierDisk:
		return "disk"
	case TierRemote:
		return "remote"
	}
	return "none"
}

// Outcome 是单个层级的探测结果。
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeMiss
	// OutcomeError 表示该层级 I/O 失败，链路继续。
	OutcomeError
	// OutcomeCorrupt 表示取到字节但无法解码。
	OutcomeCorrupt
	// OutcomeUnavailable 表示该层级未配置或已降级。
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	case OutcomeError:
		return "error"
	case OutcomeCorrupt:
		return "corrupt"
	case OutcomeUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Step 记录一次层级探测。
type Step struct {
	Tier    Tier
	Outcome Outcome
	Err     error
	Elapsed time.Duration
}

// Result 是 Resolve 的结果。Shared 表示结果来自其他调用方发起的 flight。
type Result struct {
	Artifact *artifact.Artifact
	Source   Tier
	Trace    []Step
	Shared   bool
}

// Outcome 返回 trace 中 tier 的最后一次结果，ok=false 表示该层未被探测。
func (r Result) Outcome(tier Tier) (Outcome, bool) {
	for i := len(r.Trace) - 1; i >= 0; i-- {
		if r.Trace[i].Tier == tier {
			return r.Trace[i].Outcome, true
		}
	}
	return 0, false
}

// State 是单个 key 在一次 flight 中所处的阶段。
type State int

const (
	StateIdle State = iota
	StateMemLookup
	StateDiskLookup
	StateFetching
	StatePopulating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateMemLookup:
		return "MEM_LOOKUP"
	case StateDiskLookup:
		return "DISK_LOOKUP"
	case StateFetching:
		return "FETCHING"
	case StatePopulating:
		return "POPULATING"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}
