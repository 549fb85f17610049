package resolver

import (
	"sync"

	"github.com/any-hub/tiercache/internal/pipeline"
)

// waiter 是挂在 flight 上的一个观察者。
type waiter struct {
	future *pipeline.Future[Result]
	stop   func() bool
}

// flight 是某个 key 正在进行的一次分层查找。
type flight struct {
	state   State
	waiters []waiter
}

// flightGroup 保证同一 key 同时最多一个 flight。结果通过各自的 Future 广播，
// 观察者离开不会影响 flight。
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flight)}
}

// join 把 w 挂到 key 的 flight 上；leader=true 表示调用方负责启动它。
func (g *flightGroup) join(key string, w waiter) (leader bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.flights[key]; ok {
		f.waiters = append(f.waiters, w)
		return false
	}
	g.flights[key] = &flight{state: StateIdle, waiters: []waiter{w}}
	return true
}

// transition 更新 key 的阶段并返回之前的阶段。
func (g *flightGroup) transition(key string, to State) State {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flights[key]
	if !ok {
		return StateIdle
	}
	from := f.state
	f.state = to
	return from
}

// finish 移除 flight 并把结果交给所有观察者，返回 flight 的最终阶段与观察者数量。
// 第一个观察者（leader）的 Shared 为 false。
func (g *flightGroup) finish(key string, res Result, err error) (State, int) {
	g.mu.Lock()
	f := g.flights[key]
	delete(g.flights, key)
	g.mu.Unlock()
	if f == nil {
		return StateIdle, 0
	}

	for i, w := range f.waiters {
		out := res
		out.Shared = i > 0
		w.future.Complete(out, err)
		if w.stop != nil {
			w.stop()
		}
	}
	return f.state, len(f.waiters)
}

func (g *flightGroup) state(key string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f.state
	}
	return StateIdle
}

func (g *flightGroup) waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return len(f.waiters)
	}
	return 0
}

func (g *flightGroup) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
