package web

import (
	"sync"
	"time"

	"github.com/karlseguin/ccache/v2"

	"github.com/bigredeye/relgate/internal/controller"
)

const maxRecentRuns = 100

// registry tracks runs started by this process: active ones by controller,
// finished ones in a TTL cache in front of the run history.
type registry struct {
	mu     sync.Mutex
	active map[string]*controller.Controller
	recent []string

	finished *ccache.Cache
	ttl      time.Duration
}

func newRegistry(ttl time.Duration) *registry {
	return &registry{
		active:   make(map[string]*controller.Controller),
		finished: ccache.New(ccache.Configure().MaxSize(maxRecentRuns * 10)),
		ttl:      ttl,
	}
}

func (r *registry) add(c *controller.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[c.ID()] = c
	r.recent = append(r.recent, c.ID())
	if len(r.recent) > maxRecentRuns {
		r.recent = r.recent[len(r.recent)-maxRecentRuns:]
	}
}

func (r *registry) complete(run *controller.Run) {
	r.finished.Set(run.ID, run, r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, run.ID)
}

func (r *registry) controller(id string) *controller.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// get returns a snapshot of an active or recently finished run.
func (r *registry) get(id string) *controller.Run {
	if c := r.controller(id); c != nil {
		return c.Snapshot()
	}
	item := r.finished.Get(id)
	if item == nil || item.Expired() {
		return nil
	}
	return item.Value().(*controller.Run).Clone()
}

// list returns known runs, newest first.
func (r *registry) list(pipeline string, limit int) []*controller.Run {
	r.mu.Lock()
	ids := append([]string(nil), r.recent...)
	r.mu.Unlock()

	runs := make([]*controller.Run, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) >= limit {
			break
		}
		run := r.get(ids[i])
		if run == nil || (pipeline != "" && run.Pipeline != pipeline) {
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// abortAll requests abort of every active run.
func (r *registry) abortAll() []*controller.Controller {
	r.mu.Lock()
	active := make([]*controller.Controller, 0, len(r.active))
	for _, c := range r.active {
		active = append(active, c)
	}
	r.mu.Unlock()

	for _, c := range active {
		c.Abort()
	}
	return active
}

func (r *registry) stop() {
	r.finished.Stop()
}
