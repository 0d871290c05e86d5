package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Handler executes one job_type. Run returns an error only for failures it did not
// already report through Context.Fail.
type Handler interface {
	Type() string
	Run(ctx *Context) error
}

// Registry maps job_type to its handler. Registration happens once at wiring time.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{byType: map[string]Handler{}}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("register: nil handler")
	}
	jobType := h.Type()
	if jobType == "" {
		return fmt.Errorf("register %T: empty job type", h)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, dup := r.byType[jobType]; dup {
		return fmt.Errorf("register %T: job type %q already handled by %T", h, jobType, prev)
	}
	r.byType[jobType] = h
	return nil
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.byType[jobType]
	r.mu.RUnlock()
	return h, ok
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
