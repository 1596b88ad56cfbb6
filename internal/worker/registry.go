package worker

import (
	"context"
	"encoding/json"
)

// Executable is user task logic. It receives its inputs through Env, reports
// progress and observes cancellation through the same, and returns a JSON
// result payload.
type Executable func(ctx context.Context, env *Env) (json.RawMessage, error)

// Registry maps executable names to handlers. It is built explicitly at
// process start and passed into the shell by reference; there is no implicit
// global table.
type Registry struct {
	m map[string]Executable
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Executable)}
}

func (r *Registry) Register(name string, fn Executable) {
	r.m[name] = fn
}

func (r *Registry) Lookup(name string) (Executable, bool) {
	fn, ok := r.m[name]
	return fn, ok
}
