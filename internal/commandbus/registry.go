package commandbus

import (
	"context"
	"errors"
	"fmt"

	"retention-agent/internal/domain"
)

// Executor performs the side effect of one command kind. Execute must be safe
// to call more than once for the same command id.
type Executor interface {
	Kind() domain.CommandKind
	Execute(ctx context.Context, cmd domain.Command) error
}

// Registry maps each command kind to its executor.
type Registry struct {
	execs map[domain.CommandKind]Executor
}

// NewRegistry builds a registry; two executors for one kind is an error.
func NewRegistry(execs ...Executor) (*Registry, error) {
	r := &Registry{execs: make(map[domain.CommandKind]Executor, len(execs))}
	for _, e := range execs {
		if e == nil {
			return nil, errors.New("commandbus: nil executor")
		}
		kind := e.Kind()
		if _, err := domain.ParseCommandKind(string(kind)); err != nil {
			return nil, fmt.Errorf("commandbus: register: %w", err)
		}
		if _, dup := r.execs[kind]; dup {
			return nil, fmt.Errorf("commandbus: duplicate executor for %q", kind)
		}
		r.execs[kind] = e
	}
	return r, nil
}

// Require fails if any of kinds has no executor.
func (r *Registry) Require(kinds ...domain.CommandKind) error {
	var missing []error
	for _, k := range kinds {
		if _, ok := r.execs[k]; !ok {
			missing = append(missing, fmt.Errorf("commandbus: no executor registered for %q", k))
		}
	}
	return errors.Join(missing...)
}

// Lookup returns the executor for kind.
func (r *Registry) Lookup(kind domain.CommandKind) (Executor, bool) {
	e, ok := r.execs[kind]
	return e, ok
}
