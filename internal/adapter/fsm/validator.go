package fsm

import (
	"context"
	"errors"
	"slices"

	loopfsm "github.com/looplab/fsm"

	"github.com/loomworks/controlplane/internal/domain"
)

var _ domain.TransitionValidator = (*Validator)(nil)

// Validator checks lifecycle events against domain.Transitions with a
// looplab/fsm machine. Machines are stateful, so every call seeds a fresh
// one with the tenant's state; the event table itself is built once.
type Validator struct {
	table []loopfsm.EventDesc
	dst   map[domain.Event]domain.State
}

// New builds a validator for the tenant lifecycle.
func New() *Validator {
	v := &Validator{dst: make(map[domain.Event]domain.State)}

	// Edges sharing an event and a destination become one EventDesc with
	// several sources: archive leaves both active and suspended.
	for _, tr := range domain.Transitions {
		v.dst[tr.Event] = tr.Dst
		i := slices.IndexFunc(v.table, func(d loopfsm.EventDesc) bool {
			return d.Name == string(tr.Event) && d.Dst == string(tr.Dst)
		})
		if i < 0 {
			v.table = append(v.table, loopfsm.EventDesc{Name: string(tr.Event), Dst: string(tr.Dst)})
			i = len(v.table) - 1
		}
		v.table[i].Src = append(v.table[i].Src, string(tr.Src))
	}
	return v
}

func (v *Validator) machine(current domain.State) *loopfsm.FSM {
	return loopfsm.NewFSM(string(current), v.table, nil)
}

// Apply returns the state event leads to from current, or a
// *domain.InvalidTransitionError naming where the event would have led.
func (v *Validator) Apply(ctx context.Context, current domain.State, event domain.Event) (domain.State, error) {
	m := v.machine(current)
	err := m.Event(ctx, string(event))
	if err == nil {
		return domain.State(m.Current()), nil
	}

	var invalidEvent loopfsm.InvalidEventError
	var unknownEvent loopfsm.UnknownEventError
	var noTransition loopfsm.NoTransitionError
	switch {
	case errors.As(err, &invalidEvent), errors.As(err, &unknownEvent), errors.As(err, &noTransition):
		return "", &domain.InvalidTransitionError{Event: event, From: current, To: v.dst[event]}
	}
	return "", err
}

// Destination returns the state event leads to.
func (v *Validator) Destination(event domain.Event) (domain.State, bool) {
	dst, ok := v.dst[event]
	return dst, ok
}

// Available lists the events that may be applied from current, sorted.
func (v *Validator) Available(current domain.State) []domain.Event {
	names := v.machine(current).AvailableTransitions()
	slices.Sort(names)

	out := make([]domain.Event, len(names))
	for i, n := range names {
		out[i] = domain.Event(n)
	}
	return out
}
