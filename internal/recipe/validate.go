package recipe

import "fmt"

// ValidationError names the step a graph problem was found at.
type ValidationError struct {
	Step int
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks the graph: there is at least one start entry, every
// reference names an existing step, every step has a queue and no output
// chain leads back to itself.
func (r *Recipe) Validate() error {
	if len(r.Start) == 0 {
		return ErrNoStart
	}
	for _, sp := range r.Start {
		if _, ok := r.Steps[sp.Step]; !ok {
			return &ValidationError{Step: sp.Step, Err: fmt.Errorf("%w: start entry", ErrUnknownStep)}
		}
	}
	for _, id := range r.StepIDs() {
		s := r.Steps[id]
		if s == nil || s.Queue == "" {
			return &ValidationError{Step: id, Err: ErrMissingQueue}
		}
		for _, target := range s.Output.all() {
			if _, ok := r.Steps[target]; !ok {
				return &ValidationError{Step: id, Err: fmt.Errorf("%w: output %d", ErrUnknownStep, target)}
			}
		}
	}
	return r.checkAcyclic()
}

func (r *Recipe) checkAcyclic() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[int]int, len(r.Steps))

	var visit func(id int) error
	visit = func(id int) error {
		switch state[id] {
		case visiting:
			return &ValidationError{Step: id, Err: ErrCycle}
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range r.Steps[id].Output.all() {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range r.StepIDs() {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
