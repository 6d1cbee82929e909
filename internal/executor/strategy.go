package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulsemdm/internal/actions"
)

// ErrNoStrategies is returned by FirstSuccess when given nothing to try.
var ErrNoStrategies = errors.New("no strategies available")

// Attempt records one failed strategy.
type Attempt struct {
	Name string
	Err  error
}

// ChainError is returned when every strategy failed. Attempts are in the order they were tried.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Name, a.Err))
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *ChainError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// FirstSuccess runs strategies in order, each bounded by timeout, and returns
// the first one that succeeds. Later strategies are not run.
func FirstSuccess(ctx context.Context, runner Runner, strategies []actions.Strategy, timeout time.Duration) (actions.Strategy, error) {
	if len(strategies) == 0 {
		return actions.Strategy{}, ErrNoStrategies
	}

	chain := &ChainError{}
	for _, st := range strategies {
		if err := runStrategy(ctx, runner, st, timeout); err != nil {
			chain.Attempts = append(chain.Attempts, Attempt{Name: st.Name, Err: err})
			continue
		}
		return st, nil
	}
	return actions.Strategy{}, chain
}

func runStrategy(ctx context.Context, runner Runner, st actions.Strategy, timeout time.Duration) error {
	if len(st.Run) == 0 {
		return errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runner.Run(ctx, st.Run[0], st.Run[1:]...)
	if err != nil {
		if msg := strings.TrimSpace(out); msg != "" {
			return fmt.Errorf("%w (%s)", err, preview(msg))
		}
		return err
	}
	return nil
}
