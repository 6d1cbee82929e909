package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"pulsemdm/internal/actions"
	"pulsemdm/internal/mdm"
)

const (
	// DefaultStrategyTimeout bounds each lock, shutdown, or restart primitive.
	DefaultStrategyTimeout = 15 * time.Second
	// DefaultCustomTimeout bounds a custom shell command.
	DefaultCustomTimeout = 30 * time.Second
)

// NotAllowed is the output reported for rejected custom commands.
const NotAllowed = "not allowed"

// Dispatcher turns a Command into exactly one CommandResult.
type Dispatcher struct {
	runner          Runner
	actions         *actions.Set
	filter          SafetyFilter
	logger          *slog.Logger
	goos            string
	strategyTimeout time.Duration
	customTimeout   time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(d *Dispatcher) { d.runner = r }
}

// WithOS selects the strategies for goos instead of the running OS.
func WithOS(goos string) Option {
	return func(d *Dispatcher) { d.goos = goos }
}

// WithSafetyFilter replaces the custom command filter.
func WithSafetyFilter(f SafetyFilter) Option {
	return func(d *Dispatcher) { d.filter = f }
}

// WithTimeouts overrides the per-strategy and custom command timeouts.
func WithTimeouts(strategy, custom time.Duration) Option {
	return func(d *Dispatcher) {
		d.strategyTimeout = strategy
		d.customTimeout = custom
	}
}

// NewDispatcher returns a Dispatcher that looks up OS strategies in set.
func NewDispatcher(set *actions.Set, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:          ExecRunner{Logger: logger},
		actions:         set,
		filter:          DefaultSafetyFilter(),
		logger:          logger,
		goos:            runtime.GOOS,
		strategyTimeout: DefaultStrategyTimeout,
		customTimeout:   DefaultCustomTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs cmd and returns its result. It never panics and never
// returns an empty status.
func (d *Dispatcher) Execute(ctx context.Context, cmd mdm.Command) (result mdm.CommandResult) {
	start := time.Now()
	action := cmd.Action()
	log := d.logger.With("command_id", cmd.ID, "type", cmd.CommandType)

	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "panic", r)
			result = mdm.Failed(fmt.Sprintf("Execution error: %v", r))
		}
		log.Info("command executed", "status", result.Status, "duration", time.Since(start))
	}()

	log.Info("executing command")

	switch a := action.(type) {
	case mdm.Lock:
		return d.lock(ctx)
	case mdm.Shutdown:
		return d.power(ctx, a, "Shutdown")
	case mdm.Restart:
		return d.power(ctx, a, "Restart")
	case mdm.Custom:
		return d.custom(ctx, a.Command)
	case mdm.Unknown:
		return mdm.Failed("Unknown command type: " + a.Type)
	default:
		return mdm.Failed(fmt.Sprintf("Unknown command type: %s", action.Name()))
	}
}

func (d *Dispatcher) lock(ctx context.Context) mdm.CommandResult {
	st, err := FirstSuccess(ctx, d.runner, d.actions.For(mdm.TypeLock, d.goos), d.strategyTimeout)
	if err != nil {
		if errors.Is(err, ErrNoStrategies) {
			return mdm.Failed("Lock is not supported on " + d.goos)
		}
		return mdm.Failed("All lock methods failed: " + err.Error())
	}
	return mdm.Completed(successOutput(st, "Screen locked using "+st.Name))
}

func (d *Dispatcher) power(ctx context.Context, a mdm.Action, label string) mdm.CommandResult {
	st, err := FirstSuccess(ctx, d.runner, d.actions.For(a.Name(), d.goos), d.strategyTimeout)
	if err != nil {
		if errors.Is(err, ErrNoStrategies) {
			return mdm.Failed(label + " is not supported on " + d.goos)
		}
		return mdm.Failed(label + " failed: " + err.Error())
	}
	return mdm.Completed(successOutput(st, label+" scheduled in 1 minute"))
}

func (d *Dispatcher) custom(ctx context.Context, command string) mdm.CommandResult {
	if !d.filter.Check(command) {
		d.logger.Warn("custom command rejected", "command", command)
		return mdm.Failed(NotAllowed)
	}

	ctx, cancel := context.WithTimeout(ctx, d.customTimeout)
	defer cancel()

	name, args := shell(d.goos, command)
	out, err := d.runner.Run(ctx, name, args...)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return mdm.Failed("Command timed out")
		}
		msg := "Command failed: " + err.Error()
		if out = strings.TrimSpace(out); out != "" {
			msg += "\n" + out
		}
		return mdm.Failed(msg)
	}
	return mdm.Completed(out)
}

func successOutput(st actions.Strategy, fallback string) string {
	if st.Output != "" {
		return st.Output
	}
	return fallback
}

// shell returns the argv that runs command through the platform shell.
func shell(goos, command string) (string, []string) {
	if goos == "windows" {
		return "cmd", []string{"/C", command}
	}
	return "sh", []string{"-c", command}
}
