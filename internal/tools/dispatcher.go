// ABOUTME: Executes catalog tools with validation, timeout, panic recovery and tracing.
// ABOUTME: Every call yields a Result envelope; faults never cross the dispatcher boundary.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codeboltai/codebolt-router/internal/metrics"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 60 * time.Second

// ErrCancelled indicates the call's owner was torn down mid-execution.
var ErrCancelled = errors.New("tool call cancelled")

// Status is the outcome of an execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is returned for every execution.
type Result struct {
	Status Status `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// ErrorKind classifies failures: validation, execution, timeout or routing.
	ErrorKind string `json:"errorKind,omitempty"`
}

// OK reports whether the execution succeeded.
func (r *Result) OK() bool {
	return r.Status == StatusSuccess
}

// DispatcherConfig contains configuration options for the Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Timeout  time.Duration
	Tracer   trace.Tracer
}

// Dispatcher runs tools from the registry.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
	tracer   trace.Tracer

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelCauseFunc // owner -> call -> cancel
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/codeboltai/codebolt-router/internal/tools")
	}
	return &Dispatcher{
		registry: cfg.Registry,
		logger:   cfg.Logger,
		timeout:  timeout,
		tracer:   tracer,
		inflight: make(map[string]map[string]context.CancelCauseFunc),
	}
}

// Registry returns the catalog the dispatcher executes from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs the named tool. It never returns an error; failures are
// carried in the Result.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]any) *Result {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	return d.run(ctx, name, params)
}

// ExecuteFor runs the named tool on behalf of owner so CancelOwner can
// abort it. callID must be unique per owner while the call is in flight.
func (d *Dispatcher) ExecuteFor(ctx context.Context, ownerID, callID, name string, params map[string]any) *Result {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	d.track(ownerID, callID, cancel)
	defer d.untrack(ownerID, callID)

	if CallerFrom(ctx) == "" {
		ctx = WithCaller(ctx, ownerID)
	}
	return d.run(ctx, name, params)
}

// CancelOwner aborts every in-flight call for owner and returns how many
// were cancelled.
func (d *Dispatcher) CancelOwner(ownerID string) int {
	d.mu.Lock()
	calls := d.inflight[ownerID]
	delete(d.inflight, ownerID)
	d.mu.Unlock()

	for _, cancel := range calls {
		cancel(ErrCancelled)
	}
	if len(calls) > 0 {
		d.logger.Info("cancelled in-flight tool calls", "owner_id", ownerID, "count", len(calls))
	}
	return len(calls)
}

// InFlight returns the number of tracked calls for owner.
func (d *Dispatcher) InFlight(ownerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight[ownerID])
}

func (d *Dispatcher) track(ownerID, callID string, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls, ok := d.inflight[ownerID]
	if !ok {
		calls = make(map[string]context.CancelCauseFunc)
		d.inflight[ownerID] = calls
	}
	calls[callID] = cancel
}

func (d *Dispatcher) untrack(ownerID, callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls, ok := d.inflight[ownerID]
	if !ok {
		return
	}
	delete(calls, callID)
	if len(calls) == 0 {
		delete(d.inflight, ownerID)
	}
}

func (d *Dispatcher) run(ctx context.Context, name string, params map[string]any) *Result {
	start := time.Now()
	toolName := StripAlias(name)

	ctx, span := d.tracer.Start(ctx, "tools.execute", trace.WithAttributes(
		attribute.String("tool.name", toolName),
	))
	defer span.End()

	res := d.execute(ctx, toolName, params)

	span.SetAttributes(attribute.String("tool.status", string(res.Status)))
	if !res.OK() {
		span.SetStatus(codes.Error, res.Error)
	}
	metrics.ToolExecuted(toolName, string(res.Status), time.Since(start))
	return res
}

func (d *Dispatcher) execute(ctx context.Context, toolName string, params map[string]any) *Result {
	desc, ok := d.registry.Get(toolName)
	if !ok {
		d.logger.Debug("tool not found", "tool_name", toolName)
		return failure("routing", fmt.Errorf("%w: %s", ErrToolNotFound, toolName))
	}
	if !d.registry.Enabled(desc.Toolbox) {
		d.logger.Info("refusing tool from disabled toolbox", "tool_name", toolName, "toolbox", desc.Toolbox)
		return failure("routing", fmt.Errorf("%w: %s (toolbox %s)", ErrToolDisabled, toolName, desc.Toolbox))
	}
	if params == nil {
		params = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("tool panicked",
					"tool_name", toolName,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", toolName, p)}
			}
		}()
		if err := desc.Schema.Validate(params); err != nil {
			done <- outcome{err: err}
			return
		}
		v, err := desc.Run(ctx, params)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil {
			return d.interrupted(ctx, toolName)
		}
		if out.err != nil {
			var verr *ValidationError
			if errors.As(out.err, &verr) {
				d.logger.Debug("tool params rejected", "tool_name", toolName, "error", out.err)
				return failure("validation", out.err)
			}
			d.logger.Warn("tool error", "tool_name", toolName, "error", out.err)
			return failure("execution", out.err)
		}
		d.logger.Debug("tool completed", "tool_name", toolName)
		return &Result{Status: StatusSuccess, Result: out.value}
	case <-ctx.Done():
		return d.interrupted(ctx, toolName)
	}
}

func (d *Dispatcher) interrupted(ctx context.Context, toolName string) *Result {
	cause := context.Cause(ctx)
	d.logger.Warn("tool call timed out or cancelled",
		"tool_name", toolName,
		"timeout", d.timeout,
		"error", cause,
	)
	if errors.Is(cause, context.DeadlineExceeded) {
		return failure("timeout", fmt.Errorf("tool %s timed out after %s", toolName, d.timeout))
	}
	return failure("execution", fmt.Errorf("tool %s: %w", toolName, cause))
}

func failure(kind string, err error) *Result {
	return &Result{Status: StatusError, Error: err.Error(), ErrorKind: kind}
}
