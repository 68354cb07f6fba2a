// Package consult drives consultations: the fallback/retry orchestrator, the
// parallel multi-tool executor, and the engine facade that ties tools, cache,
// and consensus together.
package consult

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/counsel-dev/counsel/internal/events"
	"github.com/counsel-dev/counsel/internal/model"
	"github.com/counsel-dev/counsel/internal/tool"
	"github.com/counsel-dev/counsel/internal/tracker"
)

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoker is the subset of the tool invoker the orchestrator drives.
type Invoker interface {
	Invoke(ctx context.Context, toolID string, argv []string, timeout time.Duration) model.ToolResponse
}

// Orchestrator walks a priority-ordered tool list for one logical
// consultation: retry transient failures in place, skip permanent failures to
// the next tool, and stop on success, budget exhaustion, or list exhaustion.
type Orchestrator struct {
	invoker  Invoker
	registry *tool.Registry
	tools    map[string]model.ToolConfig
	tracker  *tracker.Tracker
	limit    int
	sink     events.Sink
	logger   *log.Logger
	logLevel LogLevel

	// sleep is a test seam; production uses sleepCtx.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires an orchestrator. sink must be non-nil (use
// events.NopSink); logger may be nil.
func NewOrchestrator(invoker Invoker, registry *tool.Registry, tools map[string]model.ToolConfig, trk *tracker.Tracker, limit int, sink events.Sink, logger *log.Logger, logLevel string) *Orchestrator {
	return &Orchestrator{
		invoker:  invoker,
		registry: registry,
		tools:    tools,
		tracker:  trk,
		limit:    limit,
		sink:     sink,
		logger:   logger,
		logLevel: parseLogLevel(logLevel),
		sleep:    sleepCtx,
	}
}

// Run executes the fallback/retry state machine for op.
//
// Per tool: the budget gate is an atomic check-and-record, so a tool that gets
// invoked always consumes budget even if every attempt fails, while a tool
// denied by the budget is skipped without counting as an attempt. A transient
// status retries the same tool after a fixed delay up to the policy bound; a
// permanent status advances immediately. With fallback disabled the list
// degenerates to its first tool and there is no advancement on failure.
//
// Returns budget_denied only when the budget prevented every candidate from
// being attempted; any attempted-and-failed run is exhausted, so callers can
// tell "nothing worked" apart from "policy forbade trying".
func (o *Orchestrator) Run(ctx context.Context, op model.ResolvedOperation, req tool.Request) model.Outcome {
	candidates := op.ToolPriority
	if !op.Fallback.Enabled && len(candidates) > 1 {
		candidates = candidates[:1]
	}

	attempts := []model.ToolResponse{}
	budgetDenied := false

	for _, toolID := range candidates {
		if !o.tracker.TryAcquire(toolID, o.limit) {
			o.log(LogLevelInfo, "budget_skip op=%s tool=%s used=%d limit=%d",
				op.Name, toolID, o.tracker.Count(), o.limit)
			budgetDenied = true
			continue
		}

		argv, timeout, err := o.buildInvocation(toolID, req)
		if err != nil {
			resp := model.ToolResponse{Tool: toolID, Status: model.StatusError, Error: err.Error()}
			o.sink.ToolResponse(resp)
			attempts = append(attempts, resp)
			continue
		}

		for retry := 0; ; retry++ {
			resp := o.invoker.Invoke(ctx, toolID, argv, timeout)
			o.sink.ToolResponse(resp)
			attempts = append(attempts, resp)

			if resp.Status == model.StatusSuccess {
				o.log(LogLevelInfo, "consult_success op=%s tool=%s attempts=%d", op.Name, toolID, len(attempts))
				return model.Outcome{State: model.OutcomeSucceeded, Response: &resp, Attempts: attempts}
			}

			if op.Fallback.SkipOn[resp.Status] {
				o.log(LogLevelInfo, "consult_skip op=%s tool=%s status=%s", op.Name, toolID, resp.Status)
				break
			}
			if op.Fallback.RetryOn[resp.Status] && retry < op.Fallback.MaxRetriesPerTool {
				o.log(LogLevelDebug, "consult_retry op=%s tool=%s status=%s retry=%d/%d",
					op.Name, toolID, resp.Status, retry+1, op.Fallback.MaxRetriesPerTool)
				if err := o.sleep(ctx, op.Fallback.RetryDelay); err != nil {
					o.log(LogLevelWarn, "consult_cancelled op=%s tool=%s: %v", op.Name, toolID, err)
					return model.Outcome{State: model.OutcomeExhausted, Attempts: attempts}
				}
				continue
			}

			o.log(LogLevelInfo, "consult_advance op=%s tool=%s status=%s retries=%d",
				op.Name, toolID, resp.Status, retry)
			break
		}
	}

	if len(attempts) == 0 && budgetDenied {
		o.log(LogLevelWarn, "consult_budget_denied op=%s limit=%d", op.Name, o.limit)
		return model.Outcome{State: model.OutcomeBudgetDenied, Attempts: attempts}
	}

	o.log(LogLevelWarn, "consult_exhausted op=%s attempts=%d tried=%s",
		op.Name, len(attempts), attemptSummary(attempts))
	return model.Outcome{State: model.OutcomeExhausted, Attempts: attempts}
}

// buildInvocation composes the literal argument vector for a tool from its
// configured command and its adapter.
func (o *Orchestrator) buildInvocation(toolID string, req tool.Request) ([]string, time.Duration, error) {
	cfg, ok := o.tools[toolID]
	if !ok {
		return nil, 0, fmt.Errorf("tool %q not configured", toolID)
	}
	command := cfg.Command
	if command == "" {
		command = toolID
	}
	if req.Model == "" {
		req.Model = cfg.DefaultModel
	}
	adapter := o.registry.Resolve(toolID)
	argv := append([]string{command}, adapter.BuildArgs(req)...)
	return argv, cfg.Timeout(), nil
}

// attemptSummary renders "tool:status" pairs in attempt order for diagnostics.
func attemptSummary(attempts []model.ToolResponse) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = fmt.Sprintf("%s:%s", a.Tool, a.Status)
	}
	return strings.Join(parts, ",")
}

func (o *Orchestrator) log(level LogLevel, format string, args ...any) {
	if o.logger == nil || level < o.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	o.logger.Printf("%s %s consult: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
