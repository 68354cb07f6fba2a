package consult

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/counsel-dev/counsel/internal/model"
	"github.com/counsel-dev/counsel/internal/tool"
)

// ExecuteMany fans one consultation out across several tools concurrently:
// one task per tool, each an independent single-tool orchestrator run with its
// own retry budget but no cross-tool fallback. All tasks share the
// orchestrator's tracker, so the aggregate consultation budget holds across
// the whole fan-out.
//
// A panicking task is converted into an error response tagged with its tool id
// — one misbehaving tool never aborts the others. Map iteration order is
// undefined; callers needing determinism sort by tool id.
func (o *Orchestrator) ExecuteMany(ctx context.Context, toolIDs []string, op model.ResolvedOperation, req tool.Request) map[string]model.Outcome {
	var (
		mu       sync.Mutex
		outcomes = make(map[string]model.Outcome, len(toolIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, toolID := range toolIDs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					o.log(LogLevelError, "parallel_panic tool=%s: %v", toolID, r)
					resp := model.ToolResponse{
						Tool:   toolID,
						Status: model.StatusError,
						Error:  fmt.Sprintf("internal failure: %v", r),
					}
					mu.Lock()
					outcomes[toolID] = model.Outcome{
						State:    model.OutcomeExhausted,
						Attempts: []model.ToolResponse{resp},
					}
					mu.Unlock()
				}
			}()

			singleTool := op
			singleTool.ToolPriority = []string{toolID}
			outcome := o.Run(gctx, singleTool, req)

			mu.Lock()
			outcomes[toolID] = outcome
			mu.Unlock()
			return nil
		})
	}
	// Tasks never return errors; failures are classified into outcomes.
	_ = g.Wait()

	return outcomes
}

// FinalResponses flattens per-tool outcomes into one response per tool for
// consensus synthesis: the successful response where there is one, otherwise
// the last attempt (or a synthetic budget-denial response when the tool was
// never tried).
func FinalResponses(outcomes map[string]model.Outcome) []model.ToolResponse {
	responses := make([]model.ToolResponse, 0, len(outcomes))
	for toolID, outcome := range outcomes {
		switch {
		case outcome.Response != nil:
			responses = append(responses, *outcome.Response)
		case len(outcome.Attempts) > 0:
			responses = append(responses, outcome.Attempts[len(outcome.Attempts)-1])
		default:
			responses = append(responses, model.ToolResponse{
				Tool:   toolID,
				Status: model.StatusError,
				Error:  "consultation budget denied",
			})
		}
	}
	return responses
}
