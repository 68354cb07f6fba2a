package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/counsel-dev/counsel/internal/model"
)

// waitDelay bounds how long Wait blocks after the context expires before the
// child is forcibly killed, so a tool that ignores SIGKILL'd pipes cannot leak.
const waitDelay = 5 * time.Second

// Invoker spawns external analysis tools and classifies their outcomes.
type Invoker struct {
	registry *Registry
	logger   *log.Logger
}

// NewInvoker creates an Invoker. logger may be nil to disable logging.
func NewInvoker(registry *Registry, logger *log.Logger) *Invoker {
	return &Invoker{registry: registry, logger: logger}
}

// Invoke spawns the tool as a child process with a literal argument vector —
// never through a shell — captures stdout and stderr separately, and waits up
// to timeout.
//
// Classification, in priority order: executable not found → not_found;
// deadline exceeded → timeout; non-zero exit → error; exit 0 but output fails
// the adapter's structural validation → invalid_output; otherwise success.
// The child is always reaped, including on the timeout path.
func (inv *Invoker) Invoke(ctx context.Context, toolID string, argv []string, timeout time.Duration) model.ToolResponse {
	start := time.Now()

	if len(argv) == 0 {
		return model.ToolResponse{
			Tool:   toolID,
			Status: model.StatusError,
			Error:  "empty argument vector",
		}
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	runErr := cmd.Run()
	duration := time.Since(start)
	output := stdout.String()

	resp := model.ToolResponse{
		Tool:     toolID,
		Duration: duration,
	}

	switch {
	case isNotFound(runErr):
		resp.Status = model.StatusNotFound
		resp.Error = fmt.Sprintf("executable %q not found", argv[0])

	case cctx.Err() == context.DeadlineExceeded:
		resp.Status = model.StatusTimeout
		resp.Error = fmt.Sprintf("timed out after %s", timeout)
		// Keep whatever partial output the tool produced before the kill.
		resp.Output = output

	case runErr != nil:
		resp.Status = model.StatusError
		resp.Error = errorDetail(runErr, stderr.String())
		resp.Output = output

	default:
		review, err := inv.registry.Resolve(toolID).ParseReview(output)
		if err != nil {
			resp.Status = model.StatusInvalidOutput
			resp.Error = err.Error()
			resp.Output = output
		} else {
			resp.Status = model.StatusSuccess
			resp.Output = output
			resp.Review = review
		}
	}

	inv.log("invoke tool=%s status=%s duration=%.2fs", toolID, resp.Status, duration.Seconds())
	return resp
}

// isNotFound detects a missing executable, whether resolved via PATH or given
// as an explicit path.
func isNotFound(err error) bool {
	return err != nil && (errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist))
}

// errorDetail prefers captured stderr over Go's generic exit message.
func errorDetail(runErr error, stderr string) string {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		return runErr.Error()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), detail)
	}
	return fmt.Sprintf("%v: %s", runErr, detail)
}

func (inv *Invoker) log(format string, args ...any) {
	if inv.logger == nil {
		return
	}
	inv.logger.Printf("%s INFO invoker: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
