package consult

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/counsel-dev/counsel/internal/cache"
	"github.com/counsel-dev/counsel/internal/events"
	"github.com/counsel-dev/counsel/internal/model"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// engineConfig wires "ok" and "ok2" to echo (which reflects the prompt back as
// output) and "bad" to false (which always exits 1), so consultations run real
// child processes without any external CLI installed.
func engineConfig() model.Config {
	return model.Config{
		Tools: map[string]model.ToolConfig{
			"ok":  {Command: "echo", TimeoutSec: 10},
			"ok2": {Command: "echo", TimeoutSec: 10},
			"bad": {Command: "false", TimeoutSec: 10},
		},
		Defaults: model.OperationConfig{
			ToolPriority: []string{"ok"},
			Fallback: &model.FallbackConfig{
				Enabled:           boolPtr(true),
				MaxRetriesPerTool: intPtr(0),
			},
		},
		Operations: map[string]model.OperationConfig{
			"failing": {ToolPriority: []string{"bad"}},
			"multi": {
				ToolPriority: []string{"ok", "ok2"},
				Consensus:    &model.ConsensusConfig{Enabled: boolPtr(true), MinCorroboration: intPtr(2)},
			},
		},
		Cache:   model.CacheConfig{Backend: "file", TTLHours: 24},
		Logging: model.LoggingConfig{Level: "error"},
	}
}

func newTestEngine(t *testing.T) (*Engine, *cache.Manager) {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	manager := cache.NewManager(store)
	t.Cleanup(func() { manager.Close() })
	return NewEngine(engineConfig(), manager, nil, nil), manager
}

const passPrompt = `{"verdict": "pass", "recommendations": ["ship it"]}`

func TestConsult_SuccessAndCacheHit(t *testing.T) {
	engine, _ := newTestEngine(t)

	first, err := engine.Consult(context.Background(), ConsultRequest{Operation: "review", Prompt: passPrompt})
	require.NoError(t, err)

	require.NotNil(t, first.Outcome)
	assert.Equal(t, model.OutcomeSucceeded, first.Outcome.State)
	assert.Equal(t, model.VerdictPass, first.Outcome.Response.Review.Verdict)
	assert.False(t, first.CacheHit)
	assert.Equal(t, []string{"ok"}, first.ToolsConsulted)
	assert.NotEmpty(t, first.RunID)

	second, err := engine.Consult(context.Background(), ConsultRequest{Operation: "review", Prompt: passPrompt})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	require.NotNil(t, second.Outcome)
	assert.Equal(t, model.OutcomeSucceeded, second.Outcome.State)
}

func TestConsult_NoCacheBypassesStore(t *testing.T) {
	engine, manager := newTestEngine(t)

	result, err := engine.Consult(context.Background(), ConsultRequest{
		Operation: "review",
		Prompt:    passPrompt,
		NoCache:   true,
	})
	require.NoError(t, err)
	assert.False(t, result.CacheHit)

	_, ok := manager.Get(result.CacheKey)
	assert.False(t, ok, "no-cache consultation must not be persisted")
}

func TestConsult_FailureIsNotCached(t *testing.T) {
	engine, manager := newTestEngine(t)

	result, err := engine.Consult(context.Background(), ConsultRequest{Operation: "failing", Prompt: "p"})
	require.NoError(t, err)

	require.NotNil(t, result.Outcome)
	assert.Equal(t, model.OutcomeExhausted, result.Outcome.State)
	require.Len(t, result.Outcome.Attempts, 1)
	assert.Equal(t, model.StatusError, result.Outcome.Attempts[0].Status)

	_, ok := manager.Get(result.CacheKey)
	assert.False(t, ok, "failed consultation must not be pinned for a TTL")
}

func TestConsult_ConsensusMode(t *testing.T) {
	engine, _ := newTestEngine(t)

	result, err := engine.Consult(context.Background(), ConsultRequest{Operation: "multi", Prompt: passPrompt})
	require.NoError(t, err)

	assert.Nil(t, result.Outcome)
	require.NotNil(t, result.Consensus)
	assert.Equal(t, model.VerdictPass, result.Consensus.Verdict)
	assert.InDelta(t, 1.0, result.Consensus.AgreementRate, 1e-9)
	assert.Equal(t, []string{"ok", "ok2"}, result.Consensus.ParticipatingTools)
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, []string{"ok", "ok2"}, result.ToolsConsulted)
}

func TestConsult_ContextFileChangesKey(t *testing.T) {
	engine, _ := newTestEngine(t)

	path := filepath.Join(t.TempDir(), "ctx.go")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	first, err := engine.Consult(context.Background(), ConsultRequest{
		Operation:    "review",
		Prompt:       passPrompt,
		ContextFiles: []string{path},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
	second, err := engine.Consult(context.Background(), ConsultRequest{
		Operation:    "review",
		Prompt:       passPrompt,
		ContextFiles: []string{path},
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.CacheKey, second.CacheKey)
	assert.False(t, second.CacheHit)
}

func TestConsult_UnreadableContextFileIsAnError(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Consult(context.Background(), ConsultRequest{
		Operation:    "review",
		Prompt:       passPrompt,
		ContextFiles: []string{filepath.Join(t.TempDir(), "missing.go")},
	})
	assert.Error(t, err)
}

func TestConsult_EmptyPriorityListIsAnError(t *testing.T) {
	cfg := engineConfig()
	cfg.Defaults.ToolPriority = nil
	store, err := cache.NewFileStore(t.TempDir())
	require.NoError(t, err)
	manager := cache.NewManager(store)
	defer manager.Close()
	engine := NewEngine(cfg, manager, nil, nil)

	_, err = engine.Consult(context.Background(), ConsultRequest{Operation: "review", Prompt: "p"})
	assert.Error(t, err)
}

// pathPrompt makes each path's prompt (and thus its cache key and echoed
// result) unique.
func pathPrompt(path string, content []byte) string {
	return fmt.Sprintf(`{"verdict": "pass", "recommendations": [%q]}`, path)
}

func TestAnalyzeFiles_Incremental(t *testing.T) {
	engine, _ := newTestEngine(t)
	dir := t.TempDir()

	x := filepath.Join(dir, "x.go")
	y := filepath.Join(dir, "y.go")
	z := filepath.Join(dir, "z.go")
	require.NoError(t, os.WriteFile(x, []byte("x v1"), 0644))
	require.NoError(t, os.WriteFile(y, []byte("y v1"), 0644))

	// First run: everything is new.
	first, err := engine.AnalyzeFiles(context.Background(), AnalyzeRequest{
		Operation: "review",
		ScopeKey:  "scope",
		Paths:     []string{x, y},
		Prompt:    pathPrompt,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{x, y}, first.Diff.Added)
	assert.Equal(t, []string{x, y}, first.Fresh)
	assert.Len(t, first.Results, 2)

	// Second run: y modified, z added, x no longer an input.
	require.NoError(t, os.WriteFile(y, []byte("y v2"), 0644))
	require.NoError(t, os.WriteFile(z, []byte("z v1"), 0644))

	second, err := engine.AnalyzeFiles(context.Background(), AnalyzeRequest{
		Operation: "review",
		ScopeKey:  "scope",
		Paths:     []string{y, z},
		Prompt:    pathPrompt,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{z}, second.Diff.Added)
	assert.Equal(t, []string{y}, second.Diff.Modified)
	assert.Equal(t, []string{x}, second.Diff.Removed)
	assert.Empty(t, second.Diff.Unchanged)

	// Only the changed paths were consulted; the removed path is gone from the
	// merged results.
	assert.Equal(t, []string{y, z}, second.Fresh)
	assert.Len(t, second.Results, 2)
	assert.Contains(t, second.Results, y)
	assert.Contains(t, second.Results, z)
	assert.NotContains(t, second.Results, x)
}

func TestAnalyzeFiles_UnchangedRunConsultsNothing(t *testing.T) {
	engine, _ := newTestEngine(t)
	dir := t.TempDir()

	a := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(a, []byte("v1"), 0644))

	req := AnalyzeRequest{Operation: "review", ScopeKey: "s", Paths: []string{a}, Prompt: pathPrompt}
	_, err := engine.AnalyzeFiles(context.Background(), req)
	require.NoError(t, err)

	second, err := engine.AnalyzeFiles(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Diff.HasChanges())
	assert.Empty(t, second.Fresh)
	// The prior result is still reported.
	assert.Contains(t, second.Results, a)
}

func TestAnalyzeFiles_ForceReanalyzesEverything(t *testing.T) {
	engine, _ := newTestEngine(t)
	dir := t.TempDir()

	a := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(a, []byte("v1"), 0644))

	req := AnalyzeRequest{Operation: "review", ScopeKey: "s", Paths: []string{a}, Prompt: pathPrompt}
	_, err := engine.AnalyzeFiles(context.Background(), req)
	require.NoError(t, err)

	req.Force = true
	forced, err := engine.AnalyzeFiles(context.Background(), req)
	require.NoError(t, err)
	// With state ignored, the unchanged file reads as added and is re-consulted.
	assert.Equal(t, []string{a}, forced.Diff.Added)
	assert.Equal(t, []string{a}, forced.Fresh)
}

func TestAnalyzeFiles_ResultsIsolatedPerOperation(t *testing.T) {
	engine, _ := newTestEngine(t)
	dir := t.TempDir()

	a := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(a, []byte("v1"), 0644))

	first, err := engine.AnalyzeFiles(context.Background(), AnalyzeRequest{
		Operation: "review",
		ScopeKey:  "s",
		Paths:     []string{a},
		Prompt:    pathPrompt,
	})
	require.NoError(t, err)
	require.Contains(t, first.Results, a)
	assert.Equal(t, "review", first.Results[a].Operation)

	// Same scope and unchanged file under a different operation: the review
	// run's state and results must not bleed into the style run.
	second, err := engine.AnalyzeFiles(context.Background(), AnalyzeRequest{
		Operation: "style",
		ScopeKey:  "s",
		Paths:     []string{a},
		Prompt:    pathPrompt,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{a}, second.Diff.Added)
	assert.Equal(t, []string{a}, second.Fresh)
	require.Contains(t, second.Results, a)
	assert.Equal(t, "style", second.Results[a].Operation)
}

func TestSetSink_EventsCarryEngineRunID(t *testing.T) {
	engine, _ := newTestEngine(t)

	logPath := filepath.Join(t.TempDir(), "progress.jsonl")
	sink, err := events.NewJSONLSink(logPath, engine.Tracker().RunID(), 0)
	require.NoError(t, err)
	engine.SetSink(sink)

	result, err := engine.Consult(context.Background(), ConsultRequest{Operation: "review", Prompt: passPrompt})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	// Every progress event correlates with the result it describes.
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		var e events.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		assert.Equal(t, result.RunID, e.RunID)
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Greater(t, lines, 0)
}

func TestEngineLog_LinesCarryTimestamp(t *testing.T) {
	engine, _ := newTestEngine(t)
	var buf bytes.Buffer
	engine.logger = log.New(&buf, "", 0)
	engine.logLevel = LogLevelDebug

	engine.logf(LogLevelWarn, "cache_save_failed key=%s", "k")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	fields := strings.SplitN(line, " ", 3)
	require.Len(t, fields, 3)
	_, err := time.Parse(time.RFC3339, fields[0])
	assert.NoError(t, err, "log line %q lacks a leading RFC3339 timestamp", line)
	assert.Equal(t, "WARN", fields[1])
}

func TestAnalyzeFiles_RequiresPromptBuilder(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.AnalyzeFiles(context.Background(), AnalyzeRequest{Operation: "review", ScopeKey: "s"})
	assert.Error(t, err)
}
