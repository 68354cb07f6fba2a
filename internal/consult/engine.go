package consult

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/counsel-dev/counsel/internal/cache"
	"github.com/counsel-dev/counsel/internal/consensus"
	"github.com/counsel-dev/counsel/internal/events"
	"github.com/counsel-dev/counsel/internal/model"
	"github.com/counsel-dev/counsel/internal/tool"
	"github.com/counsel-dev/counsel/internal/tracker"
)

// Engine is the run-scoped facade over the whole consultation pipeline:
// resolve policy → cache check → fan out (or fall back serially) → synthesize
// → cache save. One Engine corresponds to one run and carries that run's
// consultation budget.
type Engine struct {
	cfg      model.Config
	registry *tool.Registry
	tracker  *tracker.Tracker
	orch     *Orchestrator
	cache    *cache.Manager
	sink     events.Sink
	logger   *log.Logger
	logLevel LogLevel

	// group deduplicates concurrent consultations with the same cache key.
	group singleflight.Group
}

// NewEngine wires a fresh run. sink may be nil (treated as NopSink); logger
// may be nil.
func NewEngine(cfg model.Config, cacheMgr *cache.Manager, sink events.Sink, logger *log.Logger) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	registry := tool.NewRegistry()
	trk := tracker.New()
	invoker := tool.NewInvoker(registry, logger)
	orch := NewOrchestrator(invoker, registry, cfg.Tools, trk, cfg.Limits.MaxToolsPerRun, sink, logger, cfg.Logging.Level)
	return &Engine{
		cfg:      cfg,
		registry: registry,
		tracker:  trk,
		orch:     orch,
		cache:    cacheMgr,
		sink:     sink,
		logger:   logger,
		logLevel: parseLogLevel(cfg.Logging.Level),
	}
}

// Registry exposes the adapter registry so callers can register custom tools
// before the first consultation.
func (e *Engine) Registry() *tool.Registry {
	return e.registry
}

// SetSink replaces the progress sink before the first consultation, so a
// caller can tag the sink with this engine's run id. A nil sink disables
// reporting.
func (e *Engine) SetSink(sink events.Sink) {
	if sink == nil {
		sink = events.NopSink{}
	}
	e.sink = sink
	e.orch.sink = sink
}

// Tracker exposes the run's consultation tracker.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// ConsultRequest is one logical request for analysis.
type ConsultRequest struct {
	Operation string
	Prompt    string
	Model     string
	// ContextFiles participate in the cache key by content hash, so a change
	// to any of them invalidates the cached result.
	ContextFiles []string
	NoCache      bool
}

// ConsultResult is the aggregate answer for one consultation.
type ConsultResult struct {
	Operation string `json:"operation"`
	RunID     string `json:"run_id"`
	CacheKey  string `json:"cache_key"`
	CacheHit  bool   `json:"cache_hit"`

	// Outcome is set in single (serial fallback) mode.
	Outcome *model.Outcome `json:"outcome,omitempty"`
	// Outcomes and Consensus are set in consensus (parallel) mode.
	Outcomes  map[string]model.Outcome `json:"outcomes,omitempty"`
	Consensus *model.ConsensusResult   `json:"consensus,omitempty"`

	ToolsConsulted []string `json:"tools_consulted"`
}

// Consult runs one logical consultation. Tool failures are never returned as
// errors — they are encoded in the outcome state so the caller sees the full
// attempt trail; an error means the request itself could not be processed
// (unknown operation, unreadable context file, broken cache backend).
func (e *Engine) Consult(ctx context.Context, req ConsultRequest) (*ConsultResult, error) {
	op := e.cfg.ResolveOperation(req.Operation)
	if len(op.ToolPriority) == 0 {
		return nil, fmt.Errorf("operation %q resolves to an empty tool priority list", req.Operation)
	}

	contextHashes := make(map[string]string, len(req.ContextFiles))
	for _, path := range req.ContextFiles {
		h, err := cache.HashFile(path)
		if err != nil {
			return nil, fmt.Errorf("context file: %w", err)
		}
		contextHashes[path] = h
	}
	key := cache.Key(op.Name, req.Prompt, contextHashes)

	if !req.NoCache {
		if raw, ok := e.cache.Get(key); ok {
			e.sink.CacheCheck(key, true)
			var cached ConsultResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				cached.CacheHit = true
				return &cached, nil
			}
			// Unparseable payload: fall through to a fresh consultation.
		} else {
			e.sink.CacheCheck(key, false)
		}
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.consultFresh(ctx, op, req, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ConsultResult), nil
}

func (e *Engine) consultFresh(ctx context.Context, op model.ResolvedOperation, req ConsultRequest, key string) (*ConsultResult, error) {
	treq := tool.Request{Operation: op.Name, Prompt: req.Prompt, Model: req.Model}

	result := &ConsultResult{
		Operation: op.Name,
		RunID:     e.tracker.RunID(),
		CacheKey:  key,
	}

	if op.ConsensusEnabled && len(op.ToolPriority) > 1 {
		outcomes := e.orch.ExecuteMany(ctx, op.ToolPriority, op, treq)
		cons := consensus.Synthesize(FinalResponses(outcomes), consensus.Options{
			MinCorroboration: op.MinCorroboration,
		})
		result.Outcomes = outcomes
		result.Consensus = &cons
	} else {
		outcome := e.orch.Run(ctx, op, treq)
		result.Outcome = &outcome
	}
	result.ToolsConsulted = e.tracker.ToolsUsed()

	if !req.NoCache && cacheable(result) {
		if err := e.cache.Set(key, result, e.cfg.Cache.TTLHours); err != nil {
			e.logf(LogLevelWarn, "cache_save_failed key=%s: %v", key, err)
		} else {
			e.sink.CacheSave(key)
		}
	}
	e.sink.Complete(result)
	return result, nil
}

// cacheable reports whether a result is worth caching: total failures are
// recomputed next time rather than pinned for a TTL.
func cacheable(result *ConsultResult) bool {
	if result.Outcome != nil {
		return result.Outcome.State == model.OutcomeSucceeded
	}
	if result.Consensus != nil {
		return len(result.Consensus.ParticipatingTools) > 0
	}
	return false
}

// AnalyzeRequest is an incremental consultation over a set of input files.
type AnalyzeRequest struct {
	Operation string
	// ScopeKey identifies the incremental state record, e.g. a spec id.
	ScopeKey string
	Paths    []string
	// Prompt builds the per-file analysis prompt; prompt wording is the
	// caller's concern.
	Prompt func(path string, content []byte) string
	// Force ignores stored incremental state and re-analyzes everything.
	Force bool
}

// AnalyzeResult reports the change classification and the merged per-path
// results of an incremental run.
type AnalyzeResult struct {
	ScopeKey string                   `json:"scope_key"`
	Diff     model.ChangeSet          `json:"diff"`
	Results  map[string]ConsultResult `json:"results"`
	// Fresh lists the paths consulted this run; everything else came from the
	// prior run's merged results.
	Fresh []string `json:"fresh"`
}

// AnalyzeFiles performs an incremental run: hash the inputs, diff against the
// stored incremental state, consult only added and modified paths, merge with
// the prior results, and persist both. Unreadable paths are classified as
// removed. Missing or corrupt state degrades to a full fresh run.
func (e *Engine) AnalyzeFiles(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	if req.Prompt == nil {
		return nil, fmt.Errorf("analyze: prompt builder is required")
	}

	current, unreadable := cache.HashPaths(req.Paths)
	if len(unreadable) > 0 {
		e.logf(LogLevelWarn, "analyze_unreadable scope=%s paths=%d", req.ScopeKey, len(unreadable))
	}

	// Incremental records are namespaced per operation: unchanged-path reuse
	// must never hand one operation another operation's cached result.
	scope := req.Operation + "\x00" + req.ScopeKey

	var prev map[string]string
	if !req.Force {
		prev, _ = e.cache.IncrementalState(scope)
	}
	diff := cache.CompareFileHashes(prev, current)

	prior := cache.PathResults{}
	resultsKey := cache.Key("incremental-results", scope, nil)
	if raw, ok := e.cache.Get(resultsKey); ok {
		// Corrupt prior results read as empty, forcing fresh computation.
		_ = json.Unmarshal(raw, &prior)
	}

	fresh := cache.PathResults{}
	freshPaths := append(append([]string{}, diff.Added...), diff.Modified...)
	sort.Strings(freshPaths)
	for _, path := range freshPaths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("analyze %s: %w", path, err)
		}
		res, err := e.Consult(ctx, ConsultRequest{
			Operation: req.Operation,
			Prompt:    req.Prompt(path, content),
		})
		if err != nil {
			return nil, fmt.Errorf("analyze %s: %w", path, err)
		}
		raw, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("analyze %s: marshal result: %w", path, err)
		}
		fresh[path] = raw
	}

	combined := cache.MergeResults(prior, fresh, diff.Removed)

	if err := e.cache.Set(resultsKey, combined, e.cfg.Cache.TTLHours); err != nil {
		e.logf(LogLevelWarn, "analyze_save_results scope=%s: %v", req.ScopeKey, err)
	} else {
		e.sink.CacheSave(resultsKey)
	}
	if err := e.cache.SaveIncrementalState(scope, current, e.cfg.Cache.TTLHours); err != nil {
		e.logf(LogLevelWarn, "analyze_save_state scope=%s: %v", req.ScopeKey, err)
	}

	out := &AnalyzeResult{
		ScopeKey: req.ScopeKey,
		Diff:     diff,
		Results:  make(map[string]ConsultResult, len(combined)),
		Fresh:    freshPaths,
	}
	for path, raw := range combined {
		var res ConsultResult
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		out.Results[path] = res
	}
	e.sink.Complete(out)
	return out, nil
}

func (e *Engine) logf(level LogLevel, format string, args ...any) {
	if e.logger == nil || level < e.logLevel {
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
	e.logger.Printf("%s %s engine: %s", time.Now().Format(time.RFC3339), levelStr, fmt.Sprintf(format, args...))
}
