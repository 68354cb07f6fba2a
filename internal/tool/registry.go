// Package tool wraps external analysis CLIs: a registry of per-tool adapters
// that build argument lists and parse output, and an invoker that runs the
// child process and classifies the outcome.
package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/counsel-dev/counsel/internal/model"
)

// Request carries the inputs an adapter needs to build an invocation.
type Request struct {
	Operation string
	Prompt    string
	Model     string
}

// Adapter is the per-tool capability: build the argument list for a request
// and parse raw output into a structured review. Adding a tool means
// registering a new Adapter, not editing a central conditional.
type Adapter interface {
	// BuildArgs returns the arguments that follow the tool binary in the
	// argument vector. The binary itself comes from configuration.
	BuildArgs(req Request) []string
	// ParseReview validates and parses raw stdout. An error marks the
	// invocation invalid_output.
	ParseReview(output string) (*model.Review, error)
}

// Registry maps tool ids to adapters. Safe for concurrent use; in practice it
// is populated once at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry pre-populated with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register("gemini", geminiAdapter{})
	r.Register("cursor-agent", cursorAgentAdapter{})
	r.Register("claude", claudeAdapter{})
	r.Register("codex", codexAdapter{})
	return r
}

// Register adds or replaces the adapter for a tool id.
func (r *Registry) Register(id string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[id] = a
}

// Resolve returns the adapter for a tool id. Unregistered ids fall back to the
// generic JSON-envelope adapter so a config-only tool still works.
func (r *Registry) Resolve(id string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[id]; ok {
		return a
	}
	return genericAdapter{}
}

// IDs returns the registered tool ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- Built-in adapters ---

type geminiAdapter struct{}

func (geminiAdapter) BuildArgs(req Request) []string {
	args := []string{}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	return append(args, "-p", req.Prompt)
}

func (geminiAdapter) ParseReview(output string) (*model.Review, error) {
	return parseReviewEnvelope(output)
}

type cursorAgentAdapter struct{}

func (cursorAgentAdapter) BuildArgs(req Request) []string {
	args := []string{"--print", "--output-format", "text"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, req.Prompt)
}

func (cursorAgentAdapter) ParseReview(output string) (*model.Review, error) {
	return parseReviewEnvelope(output)
}

type claudeAdapter struct{}

func (claudeAdapter) BuildArgs(req Request) []string {
	args := []string{"-p"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, req.Prompt)
}

func (claudeAdapter) ParseReview(output string) (*model.Review, error) {
	return parseReviewEnvelope(output)
}

type codexAdapter struct{}

func (codexAdapter) BuildArgs(req Request) []string {
	args := []string{"exec"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, req.Prompt)
}

func (codexAdapter) ParseReview(output string) (*model.Review, error) {
	return parseReviewEnvelope(output)
}

// genericAdapter handles tools that take the prompt as a single trailing
// argument and emit the standard JSON review envelope.
type genericAdapter struct{}

func (genericAdapter) BuildArgs(req Request) []string {
	return []string{req.Prompt}
}

func (genericAdapter) ParseReview(output string) (*model.Review, error) {
	return parseReviewEnvelope(output)
}

// reviewEnvelope is the wire shape tools are prompted to emit.
type reviewEnvelope struct {
	Verdict         string   `json:"verdict"`
	Issues          []issueEnvelope `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

type issueEnvelope struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// parseReviewEnvelope extracts the JSON review object from tool output. Tools
// often wrap the object in prose or a fenced code block, so the parser scans
// for the first balanced object that carries a verdict field.
func parseReviewEnvelope(output string) (*model.Review, error) {
	raw, err := extractJSONObject(output)
	if err != nil {
		return nil, err
	}

	var env reviewEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse review envelope: %w", err)
	}

	verdict, err := model.ParseVerdict(env.Verdict)
	if err != nil {
		return nil, fmt.Errorf("review envelope: %w", err)
	}

	review := &model.Review{Verdict: verdict, Recommendations: env.Recommendations}
	for _, is := range env.Issues {
		desc := strings.TrimSpace(is.Description)
		if desc == "" {
			continue
		}
		review.Issues = append(review.Issues, model.Issue{
			Severity:    model.ParseSeverity(is.Severity),
			Description: desc,
		})
	}
	return review, nil
}

// extractJSONObject returns the first balanced top-level JSON object in s that
// contains a "verdict" key. Brace counting ignores braces inside strings.
func extractJSONObject(s string) (json.RawMessage, error) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if strings.Contains(candidate, `"verdict"`) && json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate), nil
					}
					// Not the envelope; resume scanning after this object.
					start = i
					i = len(s)
				}
			}
		}
	}
	return nil, fmt.Errorf("no JSON review object with a verdict field in output")
}
