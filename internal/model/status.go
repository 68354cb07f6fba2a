// Package model defines the data structures for counsel's configuration,
// tool responses, and consensus results.
package model

import (
	"fmt"
	"strings"
)

// ToolStatus classifies the outcome of one invocation attempt against one tool.
type ToolStatus string

const (
	StatusSuccess       ToolStatus = "success"
	StatusTimeout       ToolStatus = "timeout"
	StatusNotFound      ToolStatus = "not_found"
	StatusInvalidOutput ToolStatus = "invalid_output"
	StatusError         ToolStatus = "error"
)

var validToolStatuses = map[ToolStatus]bool{
	StatusSuccess:       true,
	StatusTimeout:       true,
	StatusNotFound:      true,
	StatusInvalidOutput: true,
	StatusError:         true,
}

func (s ToolStatus) IsValid() bool {
	return validToolStatuses[s]
}

// ParseToolStatus converts a config string into a ToolStatus.
func ParseToolStatus(s string) (ToolStatus, error) {
	st := ToolStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("unknown tool status %q", s)
	}
	return st, nil
}

// Verdict is a tool's (or the consensus) judgment on the analyzed input.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictFail        Verdict = "fail"
	VerdictPartial     Verdict = "partial"
	VerdictNeedsReview Verdict = "needs_review"
)

// verdictPrecedence orders verdicts for majority tie-breaking. Lower value
// wins a tie, so a PASS/FAIL split resolves to FAIL rather than silently
// passing.
var verdictPrecedence = map[Verdict]int{
	VerdictFail:        0,
	VerdictPartial:     1,
	VerdictNeedsReview: 2,
	VerdictPass:        3,
}

func (v Verdict) IsValid() bool {
	_, ok := verdictPrecedence[v]
	return ok
}

// Precedence returns the tie-break rank of v (lower wins).
func (v Verdict) Precedence() int {
	if p, ok := verdictPrecedence[v]; ok {
		return p
	}
	return len(verdictPrecedence)
}

// ParseVerdict accepts the common spellings tools emit ("PASS", "needs-review",
// "NEEDS_REVIEW", ...) and normalizes them.
func ParseVerdict(s string) (Verdict, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	v := Verdict(norm)
	if !v.IsValid() {
		return "", fmt.Errorf("unknown verdict %q", s)
	}
	return v, nil
}

// Severity ranks an issue reported by a tool.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityInfo:     2,
}

func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordering rank of s (critical first).
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// ParseSeverity normalizes a severity string, defaulting unknown values to info
// rather than rejecting the whole review over one malformed field.
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.IsValid() {
		return sev
	}
	return SeverityInfo
}
