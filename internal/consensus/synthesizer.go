// Package consensus aggregates multiple tools' reviews of the same input into
// a single verdict.
package consensus

import (
	"sort"
	"strings"
	"unicode"

	"github.com/counsel-dev/counsel/internal/model"
)

// DefaultMinCorroboration is how many distinct tools must report an issue
// before it is retained in the consensus output.
const DefaultMinCorroboration = 2

// Options tunes the synthesis.
type Options struct {
	// MinCorroboration demotes issues reported by fewer tools to the
	// observations list. Values < 1 fall back to the default.
	MinCorroboration int
}

// Synthesize combines tool responses into one ConsensusResult. Only successful
// responses participate; non-success responses are listed as failures and
// excluded from the agreement-rate denominator. With zero participants the
// verdict is needs_review — an explicit "could not determine", never a silent
// pass.
func Synthesize(responses []model.ToolResponse, opts Options) model.ConsensusResult {
	minCorroboration := opts.MinCorroboration
	if minCorroboration < 1 {
		minCorroboration = DefaultMinCorroboration
	}

	var participants []model.ToolResponse
	var failed []string
	for _, resp := range responses {
		if resp.Status == model.StatusSuccess && resp.Review != nil {
			participants = append(participants, resp)
		} else {
			failed = append(failed, resp.Tool)
		}
	}
	sort.Strings(failed)
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].Tool < participants[j].Tool
	})

	result := model.ConsensusResult{
		Verdict:     model.VerdictNeedsReview,
		Issues:      []model.ConsensusIssue{},
		FailedTools: failed,
	}
	for _, p := range participants {
		result.ParticipatingTools = append(result.ParticipatingTools, p.Tool)
	}
	if len(participants) == 0 {
		result.ParticipatingTools = []string{}
		return result
	}

	result.Verdict = majorityVerdict(participants)
	matching := 0
	for _, p := range participants {
		if p.Review.Verdict == result.Verdict {
			matching++
		}
	}
	result.AgreementRate = float64(matching) / float64(len(participants))

	retained, observations := corroborateIssues(participants, minCorroboration)
	result.Issues = retained
	result.Observations = observations
	result.Recommendations = collectRecommendations(participants)
	return result
}

// majorityVerdict returns the most frequent individual verdict; ties resolve
// by precedence so a PASS/FAIL split comes out FAIL.
func majorityVerdict(participants []model.ToolResponse) model.Verdict {
	counts := make(map[model.Verdict]int)
	for _, p := range participants {
		counts[p.Review.Verdict]++
	}

	best := model.VerdictNeedsReview
	bestCount := -1
	for verdict, count := range counts {
		if count > bestCount || (count == bestCount && verdict.Precedence() < best.Precedence()) {
			best = verdict
			bestCount = count
		}
	}
	return best
}

// issueGroup accumulates reports of the same (normalized) issue across tools.
type issueGroup struct {
	description string
	severity    model.Severity
	tools       map[string]bool
}

// corroborateIssues groups issues by normalized description and splits them
// into corroborated issues and single-source observations. Observations are
// kept rather than discarded so no finding is silently lost.
func corroborateIssues(participants []model.ToolResponse, minCorroboration int) (issues, observations []model.ConsensusIssue) {
	groups := make(map[string]*issueGroup)
	var order []string

	for _, p := range participants {
		for _, issue := range p.Review.Issues {
			key := normalizeDescription(issue.Description)
			if key == "" {
				continue
			}
			g, ok := groups[key]
			if !ok {
				g = &issueGroup{
					description: issue.Description,
					severity:    issue.Severity,
					tools:       make(map[string]bool),
				}
				groups[key] = g
				order = append(order, key)
			}
			g.tools[p.Tool] = true
			// Keep the most severe wording's severity for the group.
			if issue.Severity.Rank() < g.severity.Rank() {
				g.severity = issue.Severity
			}
		}
	}

	issues = []model.ConsensusIssue{}
	for _, key := range order {
		g := groups[key]
		tools := make([]string, 0, len(g.tools))
		for t := range g.tools {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		ci := model.ConsensusIssue{
			Severity:        g.severity,
			Description:     g.description,
			SupportingTools: tools,
		}
		if len(tools) >= minCorroboration {
			issues = append(issues, ci)
		} else {
			observations = append(observations, ci)
		}
	}

	bySeverity := func(list []model.ConsensusIssue) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Severity.Rank() != list[j].Severity.Rank() {
				return list[i].Severity.Rank() < list[j].Severity.Rank()
			}
			return list[i].Description < list[j].Description
		})
	}
	bySeverity(issues)
	bySeverity(observations)
	return issues, observations
}

// collectRecommendations deduplicates recommendations across tools by
// normalized text, preserving the first-seen original wording.
func collectRecommendations(participants []model.ToolResponse) []string {
	seen := make(map[string]bool)
	var recs []string
	for _, p := range participants {
		for _, rec := range p.Review.Recommendations {
			key := normalizeDescription(rec)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			recs = append(recs, strings.TrimSpace(rec))
		}
	}
	sort.Strings(recs)
	return recs
}

// normalizeDescription folds case, strips punctuation, and collapses
// whitespace so differently worded reports of the same issue can match.
func normalizeDescription(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
