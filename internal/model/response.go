package model

import "time"

// Issue is a single finding reported by a tool's review.
type Issue struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Review is the structured payload a tool returns on success: its individual
// verdict plus findings and recommendations. Adapters parse raw tool output
// into this shape; output that cannot be parsed classifies the attempt as
// invalid_output.
type Review struct {
	Verdict         Verdict  `json:"verdict"`
	Issues          []Issue  `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ToolResponse is the immutable outcome of one invocation attempt against one
// tool. Invariant: Status == StatusSuccess implies Output != "" and Review != nil.
type ToolResponse struct {
	Tool     string        `json:"tool"`
	Status   ToolStatus    `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Review   *Review       `json:"review,omitempty"`
}

// OutcomeState is the terminal state of one fallback/retry run.
type OutcomeState string

const (
	OutcomeSucceeded OutcomeState = "succeeded"
	// OutcomeExhausted means at least one tool was attempted and none succeeded.
	OutcomeExhausted OutcomeState = "exhausted"
	// OutcomeBudgetDenied means the consultation budget prevented every
	// candidate tool from being attempted at all.
	OutcomeBudgetDenied OutcomeState = "budget_denied"
)

// Outcome is the caller-visible result of driving the fallback/retry
// orchestrator over a tool priority list. Attempts always carries the full
// per-attempt trail so a failure can report which tools were tried, in what
// order, and their final statuses.
type Outcome struct {
	State    OutcomeState   `json:"state"`
	Response *ToolResponse  `json:"response,omitempty"`
	Attempts []ToolResponse `json:"attempts"`
}

// ConsensusIssue is an issue retained in (or demoted from) the consensus
// output, with the set of tools that corroborate it.
type ConsensusIssue struct {
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	SupportingTools []string `json:"supporting_tools"`
}

// ConsensusResult aggregates multiple successful tool reviews into one verdict.
type ConsensusResult struct {
	Verdict            Verdict          `json:"verdict"`
	AgreementRate      float64          `json:"agreement_rate"`
	Issues             []ConsensusIssue `json:"issues"`
	Observations       []ConsensusIssue `json:"observations,omitempty"`
	Recommendations    []string         `json:"recommendations,omitempty"`
	ParticipatingTools []string         `json:"participating_tools"`
	FailedTools        []string         `json:"failed_tools,omitempty"`
}

// ChangeSet classifies every path of two hash maps into exactly one bucket.
type ChangeSet struct {
	Added     []string `json:"added"`
	Modified  []string `json:"modified"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
}

// HasChanges reports whether a fresh consultation is needed at all.
func (c ChangeSet) HasChanges() bool {
	return len(c.Added) > 0 || len(c.Modified) > 0 || len(c.Removed) > 0
}
