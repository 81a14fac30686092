package core

import (
	"fmt"
	"strings"
	"time"

	"hourwatch/internal/catalog"
)

// Rejection is an acknowledgment that was refused, with the text the sender
// typed.
type Rejection struct {
	Task    string       `json:"task"`
	Machine string       `json:"machine"`
	Reason  RejectReason `json:"reason"`
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s on %s - %s", r.Task, r.Machine, r.Reason)
}

// AckResult is the outcome of validating one batch of acknowledgments.
// Records holds the completions to append for the accepted pairs.
type AckResult struct {
	Accepted []string           `json:"accepted"`
	Rejected []Rejection        `json:"rejected"`
	Records  []CompletionRecord `json:"records"`
}

// RejectedLines renders rejections as "<task> on <machine> - <reason>".
func (r AckResult) RejectedLines() []string {
	lines := make([]string, 0, len(r.Rejected))
	for _, rej := range r.Rejected {
		lines = append(lines, rej.String())
	}
	return lines
}

// ValidateAndRecord checks each pair against the catalog and the current
// due-set and builds a completion record for every pair that passes. Only
// tasks in due are accepted. A task listed twice is accepted twice: due is
// not updated as records are built.
func ValidateAndRecord(pairs []AckPair, sender string, due DueSet, cat *catalog.Catalog, runtimes RuntimeSnapshot, now time.Time) AckResult {
	var res AckResult
	for _, p := range pairs {
		task := catalog.Canonical(p.Task)
		machine, ok := cat.ResolveMachine(catalog.Canonical(p.Machine))
		if !ok {
			res.Rejected = append(res.Rejected, Rejection{Task: p.Task, Machine: p.Machine, Reason: ReasonInvalidMachine})
			continue
		}
		if _, ok := cat.Interval(machine, task); !ok {
			res.Rejected = append(res.Rejected, Rejection{Task: p.Task, Machine: p.Machine, Reason: ReasonInvalidTask})
			continue
		}
		entry, ok := due.Find(machine, task)
		if !ok {
			res.Rejected = append(res.Rejected, Rejection{Task: p.Task, Machine: p.Machine, Reason: ReasonNotDue})
			continue
		}

		atCompletion := UnknownRuntime
		if hours, ok := runtimes[machine]; ok {
			atCompletion = KnownRuntime(hours)
		}
		res.Records = append(res.Records, CompletionRecord{
			User:                sender,
			Task:                strings.ToLower(task),
			Machine:             strings.ToLower(machine),
			Timestamp:           now,
			RuntimeWhenDue:      entry.RuntimeWhenDue,
			RuntimeAtCompletion: atCompletion,
		})
		res.Accepted = append(res.Accepted, task+" on "+machine)
	}
	return res
}
