package core

import (
	"fmt"
	"strings"
	"time"

	"hourwatch/internal/catalog"
)

// Message titles. Inbound email replies are matched on the due report title.
const (
	DueReportTitle     = "Automated Maintenance Report"
	SummaryReportTitle = "Daily Maintenance Summary Report"
	ConfirmationTitle  = "Maintenance Task Confirmation"
	OperatorAlertTitle = "Maintenance Log Write Failed"
)

const invalidFormatHint = "Invalid format (use '[task] on [machine] completed')"

// summaryWindow is how far back the summary report lists completions.
const summaryWindow = 24 * time.Hour

// FormatDueReport renders runtimes and due tasks for each machine in order.
func FormatDueReport(machines []string, runtimes RuntimeSnapshot, due DueSet) string {
	var b strings.Builder
	b.WriteString(DueReportTitle + "\n\n")
	for _, machine := range machines {
		if hours, ok := runtimes[machine]; ok {
			fmt.Fprintf(&b, "%s runtime: %s hours\n", machine, FormatHours(hours))
		} else {
			fmt.Fprintf(&b, "%s runtime: Data unavailable\n", machine)
		}
		if tasks := due[machine]; len(tasks) > 0 {
			b.WriteString("  Maintenance due:\n")
			writeDueTasks(&b, tasks)
		} else {
			b.WriteString("  No maintenance due yet.\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("To log completed tasks, reply to this message with:\n")
	b.WriteString("  '[task] on [machine] completed'\n")
	b.WriteString("For multiple tasks, use one per line, e.g.:\n")
	b.WriteString("  Lubricate on CNC Machine completed\n")
	b.WriteString("  Oil Change on Motor completed\n")
	b.WriteString("Tasks must match the due tasks listed above.\n")
	return b.String()
}

// FormatSummaryReport lists completions from the 24 hours before asOf and
// every task still due.
func FormatSummaryReport(cat *catalog.Catalog, log []CompletionRecord, due DueSet, asOf time.Time) string {
	var b strings.Builder
	b.WriteString(SummaryReportTitle + "\n\n")

	b.WriteString("Tasks Completed in Last 24 Hours:\n")
	cutoff := asOf.Add(-summaryWindow)
	listed := 0
	for _, rec := range log {
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		fmt.Fprintf(&b, "  - %s on %s by %s at %s hours (completed %s)\n",
			catalog.Canonical(rec.Task), machineLabel(cat, rec.Machine), rec.User,
			rec.RuntimeAtCompletion, rec.Timestamp.In(asOf.Location()).Format(time.RFC3339))
		listed++
	}
	if listed == 0 {
		b.WriteString("  - None\n")
	}
	b.WriteString("\n")

	b.WriteString("Pending Maintenance Tasks:\n")
	pending := false
	for _, machine := range cat.MachineNames() {
		tasks := due[machine]
		if len(tasks) == 0 {
			continue
		}
		pending = true
		fmt.Fprintf(&b, "  %s:\n", machine)
		writeDueTasks(&b, tasks)
	}
	if !pending {
		b.WriteString("  - None\n")
	}
	return b.String()
}

// FormatConfirmation renders the reply sent to whoever submitted an
// acknowledgment.
func FormatConfirmation(res AckResult, malformed []string) string {
	var b strings.Builder
	b.WriteString("Maintenance Task Submission Result:\n\n")
	if len(res.Accepted) == 0 && len(res.Rejected) == 0 && len(malformed) == 0 {
		b.WriteString("No tasks submitted in your reply.\n")
		return b.String()
	}
	if len(res.Accepted) > 0 {
		b.WriteString("Accepted Tasks:\n")
		for _, a := range res.Accepted {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	} else {
		b.WriteString("No tasks accepted.\n")
	}
	if len(res.Rejected) > 0 || len(malformed) > 0 {
		b.WriteString("\nRejected Tasks:\n")
		for _, line := range res.RejectedLines() {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
		for _, line := range malformed {
			fmt.Fprintf(&b, "  - %s - %s\n", line, invalidFormatHint)
		}
	}
	return b.String()
}

func writeDueTasks(b *strings.Builder, tasks []DueTask) {
	for _, t := range tasks {
		fmt.Fprintf(b, "    - %s (due at %s hours)\n", t.Task, FormatHours(t.RuntimeWhenDue))
	}
}

// machineLabel shows a logged machine name as the catalog spells it.
func machineLabel(cat *catalog.Catalog, machine string) string {
	if key, ok := cat.ResolveMachine(machine); ok {
		return key
	}
	return catalog.Canonical(machine)
}
