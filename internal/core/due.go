package core

import (
	"math"
	"strings"
	"time"

	"hourwatch/internal/catalog"
)

// ComputeDue derives the tasks currently due on every machine in runtimes.
//
// A task is due when runtime has advanced at least one interval past the
// highest runtime recorded at a completion, and at least interval hours of
// wall-clock time have passed since the latest completion. The reported
// threshold is the most recent one crossed. Machines not in the catalog are
// ignored; every other machine in runtimes gets an entry, possibly empty.
func ComputeDue(now time.Time, runtimes RuntimeSnapshot, cat *catalog.Catalog, log []CompletionRecord) DueSet {
	due := make(DueSet, len(runtimes))
	for name, current := range runtimes {
		machine, ok := cat.Machine(name)
		if !ok {
			continue
		}
		tasks := make([]DueTask, 0)
		for _, task := range machine.Tasks {
			if whenDue, ok := dueAt(now, current, machine.Name, task, log); ok {
				tasks = append(tasks, DueTask{Task: task.Name, RuntimeWhenDue: whenDue})
			}
		}
		due[machine.Name] = tasks
	}
	return due
}

func dueAt(now time.Time, current float64, machine string, task catalog.Task, log []CompletionRecord) (float64, bool) {
	interval := task.IntervalHours

	var lastDone time.Time
	lastRuntime := 0.0
	found := false
	for _, rec := range log {
		if !strings.EqualFold(rec.Machine, machine) || !strings.EqualFold(rec.Task, task.Name) {
			continue
		}
		rt := rec.RuntimeAtCompletion.OrZero()
		if !found {
			lastDone, lastRuntime, found = rec.Timestamp, rt, true
			continue
		}
		if rec.Timestamp.After(lastDone) {
			lastDone = rec.Timestamp
		}
		lastRuntime = math.Max(lastRuntime, rt)
	}

	if found && now.Sub(lastDone).Hours() < interval {
		return 0, false
	}
	if current < lastRuntime+interval {
		return 0, false
	}
	overdue := math.Floor((current-lastRuntime)/interval) * interval
	if overdue > 0 {
		return lastRuntime + overdue, true
	}
	return lastRuntime + interval, true
}
