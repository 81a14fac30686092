package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// reportsSent counts report deliveries.
	// Labels: kind (due, summary), status (ok, error)
	reportsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hourwatch",
		Subsystem: "reports",
		Name:      "sent_total",
		Help:      "Maintenance reports handed to notification channels",
	}, []string{"kind", "status"})

	// acknowledgments counts processed acknowledgment lines by outcome.
	// Labels: outcome (accepted, invalid_machine, invalid_task, not_due, malformed)
	acknowledgments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hourwatch",
		Subsystem: "acks",
		Name:      "lines_total",
		Help:      "Acknowledgment lines processed, by outcome",
	}, []string{"outcome"})

	// logCommitFailures counts acknowledgment batches that could not be persisted.
	logCommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hourwatch",
		Subsystem: "acks",
		Name:      "commit_failures_total",
		Help:      "Acknowledgment batches aborted because the completion log could not be written",
	})

	// dueTasks tracks the number of due tasks per machine at the last computation.
	dueTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hourwatch",
		Subsystem: "maintenance",
		Name:      "due_tasks",
		Help:      "Tasks currently due per machine",
	}, []string{"machine"})

	// jobRuns counts scheduler job invocations.
	// Labels: job, status (succeeded, failed, skipped)
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hourwatch",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduled job invocations by final status",
	}, []string{"job", "status"})
)

func recordAckResult(res AckResult, malformed int) {
	if n := len(res.Accepted); n > 0 {
		acknowledgments.WithLabelValues("accepted").Add(float64(n))
	}
	for _, rej := range res.Rejected {
		switch rej.Reason {
		case ReasonInvalidMachine:
			acknowledgments.WithLabelValues("invalid_machine").Inc()
		case ReasonInvalidTask:
			acknowledgments.WithLabelValues("invalid_task").Inc()
		case ReasonNotDue:
			acknowledgments.WithLabelValues("not_due").Inc()
		}
	}
	if malformed > 0 {
		acknowledgments.WithLabelValues("malformed").Add(float64(malformed))
	}
}

func recordDueSet(due DueSet) {
	for machine, tasks := range due {
		dueTasks.WithLabelValues(machine).Set(float64(len(tasks)))
	}
}
