// Package metrics wires the transport's internal counters into
// Prometheus, the way runZeroInc-sockstats exposes kernel TCP info
// through a client_golang exporter. Nothing on the hot fence path in
// spec.md §4.1 reads or writes these; they are observed from the
// progress pump after the fact.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// InFlightDepth tracks in_flight_len per context, the testable
	// property spec.md §8 calls out: submitted remote commands minus
	// observed replies.
	InFlightDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "urpc",
		Name:      "in_flight_depth",
		Help:      "Submitted remote commands awaiting their reply, per context.",
	}, []string{"context"})

	// CommandsSubmitted counts every call_async/call_vh_async submission.
	CommandsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urpc",
		Name:      "commands_submitted_total",
		Help:      "Commands submitted for execution, per context.",
	}, []string{"context"})

	// CommandsCompleted counts replies delivered to a waiter.
	CommandsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urpc",
		Name:      "commands_completed_total",
		Help:      "Commands whose reply was delivered, per context and status.",
	}, []string{"context", "status"})

	// AllocTimeouts counts payload-arena allocation timeouts.
	AllocTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urpc",
		Name:      "arena_alloc_timeouts_total",
		Help:      "Payload arena allocations that timed out, per peer.",
	}, []string{"peer"})

	// ProtocolViolations counts fatal progress-loop violations (spec.md
	// §7): a reply with an empty in-flight queue, or similar.
	ProtocolViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urpc",
		Name:      "protocol_violations_total",
		Help:      "Fatal protocol violations observed by the progress pump, per context.",
	}, []string{"context"})
)

// MustRegister registers every urpc collector on reg. Call once per
// process; reg is usually prometheus.DefaultRegisterer.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(InFlightDepth, CommandsSubmitted, CommandsCompleted, AllocTimeouts, ProtocolViolations)
}
