// Package metrics defines the Prometheus collectors each layer publishes,
// grounded in the teacher's api/metrics.Registry / NewRegistry wrapper
// around prometheus.Registerer (api/metrics/metrics.go), generalized here
// from a generic registry shell to concrete per-layer counters/gauges
// (SPEC_FULL.md §4.9).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "dagbft"

// Registry is the subset of prometheus.Registerer the core depends on,
// mirroring the teacher's Registerer alias so a caller can pass a real
// *prometheus.Registry or a test double.
type Registry interface {
	prometheus.Registerer
}

// NewRegistry returns a fresh prometheus registry, matching the teacher's
// NewRegistry() helper.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Transport holds L0 counters.
type Transport struct {
	Sent      prometheus.Counter
	Received  prometheus.Counter
	AuthDrops prometheus.Counter
}

// NewTransport registers and returns L0 metrics.
func NewTransport(reg Registry) *Transport {
	t := &Transport{
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "sent_total",
			Help: "messages sent",
		}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "received_total",
			Help: "messages received with a valid MAC",
		}),
		AuthDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "auth_drops_total",
			Help: "messages dropped for MAC verification failure",
		}),
	}
	reg.MustRegister(t.Sent, t.Received, t.AuthDrops)
	return t
}

// RBC holds L1 CT-RBC counters.
type RBC struct {
	InstancesStarted   prometheus.Counter
	InstancesDelivered prometheus.Counter
	ProofFailures      prometheus.Counter
	DecodeFailures     prometheus.Counter
}

// NewRBC registers and returns L1 metrics.
func NewRBC(reg Registry) *RBC {
	r := &RBC{
		InstancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rbc", Name: "instances_started_total",
		}),
		InstancesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rbc", Name: "instances_delivered_total",
		}),
		ProofFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rbc", Name: "proof_failures_total",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rbc", Name: "decode_failures_total",
		}),
	}
	reg.MustRegister(r.InstancesStarted, r.InstancesDelivered, r.ProofFailures, r.DecodeFailures)
	return r
}

// DAG holds L6 counters/gauges.
type DAG struct {
	VerticesAdded  prometheus.Counter
	VerticesBuffered prometheus.Gauge
	CurrentRound   prometheus.Gauge
	WavesCommitted prometheus.Counter
}

// NewDAG registers and returns L6 metrics.
func NewDAG(reg Registry) *DAG {
	d := &DAG{
		VerticesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dag", Name: "vertices_added_total",
		}),
		VerticesBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dag", Name: "vertices_buffered",
		}),
		CurrentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "dag", Name: "current_round",
		}),
		WavesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dag", Name: "waves_committed_total",
		}),
	}
	reg.MustRegister(d.VerticesAdded, d.VerticesBuffered, d.CurrentRound, d.WavesCommitted)
	return d
}
