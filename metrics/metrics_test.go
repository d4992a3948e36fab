package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransportCountersIncrement(t *testing.T) {
	reg := NewRegistry()
	tr := NewTransport(reg)

	tr.Sent.Inc()
	tr.Sent.Inc()
	tr.Received.Inc()
	tr.AuthDrops.Inc()

	if got := testutil.ToFloat64(tr.Sent); got != 2 {
		t.Fatalf("Sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(tr.Received); got != 1 {
		t.Fatalf("Received = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tr.AuthDrops); got != 1 {
		t.Fatalf("AuthDrops = %v, want 1", got)
	}
}

func TestRBCCounters(t *testing.T) {
	reg := NewRegistry()
	r := NewRBC(reg)

	r.InstancesStarted.Inc()
	r.InstancesDelivered.Inc()
	r.ProofFailures.Inc()
	r.DecodeFailures.Inc()

	if got := testutil.ToFloat64(r.InstancesStarted); got != 1 {
		t.Fatalf("InstancesStarted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.DecodeFailures); got != 1 {
		t.Fatalf("DecodeFailures = %v, want 1", got)
	}
}

func TestDAGGaugesAndCounters(t *testing.T) {
	reg := NewRegistry()
	d := NewDAG(reg)

	d.VerticesAdded.Inc()
	d.VerticesBuffered.Set(5)
	d.CurrentRound.Set(3)
	d.WavesCommitted.Inc()

	if got := testutil.ToFloat64(d.VerticesBuffered); got != 5 {
		t.Fatalf("VerticesBuffered = %v, want 5", got)
	}
	if got := testutil.ToFloat64(d.CurrentRound); got != 3 {
		t.Fatalf("CurrentRound = %v, want 3", got)
	}
	if got := testutil.ToFloat64(d.WavesCommitted); got != 1 {
		t.Fatalf("WavesCommitted = %v, want 1", got)
	}
}

func TestSeparateRegistriesAllowDuplicateCollectorNames(t *testing.T) {
	// Each node in the demo CLI/tests gets its own registry since the
	// collector names are identical across nodes; a second NewRBC against
	// the SAME registry would panic via MustRegister.
	regA := NewRegistry()
	regB := NewRegistry()
	NewRBC(regA)
	NewRBC(regB)
}
