package estimator

import (
	"testing"
	"time"
)

func TestNewIsBootstrappingAndStale(t *testing.T) {
	e := New()
	if !e.Bootstrapping() {
		t.Fatal("a fresh Estimator should be bootstrapping")
	}
	if !e.Stale() {
		t.Fatal("a fresh Estimator with no samples should be stale")
	}
	if e.NetworkEMA() != 0 {
		t.Fatalf("NetworkEMA = %v, want 0 before any sample", e.NetworkEMA())
	}
}

func TestRecordSingleAdvancesBootstrapAndClearsStale(t *testing.T) {
	e := New()
	for i := 0; i < BootstrapThreshold; i++ {
		e.RecordSingle(10 * time.Millisecond)
	}
	if e.Bootstrapping() {
		t.Fatal("Bootstrapping should be false after BootstrapThreshold samples")
	}
	if e.Stale() {
		t.Fatal("Stale should be false immediately after a sample")
	}
}

func TestRecordSingleBootstrapCounterCapsAtThreshold(t *testing.T) {
	e := New()
	for i := 0; i < BootstrapThreshold+10; i++ {
		e.RecordSingle(time.Millisecond)
	}
	if e.Bootstrapping() {
		t.Fatal("Bootstrapping should stay false past the threshold")
	}
}

func TestRecordSingleFirstSampleSeedsEMAExactly(t *testing.T) {
	e := New()
	e.RecordSingle(100 * time.Millisecond)
	if e.NetworkEMA() != 100*time.Millisecond {
		t.Fatalf("NetworkEMA = %v, want exactly the first sample", e.NetworkEMA())
	}
}

func TestRecordSingleSubsequentSamplesUseEMAAlpha(t *testing.T) {
	e := New()
	e.RecordSingle(100 * time.Millisecond)
	e.RecordSingle(200 * time.Millisecond)

	want := 0.01*float64(200*time.Millisecond) + 0.99*float64(100*time.Millisecond)
	if float64(e.NetworkEMA()) != want {
		t.Fatalf("NetworkEMA = %v, want %v", e.NetworkEMA(), time.Duration(want))
	}
}

func TestStatementCostUnseenKeyIsZero(t *testing.T) {
	e := New()
	if got := e.StatementCost("missing"); got != 0 {
		t.Fatalf("StatementCost for an unseen key = %v, want 0", got)
	}
}

func TestRecordStatementFirstSampleSeedsExactly(t *testing.T) {
	e := New()
	e.RecordStatement("k", 50*time.Millisecond, 1.0)
	if got := e.StatementCost("k"); got != 50*time.Millisecond {
		t.Fatalf("StatementCost = %v, want the seeded value", got)
	}
}

func TestRecordStatementWeightsByBatchShare(t *testing.T) {
	e := New()
	e.RecordStatement("k", 100*time.Millisecond, 1.0)
	e.RecordStatement("k", 200*time.Millisecond, 0.25) // alpha = 0.1*0.25 = 0.025

	want := 0.025*float64(200*time.Millisecond) + 0.975*float64(100*time.Millisecond)
	if got := e.StatementCost("k"); float64(got) != want {
		t.Fatalf("StatementCost = %v, want %v", got, time.Duration(want))
	}
}

func TestRecordStatementClampsAlphaAboveOne(t *testing.T) {
	e := New()
	e.RecordStatement("k", 10*time.Millisecond, 1.0)
	// batchShare=20 would make alpha=2, clamped to 1: the new sample
	// should fully replace the running EMA.
	e.RecordStatement("k", 40*time.Millisecond, 20)
	if got := e.StatementCost("k"); got != 40*time.Millisecond {
		t.Fatalf("StatementCost = %v, want 40ms (alpha clamped to 1)", got)
	}
}

func TestMergeableTreatsZeroAsMergeable(t *testing.T) {
	if !Mergeable(0, 5*time.Millisecond) {
		t.Fatal("0 should be mergeable with anything")
	}
	if !Mergeable(5*time.Millisecond, 0) {
		t.Fatal("Mergeable should be symmetric for a zero operand")
	}
}

func TestMergeableRatioBoundary(t *testing.T) {
	if !Mergeable(10*time.Millisecond, 50*time.Millisecond) {
		t.Fatal("a 5x ratio should be mergeable (boundary inclusive)")
	}
	if Mergeable(10*time.Millisecond, 51*time.Millisecond) {
		t.Fatal("a ratio above 5x should not be mergeable")
	}
}

func TestMergeableOrderIndependent(t *testing.T) {
	if Mergeable(10*time.Millisecond, 60*time.Millisecond) != Mergeable(60*time.Millisecond, 10*time.Millisecond) {
		t.Fatal("Mergeable should not depend on argument order")
	}
}
