package observability

import (
	"strings"
	"testing"
)

func TestCountersAccumulateAcrossLabelSets(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("processor_completed_total", map[string]string{"tier": "soulmate"}, 1)
	r.IncCounter("processor_completed_total", map[string]string{"tier": "soulmate"}, 2)
	r.IncCounter("processor_completed_total", map[string]string{"tier": "fallback"}, 1)
	r.IncCounter("orchestrator_dedup_hits_total", nil, 0) // no-op delta

	snap := r.Snapshot()
	got := map[string]float64{}
	for _, c := range snap.Counters {
		got[c.Name+"/"+c.Labels["tier"]] = c.Value
	}
	if got["processor_completed_total/soulmate"] != 3 {
		t.Fatalf("soulmate counter = %v, want 3", got["processor_completed_total/soulmate"])
	}
	if got["processor_completed_total/fallback"] != 1 {
		t.Fatalf("fallback counter = %v, want 1", got["processor_completed_total/fallback"])
	}
	if _, ok := got["orchestrator_dedup_hits_total/"]; ok {
		t.Fatalf("zero delta created a counter")
	}
}

func TestGaugeOverwrites(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("realtime_active_connections", nil, 4)
	r.SetGauge("realtime_active_connections", nil, 2)

	snap := r.Snapshot()
	if len(snap.Gauges) != 1 || snap.Gauges[0].Value != 2 {
		t.Fatalf("gauge = %+v, want single value 2", snap.Gauges)
	}
}

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("queue_claimed_total", map[string]string{"queue_backend": "memory", "worker_id": "w1"}, 3)
	r.SetGauge("dead_letter_count", map[string]string{"queue_backend": "memory"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `queue_claimed_total{queue_backend="memory",worker_id="w1"} 3`) {
		t.Fatalf("missing claimed metric in output: %s", out)
	}
	if !strings.Contains(out, `dead_letter_count{queue_backend="memory"} 2`) {
		t.Fatalf("missing dead-letter gauge in output: %s", out)
	}
}

func TestRenderPrometheusSanitizesNames(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("worker.job.processed", nil, 1)
	r.IncCounter("   ", nil, 1)

	out := r.RenderPrometheus()
	if !strings.Contains(out, "worker_job_processed 1") {
		t.Fatalf("dotted name not sanitized: %s", out)
	}
	if !strings.Contains(out, "commatch_metric 1") {
		t.Fatalf("blank name not replaced with fallback: %s", out)
	}
}

func TestSnapshotIsolatedFromLaterWrites(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"kind": "CandidateSourceUnavailable"}
	r.IncCounter("processor_retried_total", labels, 1)
	snap := r.Snapshot()

	labels["kind"] = "mutated"
	r.IncCounter("processor_retried_total", map[string]string{"kind": "CandidateSourceUnavailable"}, 5)

	if snap.Counters[0].Value != 1 {
		t.Fatalf("snapshot value changed after later increment: %v", snap.Counters[0].Value)
	}
	if snap.Counters[0].Labels["kind"] != "CandidateSourceUnavailable" {
		t.Fatalf("snapshot labels aliased caller map: %+v", snap.Counters[0].Labels)
	}
}
