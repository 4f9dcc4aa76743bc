package metrics_test

import (
	"testing"

	"github.com/prologueii14/pqctls/internal/metrics"
	"github.com/prologueii14/pqctls/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestMetrics_FollowTracker(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(reg)

	tr := stats.NewTracker("replay", m)
	tr.Start()
	tr.Record(true, 4000, 1000)
	tr.Record(true, 200, 200)
	tr.Record(false, 900, 900)
	tr.Finish()

	wantAttempts := map[string]float64{"success": 2, "failure": 1}
	for _, metric := range gather(t, reg, "pqcsim_connection_attempts_total") {
		result := label(metric, "result")
		if got := metric.GetCounter().GetValue(); got != wantAttempts[result] {
			t.Errorf("attempts{result=%q} = %g, want %g", result, got, wantAttempts[result])
		}
	}

	wantBytes := map[string]float64{"credited": 4200, "payload": 1200}
	for _, metric := range gather(t, reg, "pqcsim_bytes_total") {
		kind := label(metric, "kind")
		if got := metric.GetCounter().GetValue(); got != wantBytes[kind] {
			t.Errorf("bytes{kind=%q} = %g, want %g", kind, got, wantBytes[kind])
		}
	}

	if got := gather(t, reg, "pqcsim_active_runs")[0].GetGauge().GetValue(); got != 0 {
		t.Errorf("active_runs = %g after finish, want 0", got)
	}
	ratio := gather(t, reg, "pqcsim_last_run_success_ratio")[0].GetGauge().GetValue()
	if ratio < 0.66 || ratio > 0.67 {
		t.Errorf("last_run_success_ratio = %g, want 2/3", ratio)
	}
	if n := testutil.CollectAndCount(reg, "pqcsim_runs_total"); n != 1 {
		t.Errorf("runs_total series = %d, want 1", n)
	}
}
