package hdcpmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
	hdcpmetrics "github.com/dantte-lp/gohdcp/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hdcpmetrics.NewCollector(reg)

	if c.StateTransitions == nil || c.Authentications == nil || c.LinkChecks == nil ||
		c.ReadFailures == nil || c.RiUpdates == nil || c.Authenticated == nil {
		t.Fatalf("collector has nil vectors: %+v", c)
	}

	c.IncReadFailures("tx")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "gohdcp_hdcp_register_failures_total" {
			found = true
		}
	}
	if !found {
		t.Error("gohdcp_hdcp_register_failures_total not gathered")
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	hdcpmetrics.NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("second NewCollector on the same registry did not panic")
		}
	}()
	hdcpmetrics.NewCollector(reg)
}

func TestCounters(t *testing.T) {
	t.Parallel()

	c := hdcpmetrics.NewCollector(prometheus.NewRegistry())

	c.IncAuthentications("tx", hdcp.ResultPassed)
	c.IncAuthentications("tx", hdcp.ResultPassed)
	c.IncAuthentications("tx", hdcp.ResultFailed)
	c.IncLinkChecks("rx", hdcp.ResultFailed)
	c.IncReadFailures("rx")
	c.IncRiUpdates("rx")
	c.IncRiUpdates("rx")
	c.IncRiUpdates("rx")

	tests := []struct {
		name string
		vec  *prometheus.CounterVec
		lbl  []string
		want float64
	}{
		{"auth passed", c.Authentications, []string{"tx", hdcp.ResultPassed}, 2},
		{"auth failed", c.Authentications, []string{"tx", hdcp.ResultFailed}, 1},
		{"link failed", c.LinkChecks, []string{"rx", hdcp.ResultFailed}, 1},
		{"link passed", c.LinkChecks, []string{"rx", hdcp.ResultPassed}, 0},
		{"read failures", c.ReadFailures, []string{"rx"}, 1},
		{"ri updates", c.RiUpdates, []string{"rx"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := counterValue(t, tt.vec, tt.lbl...); got != tt.want {
				t.Errorf("%v = %v, want %v", tt.lbl, got, tt.want)
			}
		})
	}
}

func TestStateTransition(t *testing.T) {
	t.Parallel()

	c := hdcpmetrics.NewCollector(prometheus.NewRegistry())

	c.RecordStateTransition("tx", "Authenticated", "LinkIntegrityCheck")
	c.RecordStateTransition("tx", "Authenticated", "LinkIntegrityCheck")
	c.RecordStateTransition("tx", "LinkIntegrityCheck", "Authenticated")

	if got := counterValue(t, c.StateTransitions, "tx", "Authenticated", "LinkIntegrityCheck"); got != 2 {
		t.Errorf("Authenticated->LinkIntegrityCheck = %v, want 2", got)
	}
	if got := counterValue(t, c.StateTransitions, "rx", "Authenticated", "LinkIntegrityCheck"); got != 0 {
		t.Errorf("rx transitions = %v, want 0", got)
	}
}

func TestAuthenticatedGauge(t *testing.T) {
	t.Parallel()

	c := hdcpmetrics.NewCollector(prometheus.NewRegistry())

	c.SetAuthenticated("tx", true)
	if got := gaugeValue(t, c.Authenticated, "tx"); got != 1 {
		t.Errorf("after true: gauge = %v, want 1", got)
	}
	c.SetAuthenticated("tx", false)
	if got := gaugeValue(t, c.Authenticated, "tx"); got != 0 {
		t.Errorf("after false: gauge = %v, want 0", got)
	}
}

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
