package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// value returns the first sample of the named family whose labels
// include all of want.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, want)
	return 0
}

func TestCollectors(t *testing.T) {
	m := New()

	m.ObserveCycle(true)
	m.ObserveCycle(false)
	m.ObserveCycle(false)
	m.ObserveLogin("success")
	m.ObserveLogin("cooldown")
	m.ObserveReauth()
	m.SetErrorCount(2)
	m.MarkSuccess(time.Unix(1_760_000_000, 0))
	m.SetMeasurement("soc_pct", 75.5)
	m.ObserveFetch(120 * time.Millisecond)
	m.SetBrokerUp(true)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"varta_poll_cycles_total", map[string]string{"result": "success"}, 1},
		{"varta_poll_cycles_total", map[string]string{"result": "failure"}, 2},
		{"varta_login_attempts_total", map[string]string{"outcome": "cooldown"}, 1},
		{"varta_reauthentications_total", nil, 1},
		{"varta_consecutive_errors", nil, 2},
		{"varta_last_success_timestamp_seconds", nil, 1_760_000_000},
		{"varta_measurement", map[string]string{"key": "soc_pct"}, 75.5},
		{"varta_mqtt_connected", nil, 1},
	}
	for _, tt := range tests {
		if got := value(t, m, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(true)
	m.ObserveLogin("success")
	m.ObserveReauth()
	m.ObserveFetch(time.Second)
	m.SetErrorCount(1)
	m.MarkSuccess(time.Now())
	m.SetMeasurement("x", 1)
	m.SetBrokerUp(false)
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetMeasurement("gridPower_W", -200)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `varta_measurement{key="gridPower_W"} -200`) {
		t.Errorf("exposition missing measurement:\n%s", body)
	}
}
