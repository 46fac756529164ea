package sensors

import (
	"math"
	"strings"
	"testing"

	"github.com/nugget/varta-bridge/internal/payload"
)

const sampleResponse = `{
  "pulse": {
    "procImg": {
      "soc_pct": 75.5,
      "soh_pct": 98.2,
      "temperature1_C": 22.5,
      "power_W": 150,
      "gridPower_W": -200,
      "generatingPower_W": 350,
      "activePowerAc_W": 150,
      "remainingTime_min": 90,
      "module": {
        "voltage_cV": 1250,
        "current_dA": 34,
        "temperature_dC": 215
      },
      "counters": {
        "energyCounterAcIn_Ws": 1000000,
        "energyCounterAcOut_Ws": 500000,
        "energyCounterBattIn_Ws": 300000,
        "energyCounterBattOut_Ws": 250000,
        "energyCounterPvOut_Ws": 800000,
        "energyCounterHouseIn_Ws": 600000,
        "energyCounterHouseOut_Ws": 400000
      }
    }
  }
}`

func decode(t *testing.T, body string) payload.Raw {
	t.Helper()
	raw, err := payload.Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	return raw
}

func byKey(ms []Measurement) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Key] = m.Value
	}
	return out
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMapPayload_Values(t *testing.T) {
	got := byKey(MapPayload(decode(t, sampleResponse), Default()))

	tests := []struct {
		key  string
		want float64
	}{
		{"soc_pct", 75.5},
		{"gridPower_W", -200},
		{"energyCounterAcIn_Wh", 1000000.0 / 3600},
		{"energyCounterHouseOut_Wh", 400000.0 / 3600},
		{"remainingTime_h", 1.5},
		{"moduleVoltage_V", 12.5},
		{"moduleCurrent_A", 3.4},
		{"moduleTemperature_C", 21.5},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v, ok := got[tt.key]
			if !ok {
				t.Fatalf("no measurement for %q", tt.key)
			}
			if !approx(v, tt.want) {
				t.Errorf("%s = %v, want %v", tt.key, v, tt.want)
			}
		})
	}

	if v := got["energyCounterAcIn_Wh"]; v < 277.77 || v > 277.78 {
		t.Errorf("energyCounterAcIn_Wh = %v, want 277.77...", v)
	}
}

func TestMapPayload_PreservesDescriptorOrder(t *testing.T) {
	descs := Default()
	got := MapPayload(decode(t, sampleResponse), descs)
	if len(got) != len(descs) {
		t.Fatalf("got %d measurements, want %d", len(got), len(descs))
	}
	for i := range descs {
		if got[i].Key != descs[i].Key {
			t.Errorf("measurement[%d].Key = %q, want %q", i, got[i].Key, descs[i].Key)
		}
	}
}

func TestMapPayload_MissingFieldsDefaultToZero(t *testing.T) {
	for _, body := range []string{`{}`, `{"pulse": {}}`, `{"pulse": {"procImg": {"counters": "broken"}}}`} {
		t.Run(body, func(t *testing.T) {
			for _, m := range MapPayload(decode(t, body), Default()) {
				if m.Value != 0 {
					t.Errorf("%s = %v, want 0", m.Key, m.Value)
				}
			}
		})
	}
}

func TestConversionApply(t *testing.T) {
	tests := []struct {
		conv Conversion
		in   float64
		want float64
	}{
		{ConvNone, -200, -200},
		{ConvWsToWh, 1000000, 1000000.0 / 3600},
		{ConvWsToWh, 0, 0},
		{ConvWsToWh, -7200, -2},
		{ConvMinToHours, 90, 1.5},
		{ConvCentivoltToVolt, 1250, 12.5},
		{ConvDeciampToAmp, 34, 3.4},
		{ConvDeciampToAmp, -34, -3.4},
		{ConvDecicelsiusToCelsius, 215, 21.5},
	}
	for _, tt := range tests {
		t.Run(tt.conv.String(), func(t *testing.T) {
			if got := tt.conv.Apply(tt.in); !approx(got, tt.want) {
				t.Errorf("%v.Apply(%v) = %v, want %v", tt.conv, tt.in, got, tt.want)
			}
		})
	}
}

func TestDefault_UniqueKeys(t *testing.T) {
	seen := map[string]bool{}
	for _, d := range Default() {
		if seen[d.Key] {
			t.Errorf("duplicate descriptor key %q", d.Key)
		}
		seen[d.Key] = true
	}
	for _, s := range DefaultStatus() {
		if seen[s.Key] {
			t.Errorf("status key %q collides with a descriptor", s.Key)
		}
		seen[s.Key] = true
		if !strings.HasPrefix(s.Icon, "mdi:") {
			t.Errorf("status %q icon = %q, want mdi: prefix", s.Key, s.Icon)
		}
	}
}

func TestDefault_EnergyCounterLabels(t *testing.T) {
	want := map[string]string{
		"energyCounterAcIn_Wh":     "House Consumption Total",
		"energyCounterAcOut_Wh":    "House Feed Total",
		"energyCounterHouseIn_Wh":  "Netzbezug Gesamt",
		"energyCounterHouseOut_Wh": "Netzeinspeisung Gesamt",
	}
	for _, d := range Default() {
		if name, ok := want[d.Key]; ok {
			if d.Name != name {
				t.Errorf("%s name = %q, want %q", d.Key, d.Name, name)
			}
			delete(want, d.Key)
		}
	}
	for key := range want {
		t.Errorf("descriptor %s missing", key)
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
- key: energyCounterAcIn_Wh
  name: Netzbezug Gesamt
  unit: Wh
  device_class: energy
  section: counters
  field: energyCounterAcIn_Ws
  conversion: ws_to_wh
- key: soc_pct
  unit: "%"
`)
	descs, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	if descs[0].Section != SectionCounters || descs[0].Conversion != ConvWsToWh {
		t.Errorf("descs[0] = %+v", descs[0])
	}
	if descs[1].Field != "soc_pct" || descs[1].Name != "soc_pct" || descs[1].Section != SectionSnapshot {
		t.Errorf("descs[1] defaults not applied: %+v", descs[1])
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ``},
		{"missing key", "- name: x\n"},
		{"duplicate", "- key: a\n- key: a\n"},
		{"bad section", "- key: a\n  section: nowhere\n"},
		{"bad conversion", "- key: a\n  conversion: furlongs\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("Parse() error = nil, want error")
			}
		})
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{-200, "-200"},
		{12.5, "12.5"},
		{3.4, "3.4"},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
