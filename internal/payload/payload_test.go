package payload

import "testing"

func TestDecode_NotAnObject(t *testing.T) {
	for _, body := range []string{`[]`, `42`, `"text"`, `{`, ``} {
		if _, err := Decode([]byte(body)); err == nil {
			t.Errorf("Decode(%q) error = nil, want error", body)
		}
	}
}

func TestLookup(t *testing.T) {
	raw, err := Decode([]byte(`{
		"pulse": {"procImg": {
			"soc_pct": 75.5,
			"quoted": "12",
			"flag": true,
			"junk": "n/a",
			"counters": {"energyCounterAcIn_Ws": 123456789012}
		}}
	}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	tests := []struct {
		name   string
		path   []string
		want   float64
		wantOK bool
	}{
		{"number", []string{"pulse", "procImg", "soc_pct"}, 75.5, true},
		{"quoted number", []string{"pulse", "procImg", "quoted"}, 12, true},
		{"bool", []string{"pulse", "procImg", "flag"}, 1, true},
		{"non-numeric string", []string{"pulse", "procImg", "junk"}, 0, false},
		{"large counter", []string{"pulse", "procImg", "counters", "energyCounterAcIn_Ws"}, 123456789012, true},
		{"missing field", []string{"pulse", "procImg", "nope"}, 0, false},
		{"missing section", []string{"pulse", "absent", "soc_pct"}, 0, false},
		{"section is scalar", []string{"pulse", "procImg", "soc_pct", "x"}, 0, false},
		{"empty path", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := raw.Lookup(tt.path...)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Lookup(%v) = (%v, %v), want (%v, %v)", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSection_NilSafe(t *testing.T) {
	var raw Raw
	if _, ok := raw.Section("pulse"); ok {
		t.Error("Section on nil Raw reported ok")
	}
	if _, ok := raw.Number("x"); ok {
		t.Error("Number on nil Raw reported ok")
	}
}
