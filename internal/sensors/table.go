package sensors

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default returns the built-in descriptor table. The AC counters are
// labelled as house consumption/feed and the house counters as grid
// import/export (Netzbezug/Netzeinspeisung). Firmware revisions
// disagree on this; deployments that read it the other way override
// the table with [LoadFile].
func Default() []Descriptor {
	return []Descriptor{
		{Key: "soc_pct", Name: "State of Charge", Unit: "%", DeviceClass: "battery", StateClass: "measurement", Section: SectionSnapshot, Field: "soc_pct"},
		{Key: "soh_pct", Name: "State of Health", Unit: "%", StateClass: "measurement", Section: SectionSnapshot, Field: "soh_pct"},
		{Key: "temperature1_C", Name: "Temperature 1", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Section: SectionSnapshot, Field: "temperature1_C"},
		{Key: "power_W", Name: "Power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Section: SectionSnapshot, Field: "power_W"},
		{Key: "gridPower_W", Name: "Grid Power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Section: SectionSnapshot, Field: "gridPower_W"},
		{Key: "generatingPower_W", Name: "Generating Power", Unit: "W", DeviceClass: "power", StateClass: "measurement", Section: SectionSnapshot, Field: "generatingPower_W"},
		{Key: "activePowerAc_W", Name: "Active Power AC", Unit: "W", DeviceClass: "power", StateClass: "measurement", Section: SectionSnapshot, Field: "activePowerAc_W"},
		{Key: "remainingTime_h", Name: "Remaining Time", Unit: "h", DeviceClass: "duration", StateClass: "measurement", Section: SectionSnapshot, Field: "remainingTime_min", Conversion: ConvMinToHours},

		{Key: "energyCounterAcIn_Wh", Name: "House Consumption Total", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Section: SectionCounters, Field: "energyCounterAcIn_Ws", Conversion: ConvWsToWh},
		{Key: "energyCounterAcOut_Wh", Name: "House Feed Total", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Section: SectionCounters, Field: "energyCounterAcOut_Ws", Conversion: ConvWsToWh},
		{Key: "energyCounterBattIn_Wh", Name: "Battery In Energy", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Section: SectionCounters, Field: "energyCounterBattIn_Ws", Conversion: ConvWsToWh},
		{Key: "energyCounterBattOut_Wh", Name: "Battery Out Energy", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Section: SectionCounters, Field: "energyCounterBattOut_Ws", Conversion: ConvWsToWh},
		{Key: "energyCounterPvOut_Wh", Name: "PV Generation Total", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Section: SectionCounters, Field: "energyCounterPvOut_Ws", Conversion: ConvWsToWh},
		{Key: "energyCounterHouseIn_Wh", Name: "Netzbezug Gesamt", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Section: SectionCounters, Field: "energyCounterHouseIn_Ws", Conversion: ConvWsToWh},
		{Key: "energyCounterHouseOut_Wh", Name: "Netzeinspeisung Gesamt", Unit: "Wh", DeviceClass: "energy", StateClass: "total_increasing", Section: SectionCounters, Field: "energyCounterHouseOut_Ws", Conversion: ConvWsToWh},

		{Key: "moduleVoltage_V", Name: "Module Voltage", Unit: "V", DeviceClass: "voltage", StateClass: "measurement", Section: SectionModule, Field: "voltage_cV", Conversion: ConvCentivoltToVolt},
		{Key: "moduleCurrent_A", Name: "Module Current", Unit: "A", DeviceClass: "current", StateClass: "measurement", Section: SectionModule, Field: "current_dA", Conversion: ConvDeciampToAmp},
		{Key: "moduleTemperature_C", Name: "Module Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Section: SectionModule, Field: "temperature_dC", Conversion: ConvDecicelsiusToCelsius},
	}
}

// DefaultStatus returns the bridge health sensors.
func DefaultStatus() []StatusDescriptor {
	return []StatusDescriptor{
		{Key: "service_status", Name: "Service Status", Icon: "mdi:heart-pulse"},
		{Key: "last_update", Name: "Last Update", Icon: "mdi:clock-outline"},
		{Key: "error_count", Name: "Error Count", Icon: "mdi:alert-circle"},
		{Key: "last_error", Name: "Last Error", Icon: "mdi:alert"},
		{Key: "login_status", Name: "Login Status", Icon: "mdi:login"},
	}
}

// fileEntry is the YAML shape of one descriptor in an override file.
type fileEntry struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Unit        string `yaml:"unit"`
	DeviceClass string `yaml:"device_class"`
	StateClass  string `yaml:"state_class"`
	Section     string `yaml:"section"`
	Field       string `yaml:"field"`
	Conversion  string `yaml:"conversion"`
}

// LoadFile reads a descriptor table from a YAML list. Entries keep the
// file order. Keys must be unique and non-empty; section defaults to
// snapshot and field defaults to the key.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensors file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML descriptor table. See [LoadFile].
func Parse(data []byte) ([]Descriptor, error) {
	var entries []fileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse sensors: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("parse sensors: no descriptors")
	}

	seen := make(map[string]bool, len(entries))
	out := make([]Descriptor, 0, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("parse sensors: entry %d: key is required", i)
		}
		if seen[e.Key] {
			return nil, fmt.Errorf("parse sensors: duplicate key %q", e.Key)
		}
		seen[e.Key] = true

		sec := SectionSnapshot
		if e.Section != "" {
			s, err := ParseSection(e.Section)
			if err != nil {
				return nil, fmt.Errorf("parse sensors: %s: %w", e.Key, err)
			}
			sec = s
		}
		conv, err := ParseConversion(e.Conversion)
		if err != nil {
			return nil, fmt.Errorf("parse sensors: %s: %w", e.Key, err)
		}
		field := e.Field
		if field == "" {
			field = e.Key
		}
		name := e.Name
		if name == "" {
			name = e.Key
		}

		out = append(out, Descriptor{
			Key:         e.Key,
			Name:        name,
			Unit:        e.Unit,
			DeviceClass: e.DeviceClass,
			StateClass:  e.StateClass,
			Section:     sec,
			Field:       field,
			Conversion:  conv,
		})
	}
	return out, nil
}
