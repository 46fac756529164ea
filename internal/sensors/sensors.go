// Package sensors maps the upstream battery payload onto a flat list of
// typed measurements. The descriptor table is static data: it is
// built once at startup (from [Default] or a YAML override file) and
// never mutated afterwards.
package sensors

import (
	"fmt"
	"strconv"

	"github.com/nugget/varta-bridge/internal/payload"
)

// Section identifies which sub-object of the payload a field lives in.
type Section int

const (
	// SectionSnapshot is the top-level device snapshot (pulse.procImg).
	SectionSnapshot Section = iota
	// SectionModule is the battery module detail (pulse.procImg.module).
	SectionModule
	// SectionCounters holds the cumulative energy counters
	// (pulse.procImg.counters).
	SectionCounters
)

var sectionNames = map[Section]string{
	SectionSnapshot: "snapshot",
	SectionModule:   "module",
	SectionCounters: "counters",
}

func (s Section) String() string {
	if n, ok := sectionNames[s]; ok {
		return n
	}
	return fmt.Sprintf("section(%d)", int(s))
}

// Path returns the key path from the payload root to this section.
func (s Section) Path() []string {
	switch s {
	case SectionModule:
		return []string{"pulse", "procImg", "module"}
	case SectionCounters:
		return []string{"pulse", "procImg", "counters"}
	default:
		return []string{"pulse", "procImg"}
	}
}

// ParseSection converts a section name to a Section.
func ParseSection(name string) (Section, error) {
	for s, n := range sectionNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown section %q (valid: snapshot, module, counters)", name)
}

// Conversion is a unit transformation applied to a raw field value.
type Conversion int

const (
	ConvNone Conversion = iota
	// ConvWsToWh turns a watt-second counter into watt-hours.
	ConvWsToWh
	// ConvMinToHours turns minutes into hours.
	ConvMinToHours
	// ConvCentivoltToVolt turns 1/100 V into V.
	ConvCentivoltToVolt
	// ConvDeciampToAmp turns 1/10 A into A.
	ConvDeciampToAmp
	// ConvDecicelsiusToCelsius turns 1/10 °C into °C.
	ConvDecicelsiusToCelsius
)

var conversionNames = map[Conversion]string{
	ConvNone:                 "",
	ConvWsToWh:               "ws_to_wh",
	ConvMinToHours:           "min_to_h",
	ConvCentivoltToVolt:      "cv_to_v",
	ConvDeciampToAmp:         "da_to_a",
	ConvDecicelsiusToCelsius: "dc_to_c",
}

var conversionDivisors = map[Conversion]float64{
	ConvWsToWh:               3600,
	ConvMinToHours:           60,
	ConvCentivoltToVolt:      100,
	ConvDeciampToAmp:         10,
	ConvDecicelsiusToCelsius: 10,
}

func (c Conversion) String() string {
	if n, ok := conversionNames[c]; ok {
		if n == "" {
			return "none"
		}
		return n
	}
	return fmt.Sprintf("conversion(%d)", int(c))
}

// Apply converts v. Every conversion is a plain division, so sign and
// zero pass through unchanged.
func (c Conversion) Apply(v float64) float64 {
	d, ok := conversionDivisors[c]
	if !ok {
		return v
	}
	return v / d
}

// ParseConversion converts a conversion name to a Conversion. The empty
// string and "none" both mean no conversion.
func ParseConversion(name string) (Conversion, error) {
	if name == "none" {
		return ConvNone, nil
	}
	for c, n := range conversionNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown conversion %q", name)
}

// Descriptor describes one published measurement.
type Descriptor struct {
	Key         string
	Name        string
	Unit        string
	DeviceClass string // empty is published as null
	StateClass  string
	Section     Section
	Field       string
	Conversion  Conversion
}

// StatusDescriptor describes one bridge health sensor.
type StatusDescriptor struct {
	Key  string
	Name string
	Icon string
}

// Measurement is a single value produced from one poll cycle.
type Measurement struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// FormatValue renders a measurement value for an MQTT state payload
// using the shortest representation that round-trips.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// MapPayload resolves every descriptor against raw, in descriptor
// order. Missing sections and fields read as zero.
func MapPayload(raw payload.Raw, descriptors []Descriptor) []Measurement {
	out := make([]Measurement, 0, len(descriptors))
	for _, d := range descriptors {
		path := append(d.Section.Path(), d.Field)
		v, ok := raw.Lookup(path...)
		if !ok {
			v = 0
		}
		out = append(out, Measurement{Key: d.Key, Value: d.Conversion.Apply(v)})
	}
	return out
}
