package mqtt

import (
	"github.com/nugget/varta-bridge/internal/buildinfo"
	"github.com/nugget/varta-bridge/internal/sensors"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// by every discovery payload, so HA groups all sensors under a single
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig is the JSON payload of an HA MQTT sensor discovery
// message.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic,omitempty"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       *string    `json:"device_class"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo builds the device block. The device name from the
// configuration is the stable HA identifier.
func NewDeviceInfo(deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceName},
		Name:         "Varta Battery",
		Manufacturer: "Varta",
		Model:        "Battery System",
		SWVersion:    buildinfo.Version,
	}
}

// discoveryEntry pairs a sensor key with its discovery payload.
type discoveryEntry struct {
	key    string
	config SensorConfig
}

// discoveryEntries returns one entry per measurement descriptor
// followed by one per status descriptor, in table order.
func (p *Publisher) discoveryEntries() []discoveryEntry {
	avail := p.availabilityTopic()
	out := make([]discoveryEntry, 0, len(p.sensors)+len(p.status))

	for _, d := range p.sensors {
		cfg := SensorConfig{
			Name:              d.Name,
			UniqueID:          p.uniqueID(d.Key),
			StateTopic:        p.stateTopic(d.Key),
			AvailabilityTopic: avail,
			Device:            p.device,
			UnitOfMeasurement: d.Unit,
			StateClass:        d.StateClass,
		}
		if d.DeviceClass != "" {
			dc := d.DeviceClass
			cfg.DeviceClass = &dc
		}
		out = append(out, discoveryEntry{key: d.Key, config: cfg})
	}

	for _, s := range p.status {
		out = append(out, discoveryEntry{key: s.Key, config: SensorConfig{
			Name:           s.Name,
			UniqueID:       p.uniqueID(s.Key),
			StateTopic:     p.stateTopic(s.Key),
			Device:         p.device,
			Icon:           s.Icon,
			EntityCategory: "diagnostic",
		}})
	}
	return out
}

// statusDescriptorsFor returns the status table, defaulting when nil.
func statusDescriptorsFor(s []sensors.StatusDescriptor) []sensors.StatusDescriptor {
	if s == nil {
		return sensors.DefaultStatus()
	}
	return s
}
