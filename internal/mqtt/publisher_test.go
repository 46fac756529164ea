package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/varta-bridge/internal/config"
	"github.com/nugget/varta-bridge/internal/sensors"
	"github.com/nugget/varta-bridge/internal/status"
)

// fakeConn records every publish. failTopics makes matching publishes
// return an error; down fails all of them.
type fakeConn struct {
	mu         sync.Mutex
	msgs       []*paho.Publish
	failTopics map[string]bool
	down       bool
}

func (f *fakeConn) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down || f.failTopics[p.Topic] {
		return nil, errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (f *fakeConn) published() []*paho.Publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*paho.Publish(nil), f.msgs...)
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:          "localhost",
		Port:            1883,
		DiscoveryPrefix: "homeassistant",
		DeviceName:      "varta_battery",
	}
}

func newTestPublisher(t *testing.T) (*Publisher, *fakeConn) {
	t.Helper()
	p := New(testConfig(), "vartabridge-test", sensors.Default(), nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	conn := &fakeConn{}
	p.conn = conn
	return p, conn
}

func TestPublisher_TopicPaths(t *testing.T) {
	p, _ := newTestPublisher(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "homeassistant/sensor/varta_battery"},
		{"availabilityTopic", p.availabilityTopic(), "homeassistant/sensor/varta_battery/availability"},
		{"stateTopic", p.stateTopic("soc_pct"), "homeassistant/sensor/varta_battery/soc_pct/state"},
		{"discoveryTopic", p.discoveryTopic("soc_pct"), "homeassistant/sensor/varta_battery/soc_pct/config"},
		{"homeAssistantStatusTopic", p.homeAssistantStatusTopic(), "homeassistant/status"},
		{"uniqueID", p.uniqueID("soc_pct"), "varta_battery_soc_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublishDiscovery_OneMessagePerSensor(t *testing.T) {
	p, conn := newTestPublisher(t)

	n, err := p.PublishDiscovery(context.Background())
	if err != nil {
		t.Fatalf("PublishDiscovery() error: %v", err)
	}

	want := len(sensors.Default()) + len(sensors.DefaultStatus())
	msgs := conn.published()
	if n != want || len(msgs) != want {
		t.Fatalf("published %d (reported %d), want %d", len(msgs), n, want)
	}

	seen := map[string]bool{}
	for _, m := range msgs {
		if !m.Retain || m.QoS != 1 {
			t.Errorf("%s: retain=%v qos=%d, want retained qos 1", m.Topic, m.Retain, m.QoS)
		}
		if !strings.HasSuffix(m.Topic, "/config") {
			t.Errorf("discovery topic %q does not end in /config", m.Topic)
		}
		if seen[m.Topic] {
			t.Errorf("duplicate discovery topic %q", m.Topic)
		}
		seen[m.Topic] = true

		var payload map[string]any
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatalf("%s: invalid JSON: %v", m.Topic, err)
		}
		for _, field := range []string{"name", "state_topic", "device", "unique_id"} {
			if _, ok := payload[field]; !ok {
				t.Errorf("%s: missing %q", m.Topic, field)
			}
		}
	}

	if p.DiscoveryRounds() != 1 {
		t.Errorf("DiscoveryRounds() = %d, want 1", p.DiscoveryRounds())
	}
}

func TestPublishDiscovery_Idempotent(t *testing.T) {
	p, conn := newTestPublisher(t)
	ctx := context.Background()

	p.PublishDiscovery(ctx)
	first := conn.published()
	p.PublishDiscovery(ctx)
	all := conn.published()

	if len(all) != 2*len(first) {
		t.Fatalf("second round published %d messages, want %d", len(all)-len(first), len(first))
	}
	for i, m := range first {
		again := all[len(first)+i]
		if again.Topic != m.Topic || string(again.Payload) != string(m.Payload) {
			t.Errorf("round 2 message %d differs: %s %s", i, again.Topic, again.Payload)
		}
	}
}

func TestPublishDiscovery_PayloadShape(t *testing.T) {
	p, conn := newTestPublisher(t)
	p.PublishDiscovery(context.Background())

	byTopic := map[string]SensorConfig{}
	raw := map[string]map[string]any{}
	for _, m := range conn.published() {
		var cfg SensorConfig
		if err := json.Unmarshal(m.Payload, &cfg); err != nil {
			t.Fatal(err)
		}
		byTopic[m.Topic] = cfg
		var r map[string]any
		json.Unmarshal(m.Payload, &r)
		raw[m.Topic] = r
	}

	soc := byTopic["homeassistant/sensor/varta_battery/soc_pct/config"]
	if soc.Name != "State of Charge" || soc.UnitOfMeasurement != "%" {
		t.Errorf("soc config = %+v", soc)
	}
	if soc.DeviceClass == nil || *soc.DeviceClass != "battery" {
		t.Errorf("soc device_class = %v, want battery", soc.DeviceClass)
	}
	if soc.StateTopic != "homeassistant/sensor/varta_battery/soc_pct/state" {
		t.Errorf("soc state_topic = %q", soc.StateTopic)
	}
	if soc.UniqueID != "varta_battery_soc_pct" {
		t.Errorf("soc unique_id = %q", soc.UniqueID)
	}
	if soc.AvailabilityTopic != "homeassistant/sensor/varta_battery/availability" {
		t.Errorf("soc availability_topic = %q", soc.AvailabilityTopic)
	}
	dev := soc.Device
	if len(dev.Identifiers) != 1 || dev.Identifiers[0] != "varta_battery" ||
		dev.Name != "Varta Battery" || dev.Manufacturer != "Varta" || dev.Model != "Battery System" {
		t.Errorf("device = %+v", dev)
	}

	// Sensors without a device class publish an explicit null.
	soh := raw["homeassistant/sensor/varta_battery/soh_pct/config"]
	if v, ok := soh["device_class"]; !ok || v != nil {
		t.Errorf("soh device_class = %v (present %v), want null", v, ok)
	}

	svc := byTopic["homeassistant/sensor/varta_battery/service_status/config"]
	if svc.Icon != "mdi:heart-pulse" || svc.UnitOfMeasurement != "" || svc.EntityCategory != "diagnostic" {
		t.Errorf("service_status config = %+v", svc)
	}
}

func TestPublishDiscovery_PartialFailure(t *testing.T) {
	p, conn := newTestPublisher(t)
	conn.failTopics = map[string]bool{"homeassistant/sensor/varta_battery/soc_pct/config": true}

	n, err := p.PublishDiscovery(context.Background())
	if err == nil {
		t.Fatal("PublishDiscovery() error = nil, want the failed publish")
	}
	want := len(sensors.Default()) + len(sensors.DefaultStatus()) - 1
	if n != want {
		t.Errorf("published = %d, want %d", n, want)
	}
}

func TestPublishMeasurement(t *testing.T) {
	p, conn := newTestPublisher(t)

	if err := p.PublishMeasurement(context.Background(), "energyCounterAcIn_Wh", 1000000.0/3600); err != nil {
		t.Fatalf("PublishMeasurement() error: %v", err)
	}
	if err := p.PublishMeasurement(context.Background(), "gridPower_W", -200); err != nil {
		t.Fatal(err)
	}

	msgs := conn.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "homeassistant/sensor/varta_battery/energyCounterAcIn_Wh/state" {
		t.Errorf("topic = %q", m.Topic)
	}
	if m.Retain || m.QoS != 0 {
		t.Errorf("measurement retain=%v qos=%d, want non-retained qos 0", m.Retain, m.QoS)
	}
	if !strings.HasPrefix(string(m.Payload), "277.77") {
		t.Errorf("payload = %q, want 277.77...", m.Payload)
	}
	if string(msgs[1].Payload) != "-200" {
		t.Errorf("negative payload = %q, want -200", msgs[1].Payload)
	}
}

func TestPublishStatus(t *testing.T) {
	p, conn := newTestPublisher(t)

	p.PublishStatus(context.Background(), status.KeyServiceStatus, "online")

	msgs := conn.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "homeassistant/sensor/varta_battery/service_status/state" || string(m.Payload) != "online" {
		t.Errorf("status message = %s %q", m.Topic, m.Payload)
	}
	if !m.Retain {
		t.Error("status message not retained")
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := New(testConfig(), "id", sensors.Default(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if _, err := p.PublishDiscovery(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("PublishDiscovery() = %v, want ErrNotStarted", err)
	}
	if err := p.PublishMeasurement(ctx, "soc_pct", 1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("PublishMeasurement() = %v, want ErrNotStarted", err)
	}
	if err := p.AwaitConnection(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("AwaitConnection() = %v, want ErrNotStarted", err)
	}
	p.PublishStatus(ctx, status.KeyErrorCount, "0")
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Stop() before Start = %v", err)
	}
}

func TestPublishAvailability(t *testing.T) {
	p, conn := newTestPublisher(t)

	p.publishAvailability(context.Background(), conn, Offline)

	msgs := conn.published()
	if len(msgs) != 1 || msgs[0].Topic != p.availabilityTopic() || string(msgs[0].Payload) != Offline || !msgs[0].Retain {
		t.Errorf("availability messages = %+v", msgs)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("garage_battery")
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "garage_battery" {
		t.Errorf("Identifiers = %v, want [garage_battery]", info.Identifiers)
	}
	if info.Manufacturer != "Varta" {
		t.Errorf("Manufacturer = %q, want Varta", info.Manufacturer)
	}
}

func TestClientID(t *testing.T) {
	cfg := testConfig()

	a, b := ClientID(cfg), ClientID(cfg)
	if !strings.HasPrefix(a, "vartabridge-varta_battery-") || len(a) != len("vartabridge-varta_battery-")+8 {
		t.Errorf("ClientID() = %q", a)
	}
	if a == b {
		t.Error("generated client IDs should differ")
	}

	cfg.ClientID = "fixed"
	if got := ClientID(cfg); got != "fixed" {
		t.Errorf("ClientID() with configured ID = %q", got)
	}
}
