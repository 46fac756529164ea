package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/varta-bridge/internal/config"
	"github.com/nugget/varta-bridge/internal/sensors"
	"github.com/nugget/varta-bridge/internal/status"
)

// Availability payloads.
const (
	Online  = "online"
	Offline = "offline"
)

// initialConnectTimeout bounds how long Start waits for the first
// broker connection before handing reconnection to autopaho.
const initialConnectTimeout = 30 * time.Second

// ErrNotStarted is returned when publishing before Start.
var ErrNotStarted = errors.New("mqtt publisher not started")

// Conn is the publishing half of an MQTT connection.
// *autopaho.ConnectionManager implements it.
type Conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher owns the broker connection and turns measurements and
// status values into MQTT messages.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	device   DeviceInfo
	sensors  []sensors.Descriptor
	status   []sensors.StatusDescriptor
	logger   *slog.Logger

	mu   sync.RWMutex
	conn Conn
	cm   *autopaho.ConnectionManager

	connects    atomic.Int64
	rediscover  chan struct{}
	discoveries atomic.Int64

	// discoveryPending is set when a discovery round starts and cleared
	// only when every config in it was accepted.
	discoveryPending atomic.Bool
}

// New creates a Publisher but does not connect. A nil status table
// selects [sensors.DefaultStatus].
func New(cfg config.MQTTConfig, clientID string, descs []sensors.Descriptor, statusDescs []sensors.StatusDescriptor, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		clientID:   clientID,
		device:     NewDeviceInfo(cfg.DeviceName),
		sensors:    descs,
		status:     statusDescriptorsFor(statusDescs),
		logger:     logger,
		rediscover: make(chan struct{}, 1),
	}
}

// Start connects to the broker and waits up to 30 seconds for the
// first connection. A timeout is logged, not returned; autopaho keeps
// retrying in the background. Start returns once the connection
// manager is running; ctx controls its lifetime.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := p.cfg.BrokerURL()
	if err != nil {
		return err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte(Offline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			p.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.mu.Lock()
	p.cm = cm
	p.conn = cm
	p.mu.Unlock()

	go p.rediscoverLoop(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, initialConnectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" to the availability topic and disconnects.
// ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, Offline)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// ClientID returns the MQTT client identifier.
func (p *Publisher) ClientID() string { return p.clientID }

// DiscoveryRounds reports how many times discovery has been published.
func (p *Publisher) DiscoveryRounds() int64 { return p.discoveries.Load() }

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(key string) string {
	return p.baseTopic() + "/" + key + "/state"
}

func (p *Publisher) discoveryTopic(key string) string {
	return p.baseTopic() + "/" + key + "/config"
}

func (p *Publisher) homeAssistantStatusTopic() string {
	return p.cfg.DiscoveryPrefix + "/status"
}

func (p *Publisher) uniqueID(key string) string {
	return p.cfg.DeviceName + "_" + key
}

// --- Publishing ---

func (p *Publisher) connection() Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

// PublishDiscovery publishes one retained config message per
// measurement and status sensor. It returns how many were accepted by
// the broker and the joined publish errors, if any. Safe to call
// repeatedly; the payloads are identical each time.
func (p *Publisher) PublishDiscovery(ctx context.Context) (int, error) {
	conn := p.connection()
	if conn == nil {
		return 0, ErrNotStarted
	}
	p.discoveryPending.Store(true)

	var errs []error
	published := 0
	for _, e := range p.discoveryEntries() {
		topic := p.discoveryTopic(e.key)
		payload, err := json.Marshal(e.config)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s: %w", e.key, err))
			continue
		}
		if _, err := conn.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "sensor", e.key, "topic", topic, "error", err)
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			continue
		}
		published++
		p.logger.Debug("mqtt discovery published", "sensor", e.key, "topic", topic)
	}

	p.discoveries.Add(1)
	if len(errs) == 0 {
		p.discoveryPending.Store(false)
	}
	p.logger.Info("mqtt discovery published", "sensors", published)
	return published, errors.Join(errs...)
}

// PublishMeasurement publishes a non-retained state value.
func (p *Publisher) PublishMeasurement(ctx context.Context, key string, value float64) error {
	conn := p.connection()
	if conn == nil {
		return ErrNotStarted
	}
	_, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(key),
		Payload: []byte(sensors.FormatValue(value)),
		QoS:     0,
		Retain:  false,
	})
	return err
}

// PublishStatus publishes a retained status value. Failures are logged;
// status publication never interrupts a poll cycle.
func (p *Publisher) PublishStatus(ctx context.Context, key status.Key, value string) {
	conn := p.connection()
	if conn == nil {
		p.logger.Debug("mqtt status dropped, not started", "key", key)
		return
	}
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(string(key)),
		Payload: []byte(value),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "key", key, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, conn Conn, state string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", state, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", state)
	}
}

// onConnect runs on every (re-)connect.
func (p *Publisher) onConnect(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.homeAssistantStatusTopic(), QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", p.homeAssistantStatusTopic(), "error", err)
	}
	p.connected(ctx, cm)
}

// connected announces availability and schedules discovery. The first
// connection leaves discovery to the caller's startup sequence unless
// a round has already failed; later ones always republish because the
// broker may have lost retained messages.
func (p *Publisher) connected(ctx context.Context, conn Conn) {
	p.publishAvailability(ctx, conn, Online)

	if p.connects.Add(1) > 1 || p.discoveryPending.Load() {
		p.requestRediscovery()
	}
}
