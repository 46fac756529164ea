package mqtt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/varta-bridge/internal/sensors"
)

func waitForRounds(t *testing.T, p *Publisher, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.DiscoveryRounds() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("DiscoveryRounds() = %d, want %d", p.DiscoveryRounds(), want)
}

func TestHandleMessage_BirthTriggersRediscovery(t *testing.T) {
	p, conn := newTestPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.rediscoverLoop(ctx)

	p.handleMessage("homeassistant/status", []byte("online\n"))
	waitForRounds(t, p, 1)

	want := len(sensors.Default()) + len(sensors.DefaultStatus())
	if got := len(conn.published()); got != want {
		t.Errorf("rediscovery published %d messages, want %d", got, want)
	}
}

func TestHandleMessage_IgnoresOtherPayloads(t *testing.T) {
	p, _ := newTestPublisher(t)

	p.handleMessage("homeassistant/status", []byte("offline"))
	p.handleMessage("some/other/topic", []byte("online"))

	select {
	case <-p.rediscover:
		t.Error("rediscovery requested for a non-birth message")
	default:
	}
}

func TestRequestRediscovery_Coalesces(t *testing.T) {
	p, _ := newTestPublisher(t)

	for i := 0; i < 5; i++ {
		p.requestRediscovery()
	}
	if n := len(p.rediscover); n != 1 {
		t.Errorf("pending rediscovery requests = %d, want 1", n)
	}
}

func discoveryConfigs(conn *fakeConn) int {
	n := 0
	for _, m := range conn.published() {
		if strings.HasSuffix(m.Topic, "/config") {
			n++
		}
	}
	return n
}

func TestConnected_FirstConnectLeavesDiscoveryToStartup(t *testing.T) {
	p, conn := newTestPublisher(t)

	p.connected(context.Background(), conn)

	if n := len(p.rediscover); n != 0 {
		t.Errorf("pending rediscovery requests = %d, want 0", n)
	}
	msgs := conn.published()
	if len(msgs) != 1 || msgs[0].Topic != p.availabilityTopic() || string(msgs[0].Payload) != Online {
		t.Errorf("published = %v, want a single availability message", msgs)
	}
}

func TestConnected_RepublishesAfterFailedStartupDiscovery(t *testing.T) {
	p, conn := newTestPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.rediscoverLoop(ctx)

	conn.setDown(true)
	if n, err := p.PublishDiscovery(ctx); err == nil || n != 0 {
		t.Fatalf("PublishDiscovery() with broker down = %d, %v; want 0 and an error", n, err)
	}

	conn.setDown(false)
	p.connected(ctx, conn)
	waitForRounds(t, p, 2)

	want := len(sensors.Default()) + len(sensors.DefaultStatus())
	if got := discoveryConfigs(conn); got != want {
		t.Errorf("discovery configs after first connect = %d, want %d", got, want)
	}
}

func TestConnected_ReconnectRepublishes(t *testing.T) {
	p, conn := newTestPublisher(t)
	ctx := context.Background()

	if _, err := p.PublishDiscovery(ctx); err != nil {
		t.Fatal(err)
	}
	p.connected(ctx, conn)
	if n := len(p.rediscover); n != 0 {
		t.Fatalf("first connect after a complete round queued %d requests, want 0", n)
	}
	p.connected(ctx, conn)
	if n := len(p.rediscover); n != 1 {
		t.Errorf("reconnect queued %d requests, want 1", n)
	}
}
