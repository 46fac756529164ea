package mqtt

import (
	"context"
	"strings"
)

// handleMessage is called by paho for every inbound message. The
// bridge only subscribes to Home Assistant's status topic; an "online"
// birth message means HA restarted and needs the discovery payloads
// again. Publishing from the receive callback could block the paho
// router, so the work is handed to rediscoverLoop.
func (p *Publisher) handleMessage(topic string, payload []byte) {
	if topic != p.homeAssistantStatusTopic() {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}

	state := strings.TrimSpace(string(payload))
	p.logger.Info("home assistant status received", "status", state)
	if state == Online {
		p.requestRediscovery()
	}
}

// requestRediscovery schedules one discovery round. Requests arriving
// while one is pending are coalesced.
func (p *Publisher) requestRediscovery() {
	select {
	case p.rediscover <- struct{}{}:
	default:
	}
}

func (p *Publisher) rediscoverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.rediscover:
			if _, err := p.PublishDiscovery(ctx); err != nil {
				p.logger.Warn("mqtt rediscovery incomplete", "error", err)
			}
		}
	}
}
