// Package mqtt publishes battery measurements and bridge health to an
// MQTT broker using Home Assistant's discovery protocol, so every
// sensor appears under one "Varta Battery" device without manual
// configuration.
//
// Topics follow <prefix>/sensor/<device>/<key>/config for retained
// discovery payloads and <prefix>/sensor/<device>/<key>/state for
// values. Measurement states are not retained; status states are.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. A will message
// flips the availability topic to "offline" on unexpected disconnects.
// On reconnect, and whenever Home Assistant announces itself on
// <prefix>/status, the retained discovery payloads are published again.
package mqtt
