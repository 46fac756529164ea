package mqtt

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/varta-bridge/internal/config"
)

// ClientID returns the configured client ID, or
// vartabridge-<device>-<random> so two bridges sharing a broker never
// kick each other off.
func ClientID(cfg config.MQTTConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "vartabridge-" + cfg.DeviceName + "-" + suffix
}
