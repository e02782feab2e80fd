package broker

import (
	"fmt"
	"strings"

	"capfleet/pkg/broker/amqp"
	"capfleet/pkg/broker/memory"
	"capfleet/pkg/config"
	"capfleet/pkg/interfaces"
)

// New creates a broker from configuration. The URL scheme selects the
// implementation: amqp:// and amqps:// use RabbitMQ, "memory" runs an
// in-process broker for tests and single-node setups.
func New(cfg *config.Config) (interfaces.Broker, error) {
	url := cfg.Broker.URL
	switch {
	case url == "memory":
		return memory.New(), nil
	case strings.HasPrefix(url, "amqp://"), strings.HasPrefix(url, "amqps://"):
		return amqp.New(url, cfg.Broker.ConnectAttempts, cfg.Broker.ConnectBackoff)
	default:
		return nil, fmt.Errorf("unsupported broker url: %q", url)
	}
}
