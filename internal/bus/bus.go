// Package bus carries case events between the API, the workers and any
// downstream consumer.
package bus

import (
	"fmt"

	"github.com/opensource-finance/harrier/internal/domain"
)

// New creates the event bus named by cfg.Type: "channel" for the
// in-process bus or "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("%w: unsupported event bus type: %s", domain.ErrValidation, cfg.Type)
	}
}

func requireCase(caseID string) error {
	if caseID == "" {
		return fmt.Errorf("%w: caseID is required", domain.ErrValidation)
	}
	return nil
}
