/*
File: internal/platform/push/notifier.go
Description: Publishes wake-up commands for offline devices to the
notification service's topic. The notification service owns device tokens
and platform push delivery; the relay only says "this device should come
online".
*/
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/relay"
)

// EventProducer defines the interface for publishing a payload to the
// notification topic.
type EventProducer interface {
	Publish(ctx context.Context, payload []byte) (string, error)
}

// wakeRequest is the command consumed by the notification service.
type wakeRequest struct {
	Type   string `json:"type"`
	Device string `json:"device"`
	From   string `json:"from"`
}

// PubSubNotifier implements relay.WakeNotifier over a Pub/Sub topic.
type PubSubNotifier struct {
	producer EventProducer
	logger   zerolog.Logger
}

// NewPubSubNotifier is the constructor for the PubSubNotifier.
func NewPubSubNotifier(producer EventProducer, logger zerolog.Logger) (*PubSubNotifier, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	return &PubSubNotifier{
		producer: producer,
		logger:   logger.With().Str("component", "PubSubNotifier").Logger(),
	}, nil
}

// Wake publishes a wake-call command for device. Best effort: the caller
// already received a recipient-unavailable notification either way.
func (n *PubSubNotifier) Wake(ctx context.Context, device, from relay.DeviceID) error {
	request := wakeRequest{
		Type:   "wake-call",
		Device: device.String(),
		From:   from.String(),
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal wake request: %w", err)
	}

	id, err := n.producer.Publish(ctx, payload)
	if err != nil {
		return fmt.Errorf("failed to publish wake request: %w", err)
	}
	n.logger.Debug().
		Str("device", device.String()).
		Str("msg_id", id).
		Msg("Wake request published.")
	return nil
}
