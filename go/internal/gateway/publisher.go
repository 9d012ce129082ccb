package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// BroadcastPublisher publishes application broadcasts onto the stream every
// gateway relays from. It can run in any process that reaches NATS.
type BroadcastPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewBroadcastPublisher(ctx context.Context, config JetStreamConfig) (*BroadcastPublisher, error) {
	nc, js, err := connectJetStream(ctx, config)
	if err != nil {
		return nil, err
	}
	return &BroadcastPublisher{nc: nc, js: js, config: config}, nil
}

// Publish sends payload as the named broadcast.
func (p *BroadcastPublisher) Publish(ctx context.Context, event string, payload any) error {
	if event == "" {
		return fmt.Errorf("broadcast event name cannot be empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast %s: %w", event, err)
	}

	ack, err := p.js.Publish(ctx, p.config.subjectFor(event), data)
	if err != nil {
		return fmt.Errorf("publish broadcast %s: %w", event, err)
	}

	log.Debug().
		Str("event", event).
		Str("stream", ack.Stream).
		Uint64("sequence", ack.Sequence).
		Msg("broadcast published")
	return nil
}

func (p *BroadcastPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
