package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/movex/go/internal/master"
	"github.com/mcdev12/movex/go/internal/metrics"
	"github.com/mcdev12/movex/go/internal/protocol"
)

// JetStreamConfig holds configuration for the broadcast stream
type JetStreamConfig struct {
	URL           string // empty disables NATS entirely
	StreamName    string
	ConsumerName  string
	SubjectPrefix string // broadcasts are published on <prefix>.<event>
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConfig returns default JetStream configuration
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           "",
		StreamName:    "MOVEX_BROADCASTS",
		ConsumerName:  "movex-gateway",
		SubjectPrefix: "movex.broadcast",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

func (c JetStreamConfig) subjectFilter() string {
	return c.SubjectPrefix + ".>"
}

func (c JetStreamConfig) subjectFor(event string) string {
	return c.SubjectPrefix + "." + event
}

func connectJetStream(ctx context.Context, config JetStreamConfig) (*nats.Conn, jetstream.JetStream, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.StreamName,
		Subjects:  []string{config.subjectFilter()},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", config.StreamName, err)
	}
	return nc, js, nil
}

// BroadcastRelay consumes broadcasts from JetStream and pushes them to every
// connected client as broadcast::<event>.
type BroadcastRelay struct {
	registry *master.Registry
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
	config   JetStreamConfig
}

// NewBroadcastRelay connects to NATS and ensures the stream and consumer exist.
func NewBroadcastRelay(ctx context.Context, registry *master.Registry, config JetStreamConfig) (*BroadcastRelay, error) {
	nc, js, err := connectJetStream(ctx, config)
	if err != nil {
		return nil, err
	}

	br := &BroadcastRelay{
		registry: registry,
		nc:       nc,
		js:       js,
		config:   config,
	}

	if err := br.ensureConsumer(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return br, nil
}

// ensureConsumer creates or gets the JetStream consumer
func (br *BroadcastRelay) ensureConsumer(ctx context.Context) error {
	stream, err := br.js.Stream(ctx, br.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          br.config.ConsumerName,
		Durable:       br.config.ConsumerName,
		Description:   "movex gateway broadcast relay",
		FilterSubject: br.config.subjectFilter(),
		// broadcasts are transient; a restarted gateway does not replay them
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    br.config.MaxDeliver,
		AckWait:       br.config.AckWait,
		MaxAckPending: br.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, br.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", br.config.ConsumerName).
			Str("stream", br.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", br.config.ConsumerName).
			Str("stream", br.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	br.consumer = consumer
	return nil
}

// Start consumes broadcasts until ctx is cancelled.
func (br *BroadcastRelay) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", br.config.ConsumerName).
		Str("stream", br.config.StreamName).
		Msg("starting broadcast relay")

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := br.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("broadcast relay shutting down")
			return nil
		case msg := <-messageCh:
			if err := br.relay(msg.Subject(), msg.Data()); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("dropping undeliverable broadcast")
				// a malformed broadcast will not improve on redelivery
				if termErr := msg.Term(); termErr != nil {
					log.Error().Err(termErr).Msg("failed to TERM message")
				}
				continue
			}
			if ackErr := msg.Ack(); ackErr != nil {
				log.Error().Err(ackErr).Msg("failed to ACK message")
			}
		}
	}
}

// relay pushes one broadcast to every connected client.
func (br *BroadcastRelay) relay(subject string, data []byte) error {
	event, ok := strings.CutPrefix(subject, br.config.SubjectPrefix+".")
	if !ok || event == "" {
		return fmt.Errorf("subject %q is outside %s", subject, br.config.subjectFilter())
	}
	if !json.Valid(data) {
		return fmt.Errorf("broadcast %s payload is not JSON", event)
	}

	delivered := br.registry.BroadcastAll(protocol.BroadcastEventName(event), json.RawMessage(data))
	metrics.BroadcastsRelayedTotal.Inc()

	log.Debug().
		Str("event", event).
		Int("clients", delivered).
		Msg("broadcast relayed")
	return nil
}

// Stop closes the NATS connection.
func (br *BroadcastRelay) Stop() error {
	log.Info().Msg("stopping broadcast relay")
	if br.nc != nil {
		br.nc.Close()
	}
	return nil
}

// GetConsumerInfo returns information about the consumer
func (br *BroadcastRelay) GetConsumerInfo(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	return br.consumer.Info(ctx)
}
