package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus implements Bus over a NATS cluster. NATS guarantees per-publisher
// per-subject ordering, which carries the room ordering guarantee.
type NATSBus struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// ConnectNATS dials the cluster with indefinite reconnection so a bus blip
// does not take the gateway down with it.
func ConnectNATS(url string, logger zerolog.Logger) (*NATSBus, error) {
	log := logger.With().Str("component", "bus").Logger()
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	log.Info().Str("url", url).Msg("Connected to NATS")
	return &NATSBus{conn: conn, log: log}, nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (b *NATSBus) Close() {
	b.conn.Drain()
}
