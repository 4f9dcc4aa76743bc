package probe

import (
	"github.com/nats-io/nats.go"
	"github.com/prologueii14/pqctls/internal/config"
	"github.com/rs/zerolog"
)

// EventHandler processes a received event.
type EventHandler func(Event)

// Subscriber consumes run events from a NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	logger  zerolog.Logger
}

func NewSubscriber(cfg config.NATSConfig, logger zerolog.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("pqcsim-subscriber"))
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", cfg.URL).Msg("connected to NATS")
	return &Subscriber{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Start subscribes and hands every decodable event to handler.
// Undecodable messages are logged and dropped.
func (s *Subscriber) Start(handler EventHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		e, err := UnmarshalEvent(msg.Data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed run event")
			return
		}
		handler(e)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info().Str("subject", s.subject).Msg("subscribed, waiting for run events")
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.logger.Debug().Msg("NATS connection closed")
	}
}
