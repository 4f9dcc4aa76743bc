package probe

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prologueii14/pqctls/internal/config"
	"github.com/prologueii14/pqctls/internal/stats"
	"github.com/rs/zerolog"
)

// Publisher sends run events to a NATS subject. It implements
// stats.Listener; publish failures are logged and never reach the run.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPublisher connects to the NATS server in cfg.
func NewPublisher(cfg config.NATSConfig, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("pqcsim-publisher"))
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("connected to NATS")
	return &Publisher{nc: nc, subject: cfg.Subject, logger: logger, now: time.Now}, nil
}

// Publish encodes e and publishes it.
func (p *Publisher) Publish(e Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

func (p *Publisher) RunStarted(s stats.RunStatistics) { p.emit(KindStarted, s) }

func (p *Publisher) Progress(s stats.RunStatistics, _ stats.Tally) { p.emit(KindProgress, s) }

func (p *Publisher) RunFinished(s stats.RunStatistics) {
	p.emit(KindFinished, s)
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn().Err(err).Msg("NATS flush failed")
	}
}

func (p *Publisher) emit(kind string, s stats.RunStatistics) {
	if err := p.Publish(NewEvent(kind, s, p.now())); err != nil {
		p.logger.Warn().Err(err).Str("kind", kind).Msg("failed to publish run event")
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.logger.Debug().Msg("NATS connection drained and closed")
	}
}
