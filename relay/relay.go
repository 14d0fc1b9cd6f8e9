// Package relay republishes gateway dispatch events onto NATS subjects so that out-of-process consumers can subscribe
// to the event stream without holding their own gateway session.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-client/gateway"
)

// Config holds NATS connection settings for the relay.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	SubjectPrefix string        // subject prefix, e.g. "gateway.events"
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "uncord-client-relay",
		SubjectPrefix: "gateway.events",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Relay forwards gateway events to NATS. Publishing is fire-and-forget; a relay outage never stalls the gateway read
// loop.
type Relay struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// New connects to NATS and returns a ready relay. It returns an error if the initial connection fails.
func New(cfg Config, logger zerolog.Logger) (*Relay, error) {
	log := logger.With().Str("component", "relay").Logger()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")

	return &Relay{conn: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Sink returns an event sink that publishes each dispatch event's payload to a per-event subject.
func (r *Relay) Sink() gateway.EventSink {
	return func(eventType string, data json.RawMessage) {
		subject := subjectFor(r.prefix, eventType)
		if err := r.conn.Publish(subject, data); err != nil {
			r.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish gateway event")
		}
	}
}

// Close drains pending publishes and closes the connection.
func (r *Relay) Close() {
	if err := r.conn.Drain(); err != nil {
		r.log.Warn().Err(err).Msg("NATS drain failed")
		r.conn.Close()
	}
}

// subjectFor maps an event type to a NATS subject: the prefix plus the lower-cased event name. Characters that are
// meaningful in subjects are replaced so a hostile event name cannot publish across token boundaries.
func subjectFor(prefix, eventType string) string {
	name := strings.ToLower(eventType)
	if name == "" {
		name = "unknown"
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		default:
			return r
		}
	}, name)
	return prefix + "." + name
}
