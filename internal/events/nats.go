package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"tunfleet/internal/model"
)

const DefaultSubject = "tunfleet.status"

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on <subject>.<device>.
type NATSSink struct {
	pub     Publisher
	subject string
	log     zerolog.Logger
}

func NewNATSSink(pub Publisher, subject string, log zerolog.Logger) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{pub: pub, subject: subject, log: log}
}

// ConnectNATS dials url and keeps reconnecting in the background.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("tunfleet"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event for device is published on.
func (s *NATSSink) Subject(device string) string {
	return s.subject + "." + subjectToken(device)
}

// Handle publishes ev. Failures are logged; the event is not retried.
func (s *NATSSink) Handle(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("device", ev.Device).Msg("encode event")
		return
	}
	if err := s.pub.Publish(s.Subject(ev.Device), data); err != nil {
		s.log.Warn().Err(err).Str("device", ev.Device).Msg("publish event")
	}
}

// subjectToken makes a device name safe as a single subject token.
func subjectToken(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, name)
}
