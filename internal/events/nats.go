package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes on <channel>.<status>, e.g. jobdist.jobs.failed,
// so subscribers can filter with a wildcard.
type NATSPublisher struct {
	cfg  Config
	conn *nats.Conn
}

func NewNATSPublisher(cfg Config) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats publisher requires a URL")
	}
	nc, err := nats.Connect(cfg.URL, nats.Timeout(withDefaults(cfg).Timeout))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{cfg: withDefaults(cfg), conn: nc}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev JobEvent) string {
	return p.cfg.Channel + "." + string(ev.Status)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal event: %w", err)
	}
	subject := p.Subject(ev)
	err = retry(ctx, p.cfg.Retries, func() error {
		return p.conn.Publish(subject, body)
	})
	if err != nil {
		return fmt.Errorf("nats publish %q: %w", subject, err)
	}
	return nil
}

// Close drains pending messages before closing the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
