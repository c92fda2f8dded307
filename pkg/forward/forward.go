// Package forward republishes engine events onto NATS so processes outside
// the engine can observe classification activity.
package forward

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sift/pkg/events"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "sift.events"

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options configures the NATS connection.
type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
}

// Connect dials NATS with reconnect handling that logs through logger.
func Connect(url string, opts Options, logger zerolog.Logger) (*nats.Conn, error) {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := opts.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := opts.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if opts.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *opts.RetryOnFailedConnect
	}
	name := opts.Name
	if name == "" {
		name = "sift"
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// Forwarder publishes bus events as JSON to "<prefix>.<type>", with the ':'
// in event types mapped to '.' so subscribers can use subject wildcards.
type Forwarder struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
	sub    *events.Subscription

	published atomic.Int64
	failed    atomic.Int64
}

// NewForwarder returns a forwarder that is not yet attached to a bus.
func NewForwarder(pub Publisher, prefix string, logger zerolog.Logger) *Forwarder {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Forwarder{
		pub:    pub,
		prefix: prefix,
		logger: logger.With().Str("component", "forward").Logger(),
	}
}

// Attach subscribes to bus. With no types every event is forwarded.
func (f *Forwarder) Attach(bus *events.Bus, types ...string) {
	f.Detach()
	if len(types) == 0 {
		f.sub = bus.Subscribe(events.Wildcard, f.forward)
		return
	}
	f.sub = bus.SubscribeFiltered(events.Wildcard, f.forward, events.FilterByType(types...))
}

// Detach stops forwarding.
func (f *Forwarder) Detach() {
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
	}
}

// Subject returns the subject an event type is published on.
func (f *Forwarder) Subject(eventType string) string {
	return f.prefix + "." + strings.ReplaceAll(eventType, ":", ".")
}

// Stats returns the number of published and failed events.
func (f *Forwarder) Stats() (published, failed int64) {
	return f.published.Load(), f.failed.Load()
}

func (f *Forwarder) forward(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.failed.Add(1)
		f.logger.Error().Err(err).Str("event_type", ev.Type).Msg("Failed to encode event")
		return
	}

	subject := f.Subject(ev.Type)
	if err := f.pub.Publish(subject, data); err != nil {
		f.failed.Add(1)
		f.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}
	f.published.Add(1)
}
