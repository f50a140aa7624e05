package audit

import "context"

// Publisher is a fire-and-forget message bus, e.g. Redis pub/sub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// Envelope tags an event with the process that recorded it so relays can
// skip their own events.
type Envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// BrokerSink forwards events to a Publisher channel.
type BrokerSink struct {
	Broker  Publisher
	Channel string
	Origin  string
}

func (s BrokerSink) Publish(ctx context.Context, ev Event) error {
	return s.Broker.Publish(ctx, s.Channel, Envelope{Origin: s.Origin, Event: ev})
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
