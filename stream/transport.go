package stream

import (
	"context"

	"github.com/relabs-tech/iotstream/credentials"
)

// Transport is one live connection to a telemetry broker, carrying any
// number of topic subscriptions. Implementations must be safe for
// concurrent use and must deliver publications for a single topic in the
// order the broker sent them.
type Transport interface {
	// Connect opens the connection and authenticates.
	Connect(ctx context.Context) error
	// Subscribe adds a topic subscription on the live connection. It returns
	// after the broker acknowledged the subscription.
	Subscribe(ctx context.Context, topic string) error
	// Unsubscribe removes a topic subscription. It returns after the broker
	// acknowledged the removal.
	Unsubscribe(ctx context.Context, topic string) error
	// Close shuts the connection down. Closing a connection that never
	// connected is a no-op.
	Close() error
}

// TransportBuilder carries everything a transport needs to come up.
type TransportBuilder struct {
	// Credential is the connection material: broker endpoint plus
	// authentication. This is mandatory.
	Credential credentials.Credential
	// TrustPEM is the trust certificate for TLS transports in PEM format.
	// Nil when the manager has no certificate cache configured.
	TrustPEM []byte
	// OnMessage is invoked by the transport for every received publication.
	// The payload bytes are passed through unmodified. This is mandatory.
	OnMessage func(topic string, payload []byte)
	// OnConnectionLost is invoked when the connection drops unexpectedly.
	OnConnectionLost func(err error)
}

// Factory builds a transport for a credential. The concrete factory decides
// the transport technology; it is resolved at manager construction, never
// through process-wide state.
type Factory func(b *TransportBuilder) (Transport, error)
