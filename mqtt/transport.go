// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/iotstream/stream"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Transport is the MQTT broker transport for the stream manager.
type Transport struct {
	client    pahomqtt.Client
	onMessage func(topic string, payload []byte)
}

// NewTransport returns a transport for the credential's MQTT broker. It is
// a stream.Factory.
//
// With trust certificate material the connection uses TLS, without it plain
// TCP. Automatic reconnection is off; a lost connection is reported through
// the builder's callback and the stream manager's caller decides.
func NewTransport(b *stream.TransportBuilder) (stream.Transport, error) {
	cred := b.Credential

	opts := pahomqtt.NewClientOptions()
	scheme := "tcp"
	if len(b.TrustPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b.TrustPEM) {
			return nil, errors.New("trust certificate is not valid PEM")
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool})
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, cred.Address()))
	opts.SetClientID(cred.ClientID)
	if len(cred.User) > 0 {
		opts.SetUsername(cred.User)
		opts.SetPassword(cred.Password)
	}
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)
	if b.OnConnectionLost != nil {
		onLost := b.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			onLost(err)
		})
	}

	t := &Transport{onMessage: b.OnMessage}
	t.client = pahomqtt.NewClient(opts)
	return t, nil
}

// Connect opens the connection and authenticates.
func (t *Transport) Connect(ctx context.Context) error {
	return t.wait(ctx, t.client.Connect())
}

// Subscribe adds a topic subscription with quality level 1. It returns
// after the broker acknowledged the subscription.
func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	token := t.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.onMessage(msg.Topic(), msg.Payload())
	})
	return t.wait(ctx, token)
}

// Unsubscribe removes a topic subscription. It returns after the broker
// acknowledged the removal.
func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	return t.wait(ctx, t.client.Unsubscribe(topic))
}

// Close disconnects from the broker, allowing a short quiesce period for
// in-flight traffic.
func (t *Transport) Close() error {
	if t.client.IsConnected() {
		t.client.Disconnect(disconnectQuiesce)
	}
	return nil
}

func (t *Transport) wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
