// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Transport is the real-time messaging technology carrying telemetry for a channel.
type Transport string

const (
	// TransportMQTT is a MQTT broker transport.
	TransportMQTT Transport = "mqtt"
	// TransportHub is a websocket publish/subscribe hub transport.
	TransportHub Transport = "hub"
)

// Credential is the connection material for one device channel. It is issued
// once per device per transport and immutable afterwards; a new subscription
// for the same device fetches a fresh credential.
type Credential struct {
	ChannelID uuid.UUID
	DeviceID  uuid.UUID
	Transport Transport

	// Broker is the transport endpoint host.
	Broker string
	// Port is the transport endpoint port.
	Port int

	ClientID string
	User     string
	Password string
	// AuthKey authorizes hub subscriptions. Empty for MQTT channels.
	AuthKey string

	// Topic is the channel the device's telemetry is published on.
	Topic string
}

// Address returns the broker endpoint as host:port.
func (c Credential) Address() string {
	return fmt.Sprintf("%s:%d", c.Broker, c.Port)
}

// Issuer issues channel credentials for devices. Implementations are
// externally synchronized; every call is independent.
type Issuer interface {
	Issue(ctx context.Context, deviceID uuid.UUID, transport Transport) (Credential, error)
}

// Error is returned when credential issuance fails. It carries the device
// the issuance was for.
type Error struct {
	DeviceID uuid.UUID
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("credentials for device %s: %v", e.DeviceID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
