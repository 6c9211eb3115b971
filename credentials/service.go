// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotstream/core/client"
	"github.com/relabs-tech/iotstream/core/logger"
)

// Service issues channel credentials through the platform's REST api.
type Service struct {
	client client.Client
}

// Builder is a builder helper for the Service
type Builder struct {
	// URL is the platform api url, e.g. "https://api.example.io".
	// Mandatory unless Router is set.
	URL string
	// Token is the platform access token for the requesting user.
	Token string
	// Router makes the service talk directly to a mux router instead of
	// a deployment. This is for unit tests.
	Router *mux.Router
}

// NewService returns a credentials service for the platform's /channels routes.
func NewService(b *Builder) *Service {
	if b.Router != nil {
		return &Service{client: client.NewWithRouter(b.Router)}
	}
	if len(b.URL) == 0 {
		panic("url is missing")
	}
	return &Service{client: client.NewWithURL(b.URL).WithToken(b.Token)}
}

// channel is the wire format of the platform's channel resource.
type channel struct {
	ChannelID uuid.UUID `json:"channelId"`
	DeviceID  uuid.UUID `json:"deviceId"`
	Transport Transport `json:"transport"`
	Broker    struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"broker"`
	Credentials struct {
		ClientID string `json:"clientId"`
		User     string `json:"user"`
		Password string `json:"password"`
		AuthKey  string `json:"authKey"`
		Topic    string `json:"topic"`
	} `json:"credentials"`
}

func (ch channel) credential() Credential {
	return Credential{
		ChannelID: ch.ChannelID,
		DeviceID:  ch.DeviceID,
		Transport: ch.Transport,
		Broker:    ch.Broker.Host,
		Port:      ch.Broker.Port,
		ClientID:  ch.Credentials.ClientID,
		User:      ch.Credentials.User,
		Password:  ch.Credentials.Password,
		AuthKey:   ch.Credentials.AuthKey,
		Topic:     ch.Credentials.Topic,
	}
}

// Issue creates a new channel for the device and returns its credential.
//
// The operation corresponds to a POST request on /channels.
func (s *Service) Issue(ctx context.Context, deviceID uuid.UUID, transport Transport) (Credential, error) {
	body := struct {
		DeviceID  uuid.UUID `json:"deviceId"`
		Transport Transport `json:"transport"`
	}{deviceID, transport}

	var ch channel
	status, err := s.client.WithContext(ctx).RawPost("/channels", &body, &ch)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot create %s channel for device %s", transport, deviceID)
		return Credential{}, &Error{DeviceID: deviceID, Err: err}
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return Credential{}, &Error{DeviceID: deviceID, Err: fmt.Errorf("unexpected status %d", status)}
	}
	return ch.credential(), nil
}

// Delete removes a channel. Removing a channel invalidates its credential.
//
// The operation corresponds to a DELETE request on /channels/{channelId}.
func (s *Service) Delete(ctx context.Context, channelID uuid.UUID) error {
	_, err := s.client.WithContext(ctx).RawDelete("/channels/" + channelID.String())
	return err
}

// ChannelInfo describes one existing channel of a device.
type ChannelInfo struct {
	ChannelID uuid.UUID `json:"channelId"`
	Transport Transport `json:"transport"`
}

// Channels lists the existing channels of a device.
//
// The operation corresponds to a GET request on /devices/{deviceId}/channels.
func (s *Service) Channels(ctx context.Context, deviceID uuid.UUID) ([]ChannelInfo, error) {
	var result struct {
		Channels []ChannelInfo `json:"channels"`
	}
	_, err := s.client.WithContext(ctx).RawGet("/devices/"+deviceID.String()+"/channels", &result)
	if err != nil {
		return nil, err
	}
	return result.Channels, nil
}
