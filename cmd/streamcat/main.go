// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Streamcat subscribes to the telemetry of one or more devices and prints
// every message to stdout. With KAFKA_BROKERS set it forwards the telemetry
// to a Kafka topic instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iotstream/certcache"
	"github.com/relabs-tech/iotstream/core/access"
	"github.com/relabs-tech/iotstream/core/logger"
	"github.com/relabs-tech/iotstream/credentials"
	"github.com/relabs-tech/iotstream/hub"
	"github.com/relabs-tech/iotstream/mqtt"
	"github.com/relabs-tech/iotstream/publisher"
	"github.com/relabs-tech/iotstream/stream"
)

// Service holds the configuration for this service
type Service struct {
	APIURL       string   `env:"API_URL,required" description:"the platform api url"`
	Token        string   `env:"TOKEN,required" description:"the platform access token"`
	Devices      []string `env:"DEVICES,required" description:"comma separated device ids"`
	Transport    string   `env:"TRANSPORT,default=mqtt" description:"the transport kind, mqtt or hub"`
	CACertURL    string   `env:"CA_CERT_URL" description:"download location of the broker trust certificate"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" description:"kafka bootstrap brokers, enables forwarding"`
	KafkaTopic   string   `env:"KAFKA_TOPIC,default=telemetry" description:"kafka topic for forwarded telemetry"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	if info, err := access.Inspect(service.Token); err != nil {
		rlog.WithError(err).Warning("access token looks unusable")
	} else {
		rlog.Infof("streaming as %s", info.Subject)
	}

	devices := make([]uuid.UUID, 0, len(service.Devices))
	for _, id := range service.Devices {
		deviceID, err := uuid.Parse(id)
		if err != nil {
			panic(fmt.Sprintf("invalid device id %q: %v", id, err))
		}
		devices = append(devices, deviceID)
	}

	var kind credentials.Transport
	var factory stream.Factory
	switch service.Transport {
	case "mqtt":
		kind, factory = credentials.TransportMQTT, mqtt.NewTransport
	case "hub":
		kind, factory = credentials.TransportHub, hub.NewTransport
	default:
		panic("unknown transport " + service.Transport)
	}

	var certs certcache.Cache
	if len(service.CACertURL) > 0 {
		certs = certcache.NewFileCache(&certcache.Builder{URL: service.CACertURL})
	}

	handler := func(topic string, payload []byte) {
		fmt.Printf("%s %s\n", topic, payload)
	}
	if len(service.KafkaBrokers) > 0 {
		forwarder := publisher.NewPublisher(&publisher.Builder{
			Brokers: service.KafkaBrokers,
			Topic:   service.KafkaTopic,
		})
		defer forwarder.Close()
		handler = forwarder.Handler()
		rlog.Infof("forwarding telemetry to kafka topic %s", service.KafkaTopic)
	}

	lost := make(chan error, 1)
	manager := stream.NewManager(&stream.Builder{
		Issuer: credentials.NewService(&credentials.Builder{
			URL:   service.APIURL,
			Token: service.Token,
		}),
		Certificates: certs,
		Transport:    kind,
		Factory:      factory,
		Devices:      devices,
		Handler:      handler,
		OnConnectionLost: func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
	})
	defer manager.Stop()

	if err := manager.Start(context.Background()); err != nil {
		rlog.WithError(err).Fatal("cannot start stream")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	select {
	case <-interrupt:
		rlog.Info("shutting down")
	case err := <-lost:
		rlog.WithError(err).Error("connection lost, shutting down")
	}
}
