/*Package stream manages live device telemetry subscriptions.

A Manager owns one long-lived connection to a telemetry broker and
multiplexes the topics of any number of devices over it. Incoming messages
are handed to a single handler in the order the broker delivered them per
topic. Devices can join and leave while the stream is running; the set of
topics subscribed at the broker always equals the set the manager tracks.

The manager is transport agnostic. The concrete transport is chosen at
construction by passing a factory, for example the MQTT transport:

	manager := stream.NewManager(&stream.Builder{
		Issuer:       credentialsService,
		Certificates: cache,
		Transport:    credentials.TransportMQTT,
		Factory:      mqtt.NewTransport,
		Devices:      []uuid.UUID{deviceID},
		Handler: func(topic string, payload []byte) {
			fmt.Printf("%s %s\n", topic, payload)
		},
	})
	err := manager.Start(ctx)
	...
	manager.Stop()

A manager that was stopped or failed to start cannot be restarted; create
a fresh one instead. The manager does not reconnect on its own: a dropped
connection is reported through the OnConnectionLost callback and the
caller decides.
*/
package stream
