/*Package credentials provides channel credentials for device telemetry.

A channel binds exactly one device to a topic on one of the platform's
real-time transports. Opening a channel issues a credential: the broker
endpoint plus the authentication material needed to subscribe to the topic.

Credentials are issued by the platform's RESTful /channels api:

	POST   /channels                      create a channel, returns the credential
	DELETE /channels/{channelId}          remove a channel
	GET    /devices/{deviceId}/channels   list the channels of a device

The Issuer interface abstracts issuance for consumers such as the stream
manager, so tests can substitute a fake.
*/
package credentials
