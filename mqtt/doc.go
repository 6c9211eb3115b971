/*Package mqtt provides the MQTT broker transport for the stream manager.

The transport wraps the Eclipse Paho client. Credentials issued by the
platform carry the broker endpoint, a client identifier and the
username/password pair for the channel; the trust certificate for the TLS
handshake comes from the certificate cache.
*/
package mqtt
