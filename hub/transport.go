// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package hub provides the websocket publish/subscribe hub transport for the
stream manager.

The hub speaks a small JSON frame protocol over one websocket connection:
subscribe and unsubscribe frames carry the channel's authorization key and
are acknowledged by the hub; message frames carry the payload bytes of one
publication, passed through to the handler unmodified.
*/
package hub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/iotstream/stream"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSubAck      = "suback"
	frameUnsubAck    = "unsuback"
	frameMessage     = "message"
	frameError       = "error"
)

// frame is the hub's wire format.
type frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	AuthKey string `json:"authKey,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Transport is the publish/subscribe hub transport for the stream manager.
type Transport struct {
	url       string
	authKey   string
	tlsConfig *tls.Config
	onMessage func(topic string, payload []byte)
	onLost    func(err error)

	conn    *websocket.Conn
	writeMu sync.Mutex

	ackMu   sync.Mutex
	pending map[string]chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTransport returns a transport for the credential's hub endpoint. It is
// a stream.Factory.
func NewTransport(b *stream.TransportBuilder) (stream.Transport, error) {
	cred := b.Credential

	scheme := "ws"
	var tlsConfig *tls.Config
	if len(b.TrustPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b.TrustPEM) {
			return nil, errors.New("trust certificate is not valid PEM")
		}
		tlsConfig = &tls.Config{RootCAs: pool}
		scheme = "wss"
	}
	return &Transport{
		url:       fmt.Sprintf("%s://%s/stream", scheme, cred.Address()),
		authKey:   cred.AuthKey,
		tlsConfig: tlsConfig,
		onMessage: b.OnMessage,
		onLost:    b.OnConnectionLost,
		pending:   make(map[string]chan frame),
		closed:    make(chan struct{}),
	}, nil
}

// Connect opens the websocket connection and starts the receive loop.
func (t *Transport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{TLSClientConfig: t.tlsConfig}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	go t.readLoop()
	return nil
}

// Subscribe sends a subscribe frame and waits for the hub's acknowledgement.
func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	return t.request(ctx, frame{Type: frameSubscribe, Topic: topic, AuthKey: t.authKey}, frameSubAck)
}

// Unsubscribe sends an unsubscribe frame and waits for the hub's acknowledgement.
func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	return t.request(ctx, frame{Type: frameUnsubscribe, Topic: topic}, frameUnsubAck)
}

// Close shuts the websocket connection down.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.conn != nil {
			t.writeMu.Lock()
			t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			t.writeMu.Unlock()
			err = t.conn.Close()
		}
	})
	return err
}

func (t *Transport) request(ctx context.Context, f frame, ackType string) error {
	if t.conn == nil {
		return errors.New("hub is not connected")
	}

	ack := make(chan frame, 1)
	t.ackMu.Lock()
	t.pending[f.Topic] = ack
	t.ackMu.Unlock()
	defer func() {
		t.ackMu.Lock()
		delete(t.pending, f.Topic)
		t.ackMu.Unlock()
	}()

	if err := t.write(f); err != nil {
		return err
	}

	select {
	case res := <-ack:
		if res.Type == frameError {
			return fmt.Errorf("hub rejected %s for %s: %s", f.Type, f.Topic, res.Error)
		}
		if res.Type != ackType {
			return fmt.Errorf("hub answered %s with %s", f.Type, res.Type)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return errors.New("hub connection closed")
	}
}

func (t *Transport) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				// closing tears the read loop down, that is not a lost connection
			default:
				if t.onLost != nil {
					t.onLost(err)
				}
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameMessage:
			t.onMessage(f.Topic, f.Payload)
		case frameSubAck, frameUnsubAck, frameError:
			t.ackMu.Lock()
			ack := t.pending[f.Topic]
			t.ackMu.Unlock()
			if ack != nil {
				ack <- f
			}
		}
	}
}
