// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package stream

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/iotstream/certcache"
	"github.com/relabs-tech/iotstream/core/logger"
	"github.com/relabs-tech/iotstream/credentials"
)

// State is the lifecycle state of a Manager.
type State int

const (
	// StateCreated is the initial state, before Start.
	StateCreated State = iota
	// StateStarting is the state while Start connects and subscribes.
	StateStarting
	// StateRunning is the state in which devices can be added and removed.
	StateRunning
	// StateStopping is the state while Stop tears the connection down.
	StateStopping
	// StateStopped is the terminal state after Stop. A manager cannot be
	// restarted; create a fresh one instead.
	StateStopped
	// StateFailed is the terminal state after a failed Start.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handler receives telemetry. Messages of a single topic arrive in the
// order the transport delivered them; there is no ordering guarantee
// across different topics. The payload bytes are passed through
// unmodified, decoding is the handler's business.
type Handler func(topic string, payload []byte)

type message struct {
	topic   string
	payload []byte
}

// Manager multiplexes the telemetry topics of any number of devices over
// one background connection and hands incoming messages to a single
// handler. Devices can join and leave while the stream is running.
type Manager struct {
	issuer  credentials.Issuer
	certs   certcache.Cache
	kind    credentials.Transport
	factory Factory
	handler Handler
	onLost  func(err error)
	initial []uuid.UUID

	mu        sync.Mutex
	state     State
	transport Transport
	// subs caches the credential issued when a device joined; RemoveDevice
	// uses the cached topic instead of re-issuing.
	subs   map[uuid.UUID]credentials.Credential
	topics map[string]uuid.UUID

	messages     chan message
	quit         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	dispatcherID atomic.Uint64
	dispatcher   bool
}

// Builder is a builder helper for the Manager
type Builder struct {
	// Issuer provides channel credentials for devices. This is mandatory.
	Issuer credentials.Issuer
	// Certificates caches the trust certificate for TLS transports.
	// Optional; without it there is no certificate retry on connect failure.
	Certificates certcache.Cache
	// Transport is the transport kind the issuer is asked for. This is mandatory.
	Transport credentials.Transport
	// Factory builds the transport connection. This is mandatory.
	Factory Factory
	// Devices is the initial device set. At least one device is mandatory;
	// the stream connects with the first device's credential.
	Devices []uuid.UUID
	// Handler receives all telemetry of the stream. This is mandatory.
	Handler Handler
	// OnConnectionLost is called when the connection drops while running.
	// The manager does not reconnect; the caller decides whether to create
	// a fresh manager. Optional.
	OnConnectionLost func(err error)
	// QueueSize is the delivery queue capacity. Optional, defaults to 256.
	QueueSize int
}

// NewManager returns a new stream manager in the created state. It will not
// connect until you call Start().
func NewManager(b *Builder) *Manager {
	if b.Issuer == nil {
		panic("issuer is missing")
	}
	if b.Factory == nil {
		panic("transport factory is missing")
	}
	if len(b.Transport) == 0 {
		panic("transport kind is missing")
	}
	if b.Handler == nil {
		panic("handler is missing")
	}
	if len(b.Devices) == 0 {
		panic("initial devices are missing")
	}
	queueSize := b.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Manager{
		issuer:   b.Issuer,
		certs:    b.Certificates,
		kind:     b.Transport,
		factory:  b.Factory,
		handler:  b.Handler,
		onLost:   b.OnConnectionLost,
		initial:  append([]uuid.UUID{}, b.Devices...),
		state:    StateCreated,
		subs:     make(map[uuid.UUID]credentials.Credential),
		topics:   make(map[string]uuid.UUID),
		messages: make(chan message, queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Topics returns the currently subscribed topics, sorted.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.mu.Unlock()
	sort.Strings(topics)
	return topics
}

// Start acquires credentials for the initial devices, opens the transport
// connection and subscribes all initial topics. It blocks until the stream
// is running or the start failed.
//
// When the broker rejects the connection and a certificate cache is
// configured, the trust certificate is refreshed and the connection retried
// exactly once. A second rejection is terminal: the manager enters the
// failed state and Start returns a *ConnectionError.
//
// Stop may be called while Start is still connecting; Start then tears the
// fresh connection down again and returns an error instead of entering the
// running state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCreated {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot start stream in state %s", state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	ctx, rlog := logger.ContextWithLogger(ctx)

	creds := make([]credentials.Credential, 0, len(m.initial))
	for _, deviceID := range m.initial {
		cred, err := m.issuer.Issue(ctx, deviceID, m.kind)
		if err != nil {
			m.fail()
			return err
		}
		creds = append(creds, cred)
	}

	var trust []byte
	if m.certs != nil {
		var err error
		if trust, err = m.certs.Get(ctx); err != nil {
			m.fail()
			return &ConnectionError{Err: err}
		}
	}

	t, err := m.newTransport(creds[0], trust)
	if err != nil {
		m.fail()
		return &ConnectionError{Err: err}
	}
	if err = t.Connect(ctx); err != nil {
		if m.certs == nil {
			m.fail()
			return &ConnectionError{Err: err}
		}
		// the broker may have rejected a stale trust certificate; fetch a
		// fresh one and retry the connection exactly once
		rlog.WithError(err).Warning("connect failed, retrying with a fresh trust certificate")
		if trust, err = m.certs.Refresh(ctx); err == nil {
			if t, err = m.newTransport(creds[0], trust); err == nil {
				err = t.Connect(ctx)
			}
		}
		if err != nil {
			m.fail()
			return &ConnectionError{Err: err}
		}
	}

	for _, cred := range creds {
		if serr := t.Subscribe(ctx, cred.Topic); serr != nil {
			t.Close()
			m.fail()
			return &SubscriptionError{Topic: cred.Topic, Err: serr}
		}
	}

	m.mu.Lock()
	if m.state != StateStarting {
		// a concurrent Stop already consumed the teardown with no transport
		// recorded; the fresh connection is ours to close
		m.mu.Unlock()
		for _, cred := range creds {
			if serr := t.Unsubscribe(ctx, cred.Topic); serr != nil {
				rlog.WithError(serr).Warningf("unsubscribe %s during aborted start", cred.Topic)
			}
		}
		t.Close()
		return fmt.Errorf("stream was stopped during start")
	}
	m.transport = t
	for _, cred := range creds {
		m.subs[cred.DeviceID] = cred
		m.topics[cred.Topic] = cred.DeviceID
	}
	m.state = StateRunning
	m.dispatcher = true
	m.mu.Unlock()

	go m.dispatch()
	rlog.Infof("stream running with %d topics over %s", len(creds), m.kind)
	return nil
}

func (m *Manager) newTransport(cred credentials.Credential, trust []byte) (Transport, error) {
	return m.factory(&TransportBuilder{
		Credential:       cred,
		TrustPEM:         trust,
		OnMessage:        m.enqueue,
		OnConnectionLost: m.connectionLost,
	})
}

func (m *Manager) fail() {
	m.mu.Lock()
	// a Stop that raced the start already decided the terminal state
	if m.state == StateStarting {
		m.state = StateFailed
	}
	m.mu.Unlock()
}

// AddDevice fetches a fresh credential for the device and subscribes its
// topic on the live connection. It returns after the broker acknowledged
// the subscription. Adding a device that is already part of the stream is
// a no-op.
//
// A credential failure leaves the topic set unchanged.
func (m *Manager) AddDevice(ctx context.Context, deviceID uuid.UUID) error {
	m.mu.Lock()
	if m.state != StateRunning {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot add device in state %s: %w", state, ErrNotRunning)
	}
	if _, ok := m.subs[deviceID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// the issuer round-trip must not happen under the lock
	ctx, rlog := logger.ContextWithLoggerDevice(ctx, deviceID)
	cred, err := m.issuer.Issue(ctx, deviceID, m.kind)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("cannot add device in state %s: %w", m.state, ErrNotRunning)
	}
	if _, ok := m.subs[deviceID]; ok {
		return nil
	}
	if err := m.transport.Subscribe(ctx, cred.Topic); err != nil {
		return &SubscriptionError{Topic: cred.Topic, Err: err}
	}
	m.subs[deviceID] = cred
	m.topics[cred.Topic] = deviceID
	rlog.Debugf("subscribed %s", cred.Topic)
	return nil
}

// RemoveDevice unsubscribes the topic that was subscribed for the device
// and drops it from the stream. It returns after the broker acknowledged
// the removal. The topic is taken from the credential cached when the
// device joined; removing a device that was never added returns
// ErrUnknownDevice.
func (m *Manager) RemoveDevice(ctx context.Context, deviceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return fmt.Errorf("cannot remove device in state %s: %w", m.state, ErrNotRunning)
	}
	cred, ok := m.subs[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, ErrUnknownDevice)
	}
	if err := m.transport.Unsubscribe(ctx, cred.Topic); err != nil {
		return &SubscriptionError{Topic: cred.Topic, Err: err}
	}
	delete(m.subs, deviceID)
	delete(m.topics, cred.Topic)
	logger.FromContext(ctx).Debugf("unsubscribed %s", cred.Topic)
	return nil
}

// Stop unsubscribes all live topics, closes the connection and waits for
// the delivery goroutine to exit, so no handler invocation is in flight
// anymore when Stop returns. Stop is idempotent and safe to call from any
// goroutine, including from inside the message handler; only in that case
// it returns without waiting for the delivery goroutine, which exits right
// after the handler returns. Stopping a failed manager leaves it failed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	switch m.state {
	case StateFailed:
		m.mu.Unlock()
		return nil
	case StateCreated, StateStopped:
		m.state = StateStopped
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	wait := m.dispatcher && goroutineID() != m.dispatcherID.Load()
	m.mu.Unlock()

	m.stopOnce.Do(m.teardown)

	if wait {
		<-m.done
	}
	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	return nil
}

func (m *Manager) teardown() {
	m.mu.Lock()
	t := m.transport
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.subs = make(map[uuid.UUID]credentials.Credential)
	m.topics = make(map[string]uuid.UUID)
	m.mu.Unlock()

	if t != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, topic := range topics {
			// best effort on the way down
			if err := t.Unsubscribe(ctx, topic); err != nil {
				logger.Default().WithError(err).Warningf("unsubscribe %s during stop", topic)
			}
		}
		if err := t.Close(); err != nil {
			logger.Default().WithError(err).Warning("close transport during stop")
		}
	}
	close(m.quit)
}

// enqueue is the transport's receive callback. Transports call it
// sequentially per topic, which together with the single delivery
// goroutine preserves per-topic ordering.
func (m *Manager) enqueue(topic string, payload []byte) {
	select {
	case m.messages <- message{topic: topic, payload: payload}:
	case <-m.quit:
	}
}

func (m *Manager) connectionLost(err error) {
	m.mu.Lock()
	running := m.state == StateRunning
	m.mu.Unlock()
	if !running {
		// closing the transport during stop also fires this callback
		return
	}
	logger.Default().WithError(err).Error("stream connection lost")
	if m.onLost != nil {
		m.onLost(err)
	}
}

func (m *Manager) dispatch() {
	defer close(m.done)
	m.dispatcherID.Store(goroutineID())
	for {
		select {
		case <-m.quit:
			return
		case msg := <-m.messages:
			m.deliver(msg)
		}
	}
}

func (m *Manager) deliver(msg message) {
	m.mu.Lock()
	_, tracked := m.topics[msg.topic]
	m.mu.Unlock()
	if !tracked {
		// a removed topic may still have messages queued; drop them
		return
	}
	m.handler(msg.topic, msg.payload)
}

// goroutineID returns the id of the calling goroutine, parsed from the
// runtime's stack header. Stop needs it to recognize a call made from
// inside the message handler, which runs on the delivery goroutine.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
