package credentials

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// fakePlatform implements the platform's /channels routes in memory, in the
// wire format the real deployment answers with.
type fakePlatform struct {
	mu       sync.Mutex
	devices  map[uuid.UUID]bool
	channels map[uuid.UUID]channel
}

func newFakePlatform(devices ...uuid.UUID) *fakePlatform {
	p := &fakePlatform{
		devices:  map[uuid.UUID]bool{},
		channels: map[uuid.UUID]channel{},
	}
	for _, device := range devices {
		p.devices[device] = true
	}
	return p
}

func (p *fakePlatform) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/channels", p.postChannel).Methods(http.MethodPost)
	router.HandleFunc("/channels/{channel_id}", p.deleteChannel).Methods(http.MethodDelete)
	router.HandleFunc("/devices/{device_id}/channels", p.getChannels).Methods(http.MethodGet)
	return router
}

func (p *fakePlatform) postChannel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID  uuid.UUID `json:"deviceId"`
		Transport Transport `json:"transport"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.devices[body.DeviceID] {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	channelID, _ := uuid.NewUUID()
	clientID, _ := uuid.NewUUID()
	ch := channel{
		ChannelID: channelID,
		DeviceID:  body.DeviceID,
		Transport: body.Transport,
	}
	ch.Broker.Host = "broker.test"
	ch.Broker.Port = 8883
	ch.Credentials.ClientID = clientID.String()
	ch.Credentials.User = body.DeviceID.String()
	ch.Credentials.Password = "secret-" + body.DeviceID.String()
	ch.Credentials.Topic = "devices/" + body.DeviceID.String() + "/data"
	if body.Transport == TransportHub {
		ch.Credentials.AuthKey = "key-" + body.DeviceID.String()
	}
	p.channels[channelID] = ch

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ch)
}

func (p *fakePlatform) deleteChannel(w http.ResponseWriter, r *http.Request) {
	channelID, err := uuid.Parse(mux.Vars(r)["channel_id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.channels[channelID]; !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	delete(p.channels, channelID)
	w.WriteHeader(http.StatusNoContent)
}

func (p *fakePlatform) getChannels(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(mux.Vars(r)["device_id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var result struct {
		Channels []ChannelInfo `json:"channels"`
	}
	result.Channels = []ChannelInfo{}
	p.mu.Lock()
	for _, ch := range p.channels {
		if ch.DeviceID == deviceID {
			result.Channels = append(result.Channels, ChannelInfo{ChannelID: ch.ChannelID, Transport: ch.Transport})
		}
	}
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(result)
}

func TestIssueCredential(t *testing.T) {
	deviceID, _ := uuid.NewUUID()
	platform := newFakePlatform(deviceID)
	service := NewService(&Builder{Router: platform.router()})

	cred, err := service.Issue(context.Background(), deviceID, TransportMQTT)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, deviceID, cred.DeviceID)
	assert.Equal(t, TransportMQTT, cred.Transport)
	assert.Equal(t, "broker.test:8883", cred.Address())
	assert.Equal(t, "devices/"+deviceID.String()+"/data", cred.Topic)
	assert.NotEmpty(t, cred.ClientID)
	assert.NotEmpty(t, cred.Password)
}

func TestRepeatedIssue(t *testing.T) {
	deviceID, _ := uuid.NewUUID()
	platform := newFakePlatform(deviceID)
	service := NewService(&Builder{Router: platform.router()})

	cred1, err := service.Issue(context.Background(), deviceID, TransportMQTT)
	if err != nil {
		t.Fatal(err)
	}
	cred2, err := service.Issue(context.Background(), deviceID, TransportMQTT)
	if err != nil {
		t.Fatal(err)
	}

	// every issue creates a fresh channel with its own client identifier,
	// while the topic stays the device's topic
	assert.NotEqual(t, cred1.ChannelID, cred2.ChannelID)
	assert.NotEqual(t, cred1.ClientID, cred2.ClientID)
	assert.Equal(t, cred1.Topic, cred2.Topic)
}

func TestIssueUnknownDevice(t *testing.T) {
	platform := newFakePlatform()
	service := NewService(&Builder{Router: platform.router()})

	unknown, _ := uuid.NewUUID()
	_, err := service.Issue(context.Background(), unknown, TransportMQTT)
	var credErr *Error
	assert.ErrorAs(t, err, &credErr)
	assert.Equal(t, unknown, credErr.DeviceID)
}

func TestDeleteChannel(t *testing.T) {
	deviceID, _ := uuid.NewUUID()
	platform := newFakePlatform(deviceID)
	service := NewService(&Builder{Router: platform.router()})

	cred, err := service.Issue(context.Background(), deviceID, TransportHub)
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEmpty(t, cred.AuthKey)

	channels, err := service.Channels(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, channels, 1)
	assert.Equal(t, cred.ChannelID, channels[0].ChannelID)

	if err := service.Delete(context.Background(), cred.ChannelID); err != nil {
		t.Fatal(err)
	}
	channels, err = service.Channels(context.Background(), deviceID)
	if err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, channels)
}
