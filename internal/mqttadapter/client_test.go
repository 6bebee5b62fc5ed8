package mqttadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"minifarm-monitor/internal/eventbus"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

type fakeConn struct {
	mu         sync.Mutex
	published  []published
	publishErr error
}

func (f *fakeConn) Connect() mqtt.Token { return doneToken{} }
func (f *fakeConn) Disconnect(uint)     {}
func (f *fakeConn) IsConnected() bool   { return true }
func (f *fakeConn) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (f *fakeConn) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload.([]byte)})
	return doneToken{err: f.publishErr}
}

func (f *fakeConn) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func newTestClient(conn *fakeConn, bus eventbus.Bus) *Client {
	return &Client{
		cfg:    Config{BrokerURL: "tcp://broker:1883"}.withDefaults(),
		conn:   conn,
		bus:    bus,
		logger: log.New(io.Discard, "", 0),
		newID:  func() string { return "fixed" },
	}
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient(Config{}, eventbus.NewInMemoryBus(), nil); err == nil {
		t.Fatalf("expected error for empty broker")
	}
	if _, err := NewClient(Config{BrokerURL: "tcp://localhost:1883"}, nil, nil); err == nil {
		t.Fatalf("expected error for nil bus")
	}
}

func TestPublishCreateContentInstance(t *testing.T) {
	conn := &fakeConn{}
	client := newTestClient(conn, eventbus.NewInMemoryBus())

	if err := client.PublishCreateContentInstance(context.Background(), "TinyIoT/farm-1/Actuators/fan1", "ON", "rq-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := conn.all()
	if len(msgs) != 1 || msgs[0].topic != "/oneM2M/req/CAdmin/tinyiot/json" {
		t.Fatalf("unexpected publishes %+v", msgs)
	}
	var req struct {
		Op  int    `json:"op"`
		To  string `json:"to"`
		Rqi string `json:"rqi"`
		Ty  int    `json:"ty"`
	}
	if err := json.Unmarshal(msgs[0].payload, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Op != 1 || req.Ty != 4 || req.Rqi != "rq-1" || req.To != "/tinyiot/TinyIoT/farm-1/Actuators/fan1" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestPublishErrorIsReturned(t *testing.T) {
	conn := &fakeConn{publishErr: errors.New("not connected")}
	client := newTestClient(conn, eventbus.NewInMemoryBus())
	if err := client.PublishCreateContentInstance(context.Background(), "x", "ON", "rq-1"); err == nil {
		t.Fatalf("expected publish error")
	}
	if err := client.PublishCreateContentInstance(context.Background(), "x", "ON", ""); err == nil {
		t.Fatalf("expected error for empty request id")
	}
}

func TestPublishCreateSubscriptionUsesPrefix(t *testing.T) {
	conn := &fakeConn{}
	client := newTestClient(conn, eventbus.NewInMemoryBus())
	rqi, err := client.PublishCreateSubscription(context.Background(), "TinyIoT/farm-1/Sensors")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if rqi != "sub-fixed" {
		t.Fatalf("unexpected rqi %s", rqi)
	}
}

func TestHandleNotificationAcksAndPublishes(t *testing.T) {
	conn := &fakeConn{}
	bus := eventbus.NewInMemoryBus()
	var got []NotificationReceived
	eventbus.On(bus, func(ctx context.Context, evt NotificationReceived) error {
		got = append(got, evt)
		return nil
	})
	client := newTestClient(conn, bus)

	client.handle(context.Background(), "/oneM2M/req/tinyiot/CAdmin/json",
		[]byte(`{"op":5,"to":"/tinyiot/TinyIoT/farm-1/Actuators/fan1","fr":"/tinyiot","rqi":"n-1","pc":{"m2m:cin":{"con":"ON"}}}`))

	if len(got) != 1 || got[0].Ref.Remote != "fan1" || got[0].Content != "ON" {
		t.Fatalf("unexpected notifications %+v", got)
	}
	msgs := conn.all()
	if len(msgs) != 1 || msgs[0].topic != "/oneM2M/resp/CAdmin/tinyiot/json" {
		t.Fatalf("expected one ack, got %+v", msgs)
	}
	var ack Ack
	if err := json.Unmarshal(msgs[0].payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Rsc != 2000 || ack.To != "/tinyiot" || ack.Fr != "CAdmin" || ack.Rqi != "n-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestHandleResponsePublishesWithoutAck(t *testing.T) {
	conn := &fakeConn{}
	bus := eventbus.NewInMemoryBus()
	var got []ResponseReceived
	eventbus.On(bus, func(ctx context.Context, evt ResponseReceived) error {
		got = append(got, evt)
		return nil
	})
	client := newTestClient(conn, bus)

	client.handle(context.Background(), "/oneM2M/resp/CAdmin/tinyiot/json", []byte(`{"rsc":2001,"rqi":"rq-1"}`))
	client.handle(context.Background(), "/oneM2M/resp/CAdmin/tinyiot/json", []byte(`garbage`))

	if len(got) != 1 || got[0].RequestID != "rq-1" || got[0].ResultCode != 2001 {
		t.Fatalf("unexpected responses %+v", got)
	}
	if len(conn.all()) != 0 {
		t.Fatalf("responses must not be acked")
	}
}
