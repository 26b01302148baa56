package mqttsink

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeToken completes immediately with err unless pending is set.
type fakeToken struct {
	err     error
	pending bool
}

func (t *fakeToken) Wait() bool { return !t.pending }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connectToken *fakeToken
	publishToken *fakeToken
	published    []published
	disconnects  int
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectToken == nil {
		c.connected = true
		return &fakeToken{}
	}
	return c.connectToken
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if c.publishToken != nil {
		return c.publishToken
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name    string
		token   *fakeToken
		wantErr bool
	}{
		{"success", nil, false},
		{"broker error", &fakeToken{err: errors.New("not authorized")}, true},
		{"timeout", &fakeToken{pending: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeClient{connectToken: tt.token}
			s := newSink(c, "rb3e/telemetry", 10*time.Millisecond, testLogger())
			err := s.Connect()
			if (err != nil) != tt.wantErr {
				t.Errorf("Connect() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublish(t *testing.T) {
	c := &fakeClient{}
	s := newSink(c, "rb3e/telemetry", time.Second, testLogger())
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}

	before := testutil.ToFloat64(metrics.MQTTPublishes.WithLabelValues("success"))
	payload := []byte(`{"id":"28:cd:c1:0a:b2:3f"}`)
	if err := s.Publish(payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(c.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(c.published))
	}
	got := c.published[0]
	if got.topic != "rb3e/telemetry" || got.qos != 0 || string(got.payload) != string(payload) {
		t.Errorf("published = %+v", got)
	}
	if after := testutil.ToFloat64(metrics.MQTTPublishes.WithLabelValues("success")); after != before+1 {
		t.Errorf("success counter = %v, want %v", after, before+1)
	}
}

func TestPublishNotConnected(t *testing.T) {
	c := &fakeClient{}
	s := newSink(c, "rb3e/telemetry", time.Second, testLogger())

	before := testutil.ToFloat64(metrics.MQTTPublishes.WithLabelValues("skipped"))
	if err := s.Publish([]byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish error = %v, want ErrNotConnected", err)
	}
	if len(c.published) != 0 {
		t.Error("nothing should be published while disconnected")
	}
	if after := testutil.ToFloat64(metrics.MQTTPublishes.WithLabelValues("skipped")); after != before+1 {
		t.Errorf("skipped counter = %v, want %v", after, before+1)
	}
}

func TestPublishErrors(t *testing.T) {
	for _, tok := range []*fakeToken{{err: errors.New("broken pipe")}, {pending: true}} {
		c := &fakeClient{connected: true, publishToken: tok}
		s := newSink(c, "rb3e/telemetry", time.Second, testLogger())
		before := testutil.ToFloat64(metrics.MQTTPublishes.WithLabelValues("error"))
		if err := s.Publish([]byte("{}")); err == nil {
			t.Errorf("token %+v: expected error", tok)
		}
		if after := testutil.ToFloat64(metrics.MQTTPublishes.WithLabelValues("error")); after != before+1 {
			t.Errorf("error counter = %v, want %v", after, before+1)
		}
	}
}

func TestClose(t *testing.T) {
	c := &fakeClient{connected: true}
	s := newSink(c, "rb3e/telemetry", time.Second, testLogger())
	s.Close()
	if c.disconnects != 1 || c.IsConnected() {
		t.Errorf("disconnects = %d, connected = %v", c.disconnects, c.IsConnected())
	}
}

func TestNewBuildsClient(t *testing.T) {
	s := New(Config{
		Broker:         "tcp://127.0.0.1:1883",
		Topic:          "rb3e/telemetry",
		ClientID:       "rb3e-bridge-test",
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}, testLogger())
	if s.client == nil || s.topic != "rb3e/telemetry" {
		t.Errorf("sink = %+v", s)
	}
	if s.client.IsConnected() {
		t.Error("client should not connect before Connect")
	}
}
