package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/wifi"
	"github.com/rb3e-bridge/rb3e-bridge/pkg/rb3e"
)

type fakePeripheral struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      [][2]byte
	allOff    int
}

func (p *fakePeripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeripheral) Send(left, right byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, [2]byte{left, right})
	return nil
}

func (p *fakePeripheral) AllOff() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allOff++
	return nil
}

func (p *fakePeripheral) counts() (sent, allOff int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent), p.allOff
}

type loopFixture struct {
	drv      *fakeDriver
	mgr      *wifi.Manager
	listener *Listener
	queue    *CommandQueue
	lights   *fakePeripheral
	loop     *Loop
	cancel   context.CancelFunc
	done     chan error
}

func startLoop(t *testing.T, cfg LoopConfig, bus *events.Bus) *loopFixture {
	t.Helper()
	f := &loopFixture{
		drv:    newFakeDriver(),
		queue:  NewCommandQueue(),
		lights: &fakePeripheral{connected: true},
		done:   make(chan error, 1),
	}
	f.mgr = newManager(t, f.drv, true)
	f.listener = NewListener(testListenerConfig(), f.mgr, f.queue.Push, nil, bus, testLogger())
	if err := f.listener.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.loop = NewLoop(cfg, f.mgr, f.listener, f.queue, f.lights, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})
	return f
}

func quietLoopConfig() LoopConfig {
	return LoopConfig{
		TelemetryInterval: time.Hour,
		CheckInterval:     time.Hour,
		LightsTimeout:     time.Hour,
		Retry:             wifi.RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond},
	}
}

func TestCommandQueueLatestWins(t *testing.T) {
	q := NewCommandQueue()
	if _, _, ok := q.Take(); ok {
		t.Fatal("empty queue returned a command")
	}
	q.Push(1, 2)
	q.Push(3, 4)
	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready not signalled")
	}
	left, right, ok := q.Take()
	if !ok || left != 3 || right != 4 {
		t.Errorf("Take = %d,%d,%v, want 3,4,true", left, right, ok)
	}
	if _, _, ok := q.Take(); ok {
		t.Error("queue should be empty after Take")
	}
}

func TestLoopForwardsCommands(t *testing.T) {
	f := startLoop(t, quietLoopConfig(), nil)

	client := listenUDP(t)
	client.WriteToUDP(rb3e.EncodeStageKit(0, 1, 0x03, rb3e.LEDRed), f.listener.CommandAddr())

	waitFor(t, "command forwarded", func() bool {
		sent, _ := f.lights.counts()
		return sent == 1
	})
	f.lights.mu.Lock()
	got := f.lights.sent[0]
	f.lights.mu.Unlock()
	if got != [2]byte{0x03, rb3e.LEDRed} {
		t.Errorf("sent = %v", got)
	}
}

func TestLoopDropsCommandsWithoutPeripheral(t *testing.T) {
	f := startLoop(t, quietLoopConfig(), nil)
	f.lights.mu.Lock()
	f.lights.connected = false
	f.lights.mu.Unlock()

	f.queue.Push(1, rb3e.FogOn)
	time.Sleep(30 * time.Millisecond)
	if sent, _ := f.lights.counts(); sent != 0 {
		t.Errorf("sent = %d with peripheral disconnected", sent)
	}
}

func TestLoopLightsSafetyTimeout(t *testing.T) {
	bus := events.NewBus(16, testLogger())
	bus.Start()
	defer bus.Stop()
	sub := bus.Subscribe(16)

	cfg := quietLoopConfig()
	cfg.LightsTimeout = 40 * time.Millisecond
	f := startLoop(t, cfg, bus)

	f.queue.Push(0xFF, rb3e.LEDGreen)
	waitFor(t, "lights cleared", func() bool {
		_, off := f.lights.counts()
		return off == 1
	})

	// Nothing more to clear until the next command.
	time.Sleep(100 * time.Millisecond)
	if _, off := f.lights.counts(); off != 1 {
		t.Errorf("allOff = %d, want 1", off)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-sub:
			if evt.Type == events.EventLightsTimeout {
				return
			}
		case <-deadline:
			t.Fatal("no lights.timeout event")
		}
	}
}

func TestLoopNoTimeoutWhenSendFails(t *testing.T) {
	cfg := quietLoopConfig()
	cfg.LightsTimeout = 20 * time.Millisecond
	f := startLoop(t, cfg, nil)
	f.lights.mu.Lock()
	f.lights.sendErr = errors.New("usb stall")
	f.lights.mu.Unlock()

	f.queue.Push(1, rb3e.StrobeSpeed2)
	time.Sleep(100 * time.Millisecond)
	if _, off := f.lights.counts(); off != 0 {
		t.Errorf("allOff = %d, lights were never active", off)
	}
}

func TestLoopSendsTelemetry(t *testing.T) {
	cfg := quietLoopConfig()
	cfg.TelemetryInterval = 20 * time.Millisecond
	f := startLoop(t, cfg, nil)

	controller := listenUDP(t)
	controller.WriteToUDP([]byte(`{"type":"discovery"}`), f.listener.TelemetryAddr())

	payload, ok := readUDP(t, controller, 2*time.Second)
	if !ok {
		t.Fatal("no telemetry received")
	}
	var tel Telemetry
	if err := json.Unmarshal(payload, &tel); err != nil {
		t.Fatalf("telemetry %q: %v", payload, err)
	}
	if tel.Name != "Pico b2:3f" || tel.USBStatus != "Connected" {
		t.Errorf("telemetry = %+v", tel)
	}
	waitFor(t, "telemetry counted", func() bool {
		return f.listener.Stats().Snapshot().TelemetrySent >= 1
	})
}

func TestLoopReconnectsAfterLinkLoss(t *testing.T) {
	cfg := quietLoopConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	f := startLoop(t, cfg, nil)

	if f.mgr.State() != wifi.StateListening {
		t.Fatalf("State = %s, want listening", f.mgr.State())
	}
	f.drv.set(wifi.LinkDown, wifi.LinkUp)

	waitFor(t, "reconnect", func() bool {
		return f.drv.joinCount() == 2 && f.mgr.State() == wifi.StateListening && f.listener.Running()
	})
}

func TestLoopBadAuthNotRetried(t *testing.T) {
	cfg := quietLoopConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	cfg.Retry = wifi.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	f := startLoop(t, cfg, nil)

	f.drv.set(wifi.LinkDown, wifi.LinkBadAuth)

	waitFor(t, "bad auth failure", func() bool {
		return f.mgr.State() == wifi.StateError && f.mgr.FailReason() == wifi.FailBadAuth
	})
	time.Sleep(100 * time.Millisecond)
	if got := f.drv.joinCount(); got != 2 {
		t.Errorf("joins = %d, want 2 (initial plus one rejected attempt)", got)
	}
	if f.listener.Running() {
		t.Error("listener should stay stopped")
	}
}

func TestLoopClearsLightsDuringReconnect(t *testing.T) {
	cfg := quietLoopConfig()
	cfg.CheckInterval = 10 * time.Millisecond
	cfg.LightsTimeout = 50 * time.Millisecond
	cfg.Retry = wifi.RetryPolicy{MaxAttempts: 3, Delay: 300 * time.Millisecond}
	f := startLoop(t, cfg, nil)

	// Every join times out, so one retry round takes about 750ms.
	f.drv.set(wifi.LinkDown, wifi.LinkDown)
	waitFor(t, "reconnect started", func() bool {
		return f.drv.joinCount() >= 2
	})

	f.queue.Push(0xFF, rb3e.LEDBlue)
	waitFor(t, "command forwarded and lights cleared", func() bool {
		sent, off := f.lights.counts()
		return sent == 1 && off == 1
	})
	if joins := f.drv.joinCount(); joins >= 4 {
		t.Errorf("joins = %d, lights were cleared only after the retry round ended", joins)
	}
}

func TestLoopServicesPendingWorkInsideConnect(t *testing.T) {
	drv := newFakeDriver()
	mgr := newManager(t, drv, false)
	queue := NewCommandQueue()
	lights := &fakePeripheral{connected: true}
	listener := NewListener(testListenerConfig(), mgr, queue.Push, nil, nil, testLogger())

	cfg := quietLoopConfig()
	cfg.LightsTimeout = 20 * time.Millisecond
	NewLoop(cfg, mgr, listener, queue, lights, nil, testLogger())

	queue.Push(1, rb3e.FogOn)
	drv.set(wifi.LinkDown, wifi.LinkDown)
	// The connect times out after 50ms; its polls run the loop's hook.
	if err := mgr.Connect(context.Background()); err == nil {
		t.Fatal("Connect should time out")
	}
	sent, off := lights.counts()
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if off != 1 {
		t.Errorf("allOff = %d, want 1", off)
	}
}
