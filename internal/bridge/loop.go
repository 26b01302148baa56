package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
	"github.com/rb3e-bridge/rb3e-bridge/internal/wifi"
)

const minSafetyPoll = 10 * time.Millisecond

// Peripheral is the lighting device the commands are forwarded to.
type Peripheral interface {
	PeripheralStatus
	Send(left, right byte) error
	AllOff() error
}

// CommandQueue is a single-slot mailbox between the command reader and the
// loop. A newer command replaces one not yet taken.
type CommandQueue struct {
	mu      sync.Mutex
	left    byte
	right   byte
	pending bool
	ready   chan struct{}
}

// NewCommandQueue creates an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{ready: make(chan struct{}, 1)}
}

// Push stores a command. It matches CommandFunc.
func (q *CommandQueue) Push(left, right byte) {
	q.mu.Lock()
	q.left, q.right, q.pending = left, right, true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after Push.
func (q *CommandQueue) Ready() <-chan struct{} {
	return q.ready
}

// Take returns and clears the pending command.
func (q *CommandQueue) Take() (left, right byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.pending {
		return 0, 0, false
	}
	q.pending = false
	return q.left, q.right, true
}

// LoopConfig holds the periodic work intervals.
type LoopConfig struct {
	TelemetryInterval time.Duration
	CheckInterval     time.Duration
	LightsTimeout     time.Duration
	Retry             wifi.RetryPolicy
}

// Loop is the single owner of periodic work: forwarding commands, sending
// telemetry, checking the link and the lights safety timeout.
type Loop struct {
	cfg      LoopConfig
	mgr      *wifi.Manager
	listener *Listener
	queue    *CommandQueue
	lights   Peripheral
	bus      *events.Bus
	logger   *slog.Logger

	lightsActive bool
	lastCommand  time.Time
	authBlocked  bool
}

// NewLoop creates the event loop and registers ServicePending as the
// manager's hook. The listener must have been created with queue.Push as its
// CommandFunc.
func NewLoop(cfg LoopConfig, mgr *wifi.Manager, listener *Listener, queue *CommandQueue, lights Peripheral, bus *events.Bus, logger *slog.Logger) *Loop {
	l := &Loop{
		cfg:         cfg,
		mgr:         mgr,
		listener:    listener,
		queue:       queue,
		lights:      lights,
		bus:         bus,
		logger:      logger,
		lastCommand: time.Now(),
	}
	mgr.SetServicePending(l.ServicePending)
	return l
}

// ServicePending forwards a queued command and enforces the lights timeout
// without blocking. Connect calls it while the loop waits on a reconnect, so
// it runs on the loop's goroutine or before Run starts.
func (l *Loop) ServicePending() {
	select {
	case <-l.queue.Ready():
		l.forwardCommand()
	default:
	}
	l.checkLights()
}

// Run drives the loop until ctx is cancelled. The listener is stopped on
// return.
func (l *Loop) Run(ctx context.Context) error {
	telemetry := time.NewTicker(l.cfg.TelemetryInterval)
	defer telemetry.Stop()
	check := time.NewTicker(l.cfg.CheckInterval)
	defer check.Stop()

	safetyPoll := l.cfg.LightsTimeout / 5
	if safetyPoll < minSafetyPoll {
		safetyPoll = minSafetyPoll
	}
	safety := time.NewTicker(safetyPoll)
	defer safety.Stop()

	defer l.listener.Stop()

	l.logger.Info("event loop started",
		"telemetry_interval", l.cfg.TelemetryInterval.String(),
		"check_interval", l.cfg.CheckInterval.String(),
		"lights_timeout", l.cfg.LightsTimeout.String())

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("event loop stopped")
			return nil
		case <-l.queue.Ready():
			l.forwardCommand()
		case <-telemetry.C:
			l.sendTelemetry()
		case <-check.C:
			l.checkLink(ctx)
		case <-safety.C:
			l.checkLights()
		}
	}
}

func (l *Loop) forwardCommand() {
	left, right, ok := l.queue.Take()
	if !ok {
		return
	}
	l.lastCommand = time.Now()

	if !l.lights.Connected() {
		return
	}
	if err := l.lights.Send(left, right); err != nil {
		l.logger.Warn("forwarding stagekit command failed",
			"left", left, "right", right, "error", err)
		return
	}
	l.lightsActive = true
}

func (l *Loop) checkLights() {
	if !l.lightsActive || time.Since(l.lastCommand) <= l.cfg.LightsTimeout {
		return
	}
	l.logger.Info("no stagekit command within timeout, clearing lights",
		"timeout", l.cfg.LightsTimeout.String())

	if l.lights.Connected() {
		if err := l.lights.AllOff(); err != nil {
			l.logger.Warn("clearing lights failed", "error", err)
		}
	}
	l.lightsActive = false
	metrics.LightsTimeouts.Inc()
	l.bus.Publish(events.Event{
		Type:      events.EventLightsTimeout,
		Timestamp: time.Now(),
	})
}

func (l *Loop) sendTelemetry() {
	if !l.listener.Running() {
		return
	}
	if err := l.listener.SendTelemetry(l.lights.Connected()); err != nil {
		l.logger.Debug("telemetry not delivered", "error", err)
	}
}

// checkLink verifies the link and recovers from a drop: stop the listener,
// reconnect with the retry policy, start the listener again. Bad
// credentials are not retried until the process is reconfigured.
func (l *Loop) checkLink(ctx context.Context) {
	if l.mgr.CheckConnection() {
		if !l.listener.Running() {
			l.startListener(ctx)
		}
		return
	}

	l.listener.Stop()

	if l.mgr.State() == wifi.StateError && l.mgr.FailReason() == wifi.FailBadAuth {
		if !l.authBlocked {
			l.logger.Error("wifi credentials rejected, not reconnecting",
				"ssid", l.mgr.SSID())
			l.authBlocked = true
		}
		return
	}
	l.authBlocked = false

	l.logger.Warn("wifi link down, reconnecting", "state", l.mgr.State().String())
	if err := wifi.ConnectWithRetry(ctx, l.mgr, l.cfg.Retry, l.logger); err != nil {
		l.logger.Warn("wifi reconnect failed", "error", err)
		return
	}
	l.startListener(ctx)
}

func (l *Loop) startListener(ctx context.Context) {
	if err := l.listener.Start(ctx); err != nil {
		l.logger.Warn("starting rb3e listener failed, running without it", "error", err)
	}
}
