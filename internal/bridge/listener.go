package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	"github.com/rb3e-bridge/rb3e-bridge/internal/wifi"
	"github.com/rb3e-bridge/rb3e-bridge/pkg/rb3e"
)

const maxDatagram = 1500

var (
	// ErrNotConnected is returned by Start when the link is not Connected.
	ErrNotConnected = errors.New("link not connected")
	// ErrNotListening is returned by SendTelemetry before Start.
	ErrNotListening = errors.New("listener not started")
)

// CommandFunc receives the left/right bytes of each valid StageKit packet.
// It runs on the command reader goroutine.
type CommandFunc func(left, right byte)

// PeripheralStatus reports whether the lighting peripheral is attached.
type PeripheralStatus interface {
	Connected() bool
}

// TelemetrySink receives a copy of every telemetry payload.
type TelemetrySink interface {
	Publish(payload []byte) error
}

// Link is the part of the connection manager the listener depends on.
type Link interface {
	State() wifi.State
	MarkListening() error
	MarkStopped()
	HardwareAddr() net.HardwareAddr
	RSSI() int
	Addr() *net.IPNet
}

// ListenerConfig holds the endpoint settings.
type ListenerConfig struct {
	// ListenIP restricts both endpoints to one local address. Empty binds
	// all addresses.
	ListenIP      string
	CommandPort   int
	TelemetryPort int
	PeerTimeout   time.Duration
	NamePrefix    string
}

// ListenerOption configures optional Listener behavior.
type ListenerOption func(*Listener)

// WithClock overrides the time source used for peer freshness and uptime.
func WithClock(now func() time.Time) ListenerOption {
	return func(l *Listener) {
		l.now = now
	}
}

// WithBootTime sets the instant telemetry uptime counts from. The default is
// the time the listener was created.
func WithBootTime(t time.Time) ListenerOption {
	return func(l *Listener) {
		l.boot = t
	}
}

// WithBroadcastAddrs replaces the computed broadcast destinations.
func WithBroadcastAddrs(addrs ...*net.UDPAddr) ListenerOption {
	return func(l *Listener) {
		l.broadcastOverride = addrs
	}
}

// WithTelemetrySink mirrors every telemetry payload to sink.
func WithTelemetrySink(sink TelemetrySink) ListenerOption {
	return func(l *Listener) {
		l.sink = sink
	}
}

// Listener owns the command endpoint and the telemetry/discovery endpoint.
// The telemetry endpoint both sends telemetry and receives discovery, so
// controllers that only answer the source port of what they saw can reach
// it.
type Listener struct {
	cfg       ListenerConfig
	link      Link
	onCommand CommandFunc
	stats     *Stats
	peers     *peerTracker
	bus       *events.Bus
	logger    *slog.Logger
	sink      TelemetrySink
	now       func() time.Time
	boot      time.Time

	broadcastOverride []*net.UDPAddr

	mu      sync.Mutex
	cmdConn *net.UDPConn
	telConn *net.UDPConn
	wg      sync.WaitGroup
}

// NewListener creates a listener. onCommand may be nil.
func NewListener(cfg ListenerConfig, link Link, onCommand CommandFunc, stats *Stats, bus *events.Bus, logger *slog.Logger, opts ...ListenerOption) *Listener {
	if stats == nil {
		stats = &Stats{}
	}
	l := &Listener{
		cfg:       cfg,
		link:      link,
		onCommand: onCommand,
		stats:     stats,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.boot.IsZero() {
		l.boot = l.now()
	}
	l.peers = newPeerTracker(cfg.PeerTimeout, l.now, bus)
	return l
}

// Start binds both endpoints and marks the link Listening. The link must be
// Connected. On a bind failure nothing is left open and the error is
// returned; the caller decides whether to run without the listener.
func (l *Listener) Start(ctx context.Context) error {
	if st := l.link.State(); st != wifi.StateConnected {
		return fmt.Errorf("%w: state is %s", ErrNotConnected, st)
	}

	l.mu.Lock()
	if l.cmdConn != nil {
		l.mu.Unlock()
		return errors.New("listener already started")
	}

	cmdConn, err := l.bind(l.cfg.CommandPort)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("binding command endpoint: %w", err)
	}
	telConn, err := l.bind(l.cfg.TelemetryPort)
	if err != nil {
		cmdConn.Close()
		l.mu.Unlock()
		return fmt.Errorf("binding telemetry endpoint: %w", err)
	}
	l.cmdConn = cmdConn
	l.telConn = telConn
	l.mu.Unlock()

	if err := l.link.MarkListening(); err != nil {
		l.closeConns()
		return err
	}

	l.wg.Add(2)
	go l.readCommands(cmdConn)
	go l.readDiscovery(telConn)

	l.logger.Info("rb3e listener started",
		"command_addr", cmdConn.LocalAddr().String(),
		"telemetry_addr", telConn.LocalAddr().String())

	l.bus.Publish(events.Event{
		Type:      events.EventListenerStarted,
		Timestamp: time.Now(),
	})
	return nil
}

func (l *Listener) bind(port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{Port: port}
	if l.cfg.ListenIP != "" {
		addr.IP = net.ParseIP(l.cfg.ListenIP)
		if addr.IP == nil {
			return nil, fmt.Errorf("invalid listen address %q", l.cfg.ListenIP)
		}
	}
	return net.ListenUDP("udp4", addr)
}

// Stop closes both endpoints and returns the link to Connected. It is
// safe to call when not started.
func (l *Listener) Stop() {
	if !l.closeConns() {
		return
	}
	l.wg.Wait()
	l.peers.clear()
	l.link.MarkStopped()

	l.logger.Info("rb3e listener stopped")
	l.bus.Publish(events.Event{
		Type:      events.EventListenerStopped,
		Timestamp: time.Now(),
	})
}

func (l *Listener) closeConns() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmdConn == nil {
		return false
	}
	l.cmdConn.Close()
	l.telConn.Close()
	l.cmdConn = nil
	l.telConn = nil
	return true
}

// Running reports whether the endpoints are open.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cmdConn != nil
}

// CommandAddr returns the bound command address, or nil when stopped.
func (l *Listener) CommandAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmdConn == nil {
		return nil
	}
	return l.cmdConn.LocalAddr().(*net.UDPAddr)
}

// TelemetryAddr returns the bound telemetry address, or nil when stopped.
func (l *Listener) TelemetryAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.telConn == nil {
		return nil
	}
	return l.telConn.LocalAddr().(*net.UDPAddr)
}

// Stats returns the listener counters.
func (l *Listener) Stats() *Stats {
	return l.stats
}

// Peer returns the discovered controller, if one is known.
func (l *Listener) Peer() (Peer, bool) {
	return l.peers.current()
}

func (l *Listener) readCommands(conn *net.UDPConn) {
	defer l.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("command read error", "error", err)
			continue
		}
		l.handleCommand(buf[:n])
	}
}

func (l *Listener) handleCommand(data []byte) {
	l.stats.commandReceived()

	left, right, ok := rb3e.DecodeStageKit(data)
	if !ok {
		l.stats.commandInvalid()
		return
	}
	l.stats.commandProcessed()
	if l.onCommand != nil {
		l.onCommand(left, right)
	}
}

func (l *Listener) readDiscovery(conn *net.UDPConn) {
	defer l.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("telemetry endpoint read error", "error", err)
			continue
		}
		if !IsDiscovery(buf[:n]) {
			continue
		}
		l.stats.discovery()
		if l.peers.record(src) {
			l.logger.Info("controller discovered", "addr", src.String())
		}
	}
}

func (l *Listener) telemetryPort() int {
	if l.cfg.TelemetryPort != 0 {
		return l.cfg.TelemetryPort
	}
	if a := l.TelemetryAddr(); a != nil {
		return a.Port
	}
	return rb3e.TelemetryPort
}
