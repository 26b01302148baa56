package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
	"github.com/rb3e-bridge/rb3e-bridge/pkg/dhcpv4"
)

// Server is the access-point DHCPv4 UDP server.
type Server struct {
	conn      *ipv4.PacketConn
	handler   *Handler
	logger    *slog.Logger
	addr      string
	iface     string
	ifIndex   int
	replyAddr *net.UDPAddr
	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once
}

// ServerOption configures optional Server parameters.
type ServerOption func(*Server)

// WithReplyAddr overrides the reply destination. Replies normally go to the
// limited broadcast address on the client port.
func WithReplyAddr(addr *net.UDPAddr) ServerOption {
	return func(s *Server) {
		s.replyAddr = addr
	}
}

// NewServer creates a new DHCP server. When iface is set, packets arriving
// on any other interface are ignored and replies leave through iface.
func NewServer(handler *Handler, iface, addr string, logger *slog.Logger, opts ...ServerOption) *Server {
	if addr == "" {
		addr = fmt.Sprintf(":%d", dhcpv4.ServerPort)
	}
	s := &Server{
		handler: handler,
		logger:  logger,
		addr:    addr,
		iface:   iface,
		replyAddr: &net.UDPAddr{
			IP:   net.IPv4bcast,
			Port: dhcpv4.ClientPort,
		},
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the server socket and begins serving. A bind failure is
// returned to the caller; nothing else is affected.
func (s *Server) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", s.addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address %s: %w", s.addr, err)
	}

	if s.iface != "" {
		ifi, err := net.InterfaceByName(s.iface)
		if err != nil {
			return fmt.Errorf("looking up interface %s: %w", s.iface, err)
		}
		s.ifIndex = ifi.Index
	}

	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.conn = ipv4.NewPacketConn(udpConn)
	if s.ifIndex != 0 {
		if err := s.conn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			s.logger.Warn("interface control messages unavailable, serving all interfaces",
				"interface", s.iface,
				"error", err)
			s.ifIndex = 0
		}
	}

	s.logger.Info("DHCP server started",
		"address", udpConn.LocalAddr().String(),
		"interface", s.iface)

	s.wg.Add(1)
	go s.serve(ctx)

	return nil
}

// Addr returns the bound local address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// serve is the main packet processing loop. Packets are handled inline so
// a DISCOVER and the following REQUEST from a client are seen in order.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	buf := GetBuffer()
	defer PutBuffer(buf)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		n, cm, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("reading UDP packet", "error", err)
			continue
		}

		if s.ifIndex != 0 && cm != nil && cm.IfIndex != s.ifIndex {
			continue
		}

		s.processPacket(ctx, buf[:n], src)
	}
}

// processPacket handles a single DHCP packet.
func (s *Server) processPacket(ctx context.Context, data []byte, src net.Addr) {
	pkt, err := DecodePacket(data)
	if err == nil {
		err = pkt.ValidateRequest()
	}
	if err != nil {
		metrics.DHCPPacketErrors.WithLabelValues("decode").Inc()
		s.logger.Debug("dropping malformed packet",
			"error", err,
			"src", src.String(),
			"size", len(data))
		return
	}

	msgType := pkt.MessageType().String()
	metrics.DHCPPacketsReceived.WithLabelValues(msgType).Inc()
	start := time.Now()

	reply, err := s.handler.HandlePacket(ctx, pkt)

	metrics.DHCPProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DHCPPacketErrors.WithLabelValues("handler").Inc()
		s.logger.Error("handling DHCP packet",
			"error", err,
			"mac", pkt.MAC().String(),
			"msg_type", msgType)
		return
	}

	if reply == nil {
		return
	}

	var cm *ipv4.ControlMessage
	if s.ifIndex != 0 {
		cm = &ipv4.ControlMessage{IfIndex: s.ifIndex}
	}

	if _, err := s.conn.WriteTo(reply.Encode(), cm, s.replyAddr); err != nil {
		metrics.DHCPPacketErrors.WithLabelValues("send").Inc()
		s.logger.Error("sending reply",
			"error", err,
			"dst", s.replyAddr.String(),
			"mac", pkt.MAC().String())
	} else {
		metrics.DHCPPacketsSent.WithLabelValues(reply.MessageType().String()).Inc()
	}
}

// Stop shuts down the server and waits for the serve loop to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
		s.wg.Wait()
		s.logger.Info("DHCP server stopped")
	})
}

// Handler returns the packet handler.
func (s *Server) Handler() *Handler {
	return s.handler
}
