// Package captive is the DNS responder used in access-point mode. Every A
// query is answered with the access point's own address so a client joining
// the setup network lands on the bridge whatever name it looks up.
package captive

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/rb3e-bridge/rb3e-bridge/internal/metrics"
)

// Server answers DNS queries over UDP.
type Server struct {
	addr   string
	answer net.IP
	ttl    uint32
	logger *slog.Logger

	mu      sync.Mutex
	server  *dns.Server
	conn    net.PacketConn
	started bool
}

// NewServer creates a responder on addr (host:port) that answers A queries
// with answer.
func NewServer(addr string, answer net.IP, ttl uint32, logger *slog.Logger) (*Server, error) {
	ip4 := answer.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("captive DNS answer %v is not IPv4", answer)
	}
	return &Server{
		addr:   addr,
		answer: ip4,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Start binds the UDP socket and serves queries until Stop. A bind failure
// is returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("captive DNS already started")
	}

	conn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("binding captive DNS on %s: %w", s.addr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	started := make(chan struct{})
	s.conn = conn
	s.server = &dns.Server{
		PacketConn:        conn,
		Handler:           mux,
		NotifyStartedFunc: func() { close(started) },
	}

	srv := s.server
	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("captive DNS listener error", "error", err)
		}
	}()
	<-started

	s.started = true
	s.logger.Info("captive DNS started",
		"addr", conn.LocalAddr().String(),
		"answer", s.answer.String())
	return nil
}

// Addr returns the bound address, or nil when not started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop shuts the listener down.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if err := s.server.Shutdown(); err != nil {
		s.logger.Debug("captive DNS shutdown", "error", err)
	}
	s.conn = nil
	s.started = false
	s.logger.Info("captive DNS stopped")
}

// handleQuery answers A with the access point address, returns an empty
// NOERROR for other types of any name, and refuses non-query opcodes.
func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	if r.Opcode != dns.OpcodeQuery || len(r.Question) == 0 {
		dns.HandleFailed(w, r)
		metrics.DNSQueriesTotal.WithLabelValues("", "refused").Inc()
		return
	}

	q := r.Question[0]
	qtype := dns.TypeToString[q.Qtype]

	resp := new(dns.Msg)
	resp.SetReply(r)
	resp.Authoritative = true

	result := "empty"
	if q.Qtype == dns.TypeA && q.Qclass == dns.ClassINET {
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    s.ttl,
			},
			A: s.answer,
		})
		result = "answered"
	}

	s.logger.Debug("captive DNS query",
		"name", strings.ToLower(q.Name),
		"type", qtype,
		"result", result)

	metrics.DNSQueriesTotal.WithLabelValues(qtype, result).Inc()
	if err := w.WriteMsg(resp); err != nil {
		s.logger.Debug("writing captive DNS reply", "error", err)
	}
}
