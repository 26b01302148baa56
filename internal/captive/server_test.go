package captive

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer("127.0.0.1:0", net.IPv4(192, 168, 4, 1), 60, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func query(t *testing.T, s *Server, name string, qtype uint16) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(m, s.Addr().String())
	if err != nil {
		t.Fatalf("exchange %s: %v", name, err)
	}
	return resp
}

func TestNewServerRejectsIPv6(t *testing.T) {
	if _, err := NewServer("127.0.0.1:0", net.ParseIP("fd00::1"), 60, testLogger()); err == nil {
		t.Error("expected error for IPv6 answer")
	}
}

func TestAQueriesAnswerAccessPoint(t *testing.T) {
	s := startTestServer(t)

	for _, name := range []string{"connectivitycheck.gstatic.com", "captive.apple.com", "rb3e.local"} {
		resp := query(t, s, name, dns.TypeA)
		if resp.Rcode != dns.RcodeSuccess {
			t.Errorf("%s: rcode = %s", name, dns.RcodeToString[resp.Rcode])
		}
		if !resp.Authoritative {
			t.Errorf("%s: answer should be authoritative", name)
		}
		if len(resp.Answer) != 1 {
			t.Fatalf("%s: %d answers, want 1", name, len(resp.Answer))
		}
		a, ok := resp.Answer[0].(*dns.A)
		if !ok {
			t.Fatalf("%s: answer is %T", name, resp.Answer[0])
		}
		if !a.A.Equal(net.IPv4(192, 168, 4, 1)) {
			t.Errorf("%s: A = %s, want 192.168.4.1", name, a.A)
		}
		if a.Hdr.Ttl != 60 {
			t.Errorf("%s: TTL = %d, want 60", name, a.Hdr.Ttl)
		}
		if a.Hdr.Name != dns.Fqdn(name) {
			t.Errorf("answer name = %q", a.Hdr.Name)
		}
	}
}

func TestOtherTypesEmpty(t *testing.T) {
	s := startTestServer(t)
	for _, qt := range []uint16{dns.TypeAAAA, dns.TypeMX, dns.TypeTXT} {
		resp := query(t, s, "example.com", qt)
		if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 0 {
			t.Errorf("%s: rcode %s, %d answers; want NOERROR and none",
				dns.TypeToString[qt], dns.RcodeToString[resp.Rcode], len(resp.Answer))
		}
	}
}

func TestStartTwiceAndStop(t *testing.T) {
	s := startTestServer(t)
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	s.Stop()
	if s.Addr() != nil {
		t.Error("Addr should be nil after Stop")
	}
	s.Stop()
}

func TestBindFailure(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	s, err := NewServer(busy.LocalAddr().String(), net.IPv4(192, 168, 4, 1), 60, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected bind error")
	}
}
