package journal

import (
	"bytes"
	"encoding/csv"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	bolt "go.etcd.io/bbolt"
)

func testDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestJournalAppendAndQuery(t *testing.T) {
	j, err := New(testDB(t), 0, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	records := []Record{
		{Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339Nano), Event: "link.state", NewState: "connecting"},
		{Timestamp: now.Add(-1 * time.Hour).Format(time.RFC3339Nano), Event: "lease.ack", IP: "192.168.4.100", MAC: "aa:bb:cc:dd:ee:01"},
		{Timestamp: now.Add(-30 * time.Minute).Format(time.RFC3339Nano), Event: "lease.ack", IP: "192.168.4.101", MAC: "aa:bb:cc:dd:ee:02", Slot: 1},
		{Timestamp: now.Format(time.RFC3339Nano), Event: "lease.offer", IP: "192.168.4.100", MAC: "aa:bb:cc:dd:ee:01"},
	}
	for _, r := range records {
		if err := j.append(r); err != nil {
			t.Fatal(err)
		}
	}

	if j.Count() != 4 {
		t.Errorf("expected 4 records, got %d", j.Count())
	}

	all, err := j.Query(QueryParams{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("query all: expected 4, got %d", len(all))
	}

	byMAC, err := j.Query(QueryParams{MAC: "aa:bb:cc:dd:ee:01"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byMAC) != 2 {
		t.Errorf("query by MAC: expected 2, got %d", len(byMAC))
	}

	byEvent, err := j.Query(QueryParams{Event: "lease.ack"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byEvent) != 2 {
		t.Errorf("query by event lease.ack: expected 2, got %d", len(byEvent))
	}

	byRange, err := j.Query(QueryParams{
		From: now.Add(-90 * time.Minute),
		To:   now.Add(-15 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRange) != 2 {
		t.Errorf("query by time range: expected 2, got %d", len(byRange))
	}
}

func TestJournalLimitNewestFirst(t *testing.T) {
	j, err := New(testDB(t), 0, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		j.append(Record{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
			Event:     "peer.discovered",
		})
	}

	results, err := j.Query(QueryParams{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Errorf("expected 5 results with limit, got %d", len(results))
	}
	if results[0].ID < results[4].ID {
		t.Error("expected results ordered newest first")
	}
}

func TestJournalTrim(t *testing.T) {
	j, err := New(testDB(t), 3, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	macs := []string{"aa:00:00:00:00:01", "aa:00:00:00:00:02", "aa:00:00:00:00:01", "aa:00:00:00:00:03", "aa:00:00:00:00:04"}
	for _, mac := range macs {
		if err := j.append(Record{Timestamp: time.Now().Format(time.RFC3339Nano), Event: "lease.ack", MAC: mac}); err != nil {
			t.Fatal(err)
		}
	}

	if j.Count() != 3 {
		t.Errorf("Count = %d, want 3", j.Count())
	}
	all, _ := j.Query(QueryParams{})
	if len(all) != 3 || all[0].ID != 5 || all[2].ID != 3 {
		t.Errorf("kept IDs = %v", ids(all))
	}

	// The index no longer points at trimmed records.
	byMAC, _ := j.Query(QueryParams{MAC: "aa:00:00:00:00:01"})
	if len(byMAC) != 1 || byMAC[0].ID != 3 {
		t.Errorf("MAC 01 records = %v, want [3]", ids(byMAC))
	}
	byMAC, _ = j.Query(QueryParams{MAC: "aa:00:00:00:00:02"})
	if len(byMAC) != 0 {
		t.Errorf("MAC 02 records = %v, want none", ids(byMAC))
	}
}

func ids(recs []Record) []uint64 {
	out := make([]uint64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestJournalEventBusIntegration(t *testing.T) {
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	defer bus.Stop()

	j, err := New(testDB(t), 100, bus, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	go j.Start()
	defer j.Stop()

	bus.Publish(events.Event{
		Type:      events.EventLeaseAck,
		Timestamp: time.Now(),
		Lease: &events.LeaseData{
			IP:       net.IPv4(192, 168, 4, 100),
			MAC:      net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
			Index:    0,
			Hostname: "xbox",
		},
	})
	bus.Publish(events.Event{
		Type:      events.EventLinkFailed,
		Timestamp: time.Now(),
		Link:      &events.LinkData{OldState: "connecting", NewState: "error", FailReason: "bad_auth", SSID: "HomeNet"},
	})
	bus.Publish(events.Event{
		Type:      events.EventPeerDiscovered,
		Timestamp: time.Now(),
		Peer:      &events.PeerData{Addr: "192.168.1.20:21071"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for j.Count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	results, err := j.Query(QueryParams{MAC: "aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].IP != "192.168.4.100" || results[0].Hostname != "xbox" {
		t.Fatalf("lease records = %+v", results)
	}

	failed, _ := j.Query(QueryParams{Event: string(events.EventLinkFailed)})
	if len(failed) != 1 || failed[0].FailReason != "bad_auth" || failed[0].SSID != "HomeNet" {
		t.Errorf("link.failed records = %+v", failed)
	}

	peers, _ := j.Query(QueryParams{Event: string(events.EventPeerDiscovered)})
	if len(peers) != 1 || peers[0].Peer != "192.168.1.20:21071" {
		t.Errorf("peer records = %+v", peers)
	}
}

func TestOpenAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, 10, nil, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j.append(Record{Timestamp: time.Now().Format(time.RFC3339Nano), Event: "lights.timeout"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = Open(path, 10, nil, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	if j.Count() != 1 {
		t.Errorf("Count after reopen = %d, want 1", j.Count())
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	recs := []Record{
		{ID: 2, Timestamp: "2025-01-01T00:00:00Z", Event: "lease.ack", IP: "192.168.4.100", MAC: "aa:bb:cc:dd:ee:ff", Slot: 0},
		{ID: 1, Timestamp: "2025-01-01T00:00:00Z", Event: "link.state", NewState: "connected"},
	}
	if err := WriteCSV(&buf, recs); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || len(rows[0]) != len(CSVHeaders) {
		t.Fatalf("rows = %v", rows)
	}
	if rows[1][9] != "0" {
		t.Errorf("lease slot column = %q, want 0", rows[1][9])
	}
	if rows[2][9] != "" || rows[2][4] != "connected" {
		t.Errorf("link row = %v", rows[2])
	}
}
