// Package journal keeps a persistent history of link, lease, peer and
// lighting events. Records are appended from the event bus to a BoltDB
// bucket and trimmed to a fixed number of entries.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rb3e-bridge/rb3e-bridge/internal/events"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJournal    = []byte("journal")
	bucketJournalMAC = []byte("journal_mac_index") // mac → list of record keys
)

const defaultQueryLimit = 1000

// Record is a single journal entry.
type Record struct {
	ID         uint64 `json:"id"`
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	OldState   string `json:"old_state,omitempty"`
	NewState   string `json:"new_state,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	SSID       string `json:"ssid,omitempty"`
	IP         string `json:"ip,omitempty"`
	MAC        string `json:"mac,omitempty"`
	Slot       int    `json:"slot,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Peer       string `json:"peer,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// QueryParams holds filter parameters for querying the journal.
type QueryParams struct {
	MAC   string    // filter by client MAC
	Event string    // filter by event type
	From  time.Time // range start (inclusive)
	To    time.Time // range end (inclusive)
	Limit int       // max results (0 = default 1000)
}

// Journal records bus events to BoltDB.
type Journal struct {
	db         *bolt.DB
	bus        *events.Bus
	logger     *slog.Logger
	maxEntries int

	ch       chan events.Event
	done     chan struct{}
	stopOnce sync.Once
}

// Open opens (or creates) the journal database at path.
func Open(path string, maxEntries int, bus *events.Bus, logger *slog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	j, err := New(db, maxEntries, bus, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New creates a journal on an open database. maxEntries <= 0 disables
// trimming.
func New(db *bolt.DB, maxEntries int, bus *events.Bus, logger *slog.Logger) (*Journal, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketJournal); err != nil {
			return fmt.Errorf("creating journal bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketJournalMAC); err != nil {
			return fmt.Errorf("creating journal MAC index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:         db,
		bus:        bus,
		logger:     logger,
		maxEntries: maxEntries,
		done:       make(chan struct{}),
	}
	if bus != nil {
		j.ch = bus.Subscribe(500)
	}
	return j, nil
}

// Start records events from the bus until Stop. It blocks; run it in its
// own goroutine.
func (j *Journal) Start() {
	j.logger.Info("event journal started", "max_entries", j.maxEntries)

	for {
		select {
		case evt, ok := <-j.ch:
			if !ok {
				return
			}
			j.handleEvent(evt)
		case <-j.done:
			return
		}
	}
}

// Stop shuts down the subscriber.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		if j.ch != nil {
			j.bus.Unsubscribe(j.ch)
		}
		j.logger.Info("event journal stopped")
	})
}

// Close stops the subscriber and closes the database.
func (j *Journal) Close() error {
	j.Stop()
	return j.db.Close()
}

func (j *Journal) handleEvent(evt events.Event) {
	rec := recordFromEvent(evt)
	if err := j.append(rec); err != nil {
		j.logger.Error("failed to write journal record",
			"event", rec.Event, "error", err)
	}
}

func recordFromEvent(evt events.Event) Record {
	rec := Record{
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		Event:     string(evt.Type),
		Reason:    evt.Reason,
	}
	if ld := evt.Link; ld != nil {
		rec.OldState = ld.OldState
		rec.NewState = ld.NewState
		rec.FailReason = ld.FailReason
		rec.SSID = ld.SSID
		rec.IP = ld.IP
	}
	if ld := evt.Lease; ld != nil {
		if ld.IP != nil {
			rec.IP = ld.IP.String()
		}
		if ld.MAC != nil {
			rec.MAC = ld.MAC.String()
		}
		rec.Slot = ld.Index
		rec.Hostname = ld.Hostname
	}
	if pd := evt.Peer; pd != nil {
		rec.Peer = pd.Addr
	}
	return rec
}

// append persists a record with an auto-increment ID and trims the oldest
// entries past maxEntries.
func (j *Journal) append(rec Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)

		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("generating journal ID: %w", err)
		}
		rec.ID = id

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling journal record: %w", err)
		}
		if err := b.Put(uint64Key(id), data); err != nil {
			return fmt.Errorf("storing journal record: %w", err)
		}

		if rec.MAC != "" {
			if err := indexAdd(tx.Bucket(bucketJournalMAC), rec.MAC, id); err != nil {
				return err
			}
		}

		if j.maxEntries > 0 {
			return trim(tx, j.maxEntries)
		}
		return nil
	})
}

func indexAdd(idx *bolt.Bucket, mac string, id uint64) error {
	var ids []uint64
	if existing := idx.Get([]byte(mac)); existing != nil {
		json.Unmarshal(existing, &ids)
	}
	ids = append(ids, id)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshalling MAC index: %w", err)
	}
	return idx.Put([]byte(mac), data)
}

// trim deletes the oldest records until at most max remain. Keys are
// contiguous sequence numbers, so the count is last-first+1.
func trim(tx *bolt.Tx, max int) error {
	b := tx.Bucket(bucketJournal)
	c := b.Cursor()
	first, _ := c.First()
	last, _ := c.Last()
	if first == nil {
		return nil
	}
	count := binary.BigEndian.Uint64(last) - binary.BigEndian.Uint64(first) + 1
	if count <= uint64(max) {
		return nil
	}
	excess := int(count - uint64(max))

	var oldest [][]byte
	for k, _ := c.First(); k != nil && len(oldest) < excess; k, _ = c.Next() {
		oldest = append(oldest, append([]byte(nil), k...))
	}

	idx := tx.Bucket(bucketJournalMAC)
	for _, k := range oldest {
		var rec Record
		if err := json.Unmarshal(b.Get(k), &rec); err == nil && rec.MAC != "" {
			indexRemove(idx, rec.MAC, binary.BigEndian.Uint64(k))
		}
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("trimming journal: %w", err)
		}
	}
	return nil
}

func indexRemove(idx *bolt.Bucket, mac string, id uint64) {
	var ids []uint64
	if err := json.Unmarshal(idx.Get([]byte(mac)), &ids); err != nil {
		return
	}
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		idx.Delete([]byte(mac))
		return
	}
	data, _ := json.Marshal(kept)
	idx.Put([]byte(mac), data)
}

// Query searches the journal, newest first.
func (j *Journal) Query(params QueryParams) ([]Record, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	if params.MAC != "" {
		return j.queryByMAC(params, limit)
	}

	var results []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

func (j *Journal) queryByMAC(params QueryParams, limit int) ([]Record, error) {
	var results []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		idsData := tx.Bucket(bucketJournalMAC).Get([]byte(params.MAC))
		if idsData == nil {
			return nil
		}
		var ids []uint64
		if err := json.Unmarshal(idsData, &ids); err != nil {
			return nil
		}
		for i := len(ids) - 1; i >= 0 && len(results) < limit; i-- {
			data := b.Get(uint64Key(ids[i]))
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if matchesQuery(rec, params) {
				results = append(results, rec)
			}
		}
		return nil
	})
	return results, err
}

// Count returns the number of stored records.
func (j *Journal) Count() int {
	var count int
	j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketJournal).Stats().KeyN
		return nil
	})
	return count
}

func matchesQuery(rec Record, params QueryParams) bool {
	if params.MAC != "" && rec.MAC != params.MAC {
		return false
	}
	if params.Event != "" && rec.Event != params.Event {
		return false
	}
	if params.From.IsZero() && params.To.IsZero() {
		return true
	}

	recTime, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return false
	}
	if !params.From.IsZero() && recTime.Before(params.From) {
		return false
	}
	if !params.To.IsZero() && recTime.After(params.To) {
		return false
	}
	return true
}

func uint64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
