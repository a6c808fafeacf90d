// Package audit persists every event the settlement engine emits so the full
// transition history of a trade stays available after it reaches a terminal
// state.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"gridsettle/core/events"
	"gridsettle/core/types"
)

var bucketEvents = []byte("events")

// recentPreallocCap bounds the slice capacity hint in Recent; the slice still
// grows to hold every requested record that actually exists.
const recentPreallocCap = 512

// ErrClosed is returned when the journal is used after Close.
var ErrClosed = errors.New("audit: journal closed")

// Record is a single journaled settlement event.
type Record struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// payloadEvent is satisfied by engine events that carry a structured payload.
type payloadEvent interface {
	Event() *types.Event
}

// Journal appends settlement events to a bbolt bucket in emission order. It
// implements events.Emitter so it can be wired directly into the engine.
type Journal struct {
	db    *bolt.DB
	nowFn func() time.Time
}

// Open creates or opens the journal database at the given path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, nowFn: time.Now}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit implements events.Emitter. Events without a structured payload are
// journaled with their type only. Append failures are swallowed; the journal
// is an observer and must never fail a settlement transition.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || j.db == nil || evt == nil {
		return
	}
	record := Record{
		ID:         uuid.NewString(),
		Type:       evt.EventType(),
		RecordedAt: j.nowFn().UTC(),
	}
	if carrier, ok := evt.(payloadEvent); ok {
		if payload := carrier.Event(); payload != nil {
			record.Attributes = payload.Attributes
		}
	}
	_ = j.Append(record)
}

// Append stores a record under the next sequence number.
func (j *Journal) Append(record Record) error {
	if j == nil || j.db == nil {
		return ErrClosed
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], raw)
	})
}

// Recent returns up to n of the most recently journaled records, newest
// first.
func (j *Journal) Recent(n int) ([]Record, error) {
	if j == nil || j.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	// The capacity hint is bounded; n is caller-controlled and may be huge.
	hint := n
	if hint > recentPreallocCap {
		hint = recentPreallocCap
	}
	records := make([]Record, 0, hint)
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Last(); k != nil && len(records) < n; k, v = cursor.Prev() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
