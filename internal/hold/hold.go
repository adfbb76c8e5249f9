// Package hold stores moderation hold records.
//
// A hold record in pending state always corresponds to exactly one
// quarantined message pair in the held queue; the record carries the
// decision state, the queue carries the untouched payload. Decisions are
// single transitions out of pending — bbolt's single-writer transactions
// make the check-and-transition atomic across concurrent deciders.
package hold

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lindenmail/listq/internal/ident"
)

var bucketHolds = []byte("holds")

// ErrNotFound is returned for an unknown hold ID.
var ErrNotFound = errors.New("hold: not found")

// ErrDecided is returned when deciding a hold that already left pending.
var ErrDecided = errors.New("hold: already decided")

// State is the decision state of a hold.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateDiscarded State = "discarded"
)

// Terminal reports whether s is a decision (anything but pending).
func (s State) Terminal() bool { return s != StatePending }

// Record is one held message awaiting a moderator decision.
type Record struct {
	// ID identifies the hold itself.
	ID string `json:"id"`

	// MsgID is the quarantined message's queue identifier.
	MsgID string `json:"msg_id"`

	List    string   `json:"list"`
	Sender  string   `json:"sender"`
	Subject string   `json:"subject,omitempty"`
	Reasons []string `json:"reasons"`

	// Received is when the message entered the queue, UTC milliseconds.
	Received int64 `json:"received"`

	State State `json:"state"`

	// DecidedAt is set on the transition out of pending.
	DecidedAt int64 `json:"decided_at,omitempty"`
}

// Store is the bbolt-backed hold store.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("hold: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHolds)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("hold: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create records a new pending hold and returns it.
func (s *Store) Create(msgID, listName, sender, subject string, reasons []string, received int64) (*Record, error) {
	id, err := ident.NewID()
	if err != nil {
		return nil, fmt.Errorf("hold: new id: %w", err)
	}
	rec := &Record{
		ID:       id,
		MsgID:    msgID,
		List:     listName,
		Sender:   sender,
		Subject:  subject,
		Reasons:  append([]string(nil), reasons...),
		Received: received,
		State:    StatePending,
	}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the record for id or ErrNotFound.
func (s *Store) Get(id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketHolds).Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var r Record
		if err := json.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("hold: decode %s: %w", id, err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// List returns records, newest first (ULID keys sort by creation time).
// listName filters to one list when non-empty; pendingOnly drops decided
// records.
func (s *Store) List(listName string, pendingOnly bool) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHolds).ForEach(func(_, val []byte) error {
			var r Record
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			if listName != "" && r.List != listName {
				return nil
			}
			if pendingOnly && r.State != StatePending {
				return nil
			}
			out = append(out, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Decide transitions the record out of pending. Only the first decision
// wins; later ones get ErrDecided. The caller is responsible for the
// queue-side consequence (release, reject notice, discard).
func (s *Store) Decide(id string, to State, now time.Time) (*Record, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("hold: %q is not a decision", to)
	}
	var rec *Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHolds)
		val := b.Get([]byte(id))
		if val == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var r Record
		if err := json.Unmarshal(val, &r); err != nil {
			return fmt.Errorf("hold: decode %s: %w", id, err)
		}
		if r.State != StatePending {
			return fmt.Errorf("%w: %s is %s", ErrDecided, id, r.State)
		}
		r.State = to
		r.DecidedAt = now.UnixMilli()
		out, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		rec = &r
		return b.Put([]byte(id), out)
	})
	return rec, err
}

// Expired returns pending records older than their expiry cutoff. ageFor
// supplies the per-list expiry policy. The maintenance pass discards the
// returned holds along with their quarantined messages.
func (s *Store) Expired(now time.Time, ageFor func(listName string) time.Duration) ([]*Record, error) {
	recs, err := s.List("", true)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range recs {
		maxAge := ageFor(r.List)
		if maxAge <= 0 {
			continue
		}
		if r.Received < now.Add(-maxAge).UnixMilli() {
			out = append(out, r)
		}
	}
	return out, nil
}

// Delete removes a record entirely (member unsubscribed, list deleted).
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHolds).Delete([]byte(id))
	})
}

func (s *Store) put(rec *Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("hold: encode %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHolds).Put([]byte(rec.ID), val)
	})
}
