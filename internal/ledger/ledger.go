// Package ledger tracks per-member delivery-failure scores, one bucket per
// list. Only the bounce processor increments scores; the maintenance pass
// decays stale records. The daily rate-limit check and the increment run
// inside one bbolt update transaction, which gives the single-writer
// discipline the check-and-increment needs without any in-process locks.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a member has no bounce record.
var ErrNotFound = errors.New("ledger: not found")

// Severity classifies one bounce event.
type Severity string

const (
	// Hard is a permanent failure: invalid address, no such user.
	Hard Severity = "hard"
	// Soft is a transient failure: mailbox full, temporary server issue.
	Soft Severity = "soft"
)

// Points returns the score contribution of one event of this severity.
func (s Severity) Points() float64 {
	if s == Soft {
		return 0.5
	}
	return 1.0
}

// Record is one member's accumulated bounce state on one list.
type Record struct {
	Address string  `json:"address"`
	Score   float64 `json:"score"`

	// LastBounce is the UTC day ("2006-01-02") of the last scored event.
	// Day granularity is the point: at most one increment per calendar
	// day per member, however many bounces arrive that day.
	LastBounce string `json:"last_bounce,omitempty"`

	// WarningsSent counts disable warnings delivered so far.
	WarningsSent int `json:"warnings_sent,omitempty"`

	// LastWarning is when the most recent warning went out, UTC ms.
	LastWarning int64 `json:"last_warning,omitempty"`

	// StaleAfter is the staleness window snapshot taken when the record
	// was last scored, so policy changes don't retroactively reinterpret
	// old records.
	StaleAfter time.Duration `json:"stale_after,omitempty"`

	// DisabledAt is set when the score crossed the threshold and the
	// member's delivery was turned off, UTC ms.
	DisabledAt int64 `json:"disabled_at,omitempty"`
}

// ScoreResult reports what one Score call did.
type ScoreResult struct {
	Record Record

	// Counted is false when the daily rate limit suppressed the event.
	Counted bool

	// Crossed is true when this event pushed the score over the
	// threshold — the caller disables the member's delivery exactly once.
	Crossed bool
}

// Store is the bbolt-backed bounce ledger.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the ledger at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Score records one bounce event for a member. Inside one transaction it
// creates the record if absent, applies the daily rate limit, adds the
// severity's points, and reports whether the threshold was crossed by
// this event.
func (s *Store) Score(
	listName, addr string,
	sev Severity,
	threshold float64,
	staleAfter time.Duration,
	now time.Time,
) (ScoreResult, error) {
	var res ScoreResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(listName))
		if err != nil {
			return err
		}

		rec := Record{Address: addr}
		if val := b.Get([]byte(addr)); val != nil {
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("ledger: decode %s/%s: %w", listName, addr, err)
			}
		}

		today := day(now)
		if rec.LastBounce == today {
			res = ScoreResult{Record: rec, Counted: false}
			return nil
		}

		before := rec.Score
		rec.Score += sev.Points()
		rec.LastBounce = today
		rec.StaleAfter = staleAfter
		res = ScoreResult{
			Record:  rec,
			Counted: true,
			Crossed: before <= threshold && rec.Score > threshold && rec.DisabledAt == 0,
		}
		if res.Crossed {
			rec.DisabledAt = now.UnixMilli()
			res.Record = rec
		}

		val, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(addr), val)
	})
	return res, err
}

// Get returns a member's record or ErrNotFound.
func (s *Store) Get(listName, addr string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(listName))
		if b == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, listName, addr)
		}
		val := b.Get([]byte(addr))
		if val == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, listName, addr)
		}
		var r Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// ForEach visits every record of one list.
func (s *Store) ForEach(listName string, fn func(Record) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(listName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, val []byte) error {
			var r Record
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			return fn(r)
		})
	})
}

// Update applies fn to a member's record in one transaction. Used by the
// maintenance pass for warning bookkeeping. ErrNotFound when absent.
func (s *Store) Update(listName, addr string, fn func(*Record) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(listName))
		if b == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, listName, addr)
		}
		val := b.Get([]byte(addr))
		if val == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, listName, addr)
		}
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(addr), out)
	})
}

// Remove deletes a member's record (unsubscribe, membership dropped).
func (s *Store) Remove(listName, addr string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(listName))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(addr))
	})
}

// ResetStale zeroes records whose last bounce is older than their
// staleness window — isolated old bounces must not accumulate toward
// disabling an otherwise healthy subscription. A record already reset
// that stays bounce-free past the same window again is removed entirely.
// Returns how many records were reset and how many removed.
func (s *Store) ResetStale(listName string, defaultStale time.Duration, now time.Time) (reset, removed int, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(listName))
		if b == nil {
			return nil
		}
		type change struct {
			key []byte
			val []byte // nil means delete
		}
		var changes []change

		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // unreadable record: leave for inspection
			}
			stale := rec.StaleAfter
			if stale <= 0 {
				stale = defaultStale
			}
			if rec.LastBounce == "" {
				continue
			}
			last, err := time.Parse("2006-01-02", rec.LastBounce)
			if err != nil || now.Sub(last) < stale {
				continue
			}
			if rec.Score == 0 {
				// Second staleness pass with no new bounce: drop it.
				changes = append(changes, change{key: append([]byte(nil), k...)})
				removed++
				continue
			}
			rec.Score = 0
			rec.WarningsSent = 0
			rec.LastWarning = 0
			rec.DisabledAt = 0
			out, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			changes = append(changes, change{key: append([]byte(nil), k...), val: out})
			reset++
		}

		for _, c := range changes {
			if c.val == nil {
				if err := b.Delete(c.key); err != nil {
					return err
				}
			} else if err := b.Put(c.key, c.val); err != nil {
				return err
			}
		}
		return nil
	})
	return reset, removed, err
}
