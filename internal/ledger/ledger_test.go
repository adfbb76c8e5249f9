package ledger_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lindenmail/listq/internal/ledger"
)

func openStore(t *testing.T) *ledger.Store {
	t.Helper()
	s, err := ledger.Open(filepath.Join(t.TempDir(), "bounces.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var day0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

func TestSeverityPoints(t *testing.T) {
	if got := ledger.Hard.Points(); got != 1.0 {
		t.Errorf("hard: want 1.0, got %v", got)
	}
	if got := ledger.Soft.Points(); got != 0.5 {
		t.Errorf("soft: want 0.5, got %v", got)
	}
}

// Three bounces on one calendar day count once.
func TestScoreDailyRateLimit(t *testing.T) {
	s := openStore(t)
	for i, hour := range []int{0, 4, 13} {
		res, err := s.Score("dev", "alice@example.org", ledger.Hard, 5.0, week,
			day0.Add(time.Duration(hour)*time.Hour))
		if err != nil {
			t.Fatalf("Score #%d: %v", i, err)
		}
		if i == 0 && !res.Counted {
			t.Fatal("first event of the day not counted")
		}
		if i > 0 && res.Counted {
			t.Errorf("event #%d counted despite same-day bounce", i)
		}
	}
	rec, err := s.Get("dev", "alice@example.org")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Score != 1.0 {
		t.Errorf("score after same-day bounces: want 1.0, got %v", rec.Score)
	}
}

func TestScoreAccumulatesAcrossDays(t *testing.T) {
	s := openStore(t)
	if _, err := s.Score("dev", "alice@example.org", ledger.Hard, 5.0, week, day0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Score("dev", "alice@example.org", ledger.Soft, 5.0, week, day0.AddDate(0, 0, 1)); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get("dev", "alice@example.org")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Score != 1.5 {
		t.Errorf("score: want 1.5, got %v", rec.Score)
	}
}

func TestScoreCrossesThresholdOnce(t *testing.T) {
	s := openStore(t)
	var crossings int
	for i := 0; i < 4; i++ {
		res, err := s.Score("dev", "bob@example.org", ledger.Hard, 2.5, week,
			day0.AddDate(0, 0, i))
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if res.Crossed {
			crossings++
			if res.Record.Score != 3.0 {
				t.Errorf("crossed at score %v, want 3.0", res.Record.Score)
			}
			if res.Record.DisabledAt == 0 {
				t.Error("crossing did not record DisabledAt")
			}
		}
	}
	if crossings != 1 {
		t.Errorf("threshold crossings: want 1, got %d", crossings)
	}
}

func TestLedgerSeparatesLists(t *testing.T) {
	s := openStore(t)
	if _, err := s.Score("dev", "alice@example.org", ledger.Hard, 5.0, week, day0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("announce", "alice@example.org"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("record leaked across lists: %v", err)
	}
}

func TestRemove(t *testing.T) {
	s := openStore(t)
	if _, err := s.Score("dev", "alice@example.org", ledger.Hard, 5.0, week, day0); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("dev", "alice@example.org"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("dev", "alice@example.org"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("want ErrNotFound after Remove, got %v", err)
	}
}

// An isolated bounce must not count toward disabling forever: past the
// staleness window the score resets, and a second quiet window drops the
// record entirely.
func TestResetStale(t *testing.T) {
	s := openStore(t)
	if _, err := s.Score("dev", "alice@example.org", ledger.Hard, 5.0, week, day0); err != nil {
		t.Fatal(err)
	}
	// Fresh bounce for bob so only alice goes stale.
	if _, err := s.Score("dev", "bob@example.org", ledger.Hard, 5.0, week, day0.AddDate(0, 0, 9)); err != nil {
		t.Fatal(err)
	}

	reset, removed, err := s.ResetStale("dev", week, day0.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if reset != 1 || removed != 0 {
		t.Fatalf("first pass: reset=%d removed=%d", reset, removed)
	}
	rec, err := s.Get("dev", "alice@example.org")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Score != 0 || rec.DisabledAt != 0 || rec.WarningsSent != 0 {
		t.Errorf("record not fully reset: %+v", rec)
	}
	bob, _ := s.Get("dev", "bob@example.org")
	if bob.Score != 1.0 {
		t.Errorf("fresh record touched by staleness pass: %+v", bob)
	}

	// Another quiet window: the zeroed record is removed.
	_, removed, err = s.ResetStale("dev", week, day0.AddDate(0, 0, 20))
	if err != nil {
		t.Fatalf("second ResetStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("second pass removed: want 1, got %d", removed)
	}
	if _, err := s.Get("dev", "alice@example.org"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("stale record survived: %v", err)
	}
}

func TestUpdateBookkeeping(t *testing.T) {
	s := openStore(t)
	if _, err := s.Score("dev", "alice@example.org", ledger.Hard, 5.0, week, day0); err != nil {
		t.Fatal(err)
	}
	err := s.Update("dev", "alice@example.org", func(r *ledger.Record) error {
		r.WarningsSent = 2
		r.LastWarning = day0.UnixMilli()
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, _ := s.Get("dev", "alice@example.org")
	if rec.WarningsSent != 2 || rec.LastWarning != day0.UnixMilli() {
		t.Errorf("bookkeeping lost: %+v", rec)
	}

	if err := s.Update("dev", "ghost@example.org", func(*ledger.Record) error { return nil }); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Update missing record: want ErrNotFound, got %v", err)
	}
}
