package bounce

// processor.go — the single handler of the bounce pipeline. It ties
// detection to the ledger: score each failing member, disable delivery
// when the score crosses the list threshold, and escalate bounces nobody
// could decode to the list owner.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lindenmail/listq/internal/ledger"
	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/metrics"
	"github.com/lindenmail/listq/internal/pipeline"
)

// Escalator forwards an undecodable bounce to the list owner. Implemented
// by the notify package, which also rate-limits per list so a storm of
// junk bounces does not bury the owner.
type Escalator interface {
	OwnerEscalation(l *list.List, subject string, original []byte) error
}

// Processor scores bounce events against the ledger.
type Processor struct {
	Ledger *ledger.Store
	Dir    list.Directory
	Esc    Escalator
	Reg    *metrics.Registry

	// Threshold and StaleAfter are the site defaults; per-list bounce
	// policy overrides them where set.
	Threshold  float64
	StaleAfter time.Duration

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (Processor) Name() string { return "score-bounces" }

func (p Processor) Process(_ context.Context, t *pipeline.Task) (pipeline.Outcome, error) {
	l := t.List
	events := p.resolveEvents(t)
	if len(events) == 0 {
		if p.Esc != nil {
			subject := "Uncaught bounce notification for " + l.Address()
			if err := p.Esc.OwnerEscalation(l, subject, t.Msg.Payload); err != nil {
				return pipeline.Outcome{}, fmt.Errorf("bounce: escalate: %w", err)
			}
		}
		return pipeline.Outcome{
			Kind:   pipeline.Discarded,
			Reason: "no failing recipient could be determined",
		}, nil
	}

	now := p.now()
	scored := 0
	for _, ev := range events {
		m, ok := l.Member(ev.Address)
		if !ok {
			// Already unsubscribed, or a bounce for mail we never sent.
			t.Log.Debug("bounce for non-member", "addr", ev.Address)
			continue
		}

		threshold := l.Bounce.ScoreThreshold
		if threshold <= 0 {
			threshold = p.Threshold
		}
		stale := l.Bounce.StaleAfter
		if stale <= 0 {
			stale = p.StaleAfter
		}

		res, err := p.Ledger.Score(l.Name, m.Address, ev.Severity, threshold, stale, now)
		if err != nil {
			return pipeline.Outcome{}, fmt.Errorf("bounce: score %s: %w", m.Address, err)
		}
		if !res.Counted {
			t.Log.Debug("bounce already counted today", "addr", m.Address)
			continue
		}
		scored++
		if p.Reg != nil {
			p.Reg.BouncesScored.Inc(metrics.BounceKey(l.Name, string(ev.Severity)))
		}
		t.Log.Info("bounce scored",
			"addr", m.Address, "severity", ev.Severity, "score", res.Record.Score)

		if res.Crossed {
			if err := p.disable(l.Name, m.Address); err != nil {
				return pipeline.Outcome{}, fmt.Errorf("bounce: disable %s: %w", m.Address, err)
			}
			t.Log.Warn("delivery disabled by bounce score",
				"addr", m.Address, "score", res.Record.Score)
		}
	}

	if scored == 0 {
		return pipeline.Outcome{
			Kind:   pipeline.Discarded,
			Reason: "bounce matched no scorable member",
		}, nil
	}
	// The notification itself is consumed, not delivered anywhere; the
	// BouncesScored counter carries the real signal. Delivered stays
	// reserved for mail that reached the outgoing queue.
	return pipeline.Outcome{
		Kind:   pipeline.Discarded,
		Reason: fmt.Sprintf("bounce scored against %d subscription(s)", scored),
	}, nil
}

// resolveEvents prefers the VERP-decoded envelope recipient; the payload
// is still parsed so a matching DSN can refine the severity.
func (p Processor) resolveEvents(t *pipeline.Task) []Event {
	events := Detect(t.Msg.Payload)

	listName, addr, ok := DecodeVERP(t.Msg.Meta.Recipient)
	if !ok || listName != t.List.Name {
		return events
	}
	ev := Event{Address: addr, Severity: ledger.Hard}
	for _, e := range events {
		if sameAddr(e.Address, addr) {
			ev.Severity = e.Severity
			break
		}
	}
	return []Event{ev}
}

func (p Processor) disable(listName, addr string) error {
	return p.Dir.Update(listName, func(l *list.List) error {
		m, ok := l.Member(addr)
		if !ok {
			return nil // unsubscribed in the meantime
		}
		m.DeliveryDisabled = true
		return nil
	})
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func sameAddr(a, b string) bool { return strings.EqualFold(a, b) }
