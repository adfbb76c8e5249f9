// Package site assembles a running listq installation: the queue
// directories, the list directory, the hold store, the bounce ledger, the
// notifier, and the pipeline table, all wired from one Config. Every
// executable opens a Site; the runner binary additionally starts the
// polling loops and the maintenance ticker.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lindenmail/listq/internal/archive"
	"github.com/lindenmail/listq/internal/bounce"
	"github.com/lindenmail/listq/internal/config"
	"github.com/lindenmail/listq/internal/hold"
	"github.com/lindenmail/listq/internal/ledger"
	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/message"
	"github.com/lindenmail/listq/internal/metrics"
	"github.com/lindenmail/listq/internal/notify"
	"github.com/lindenmail/listq/internal/pipeline"
	"github.com/lindenmail/listq/internal/runner"
	"github.com/lindenmail/listq/internal/switchboard"
)

// queueKinds is every switchboard directory a site maintains.
var queueKinds = []string{
	message.QueueIn, message.QueueBounces, message.QueueCommands,
	message.QueueOut, message.QueueVirgin,
	message.QueueHeld, message.QueueShunt, message.QueueBad,
}

// Site is one assembled installation.
type Site struct {
	Cfg    *config.Config
	Dir    list.Directory
	Holds  *hold.Store
	Ledger *ledger.Store
	Notif  *notify.Notifier
	Reg    *metrics.Registry
	Table  pipeline.Table

	boards map[string]*switchboard.Switchboard
	arch   *archive.Writer
	log    *slog.Logger
}

// Open wires a Site from cfg. The caller owns Close.
func Open(cfg *config.Config) (*Site, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Site{
		Cfg:    cfg,
		Reg:    &metrics.Registry{},
		boards: make(map[string]*switchboard.Switchboard, len(queueKinds)),
		log:    slog.Default().With("component", "site"),
	}

	for _, kind := range queueKinds {
		sb, err := switchboard.Open(kind, filepath.Join(cfg.Site.DataDir, "queue", kind))
		if err != nil {
			return nil, err
		}
		s.boards[kind] = sb
	}

	dir, err := list.OpenFile(cfg.Site.ListsFile, cfg.Site.Host)
	if err != nil {
		return nil, err
	}
	s.Dir = dir

	if s.Holds, err = hold.Open(filepath.Join(cfg.Site.DataDir, "holds.db")); err != nil {
		return nil, err
	}
	if s.Ledger, err = ledger.Open(filepath.Join(cfg.Site.DataDir, "bounces.db")); err != nil {
		_ = s.Holds.Close()
		return nil, err
	}

	if s.arch, err = archive.New(filepath.Join(cfg.Site.DataDir, "archives")); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Notif = notify.New(s.boards[message.QueueVirgin], cfg.Notify.OwnerNoticeEvery, s.Reg)

	var signer *pipeline.Signer
	if cfg.DKIM.Selector != "" {
		signer, err = pipeline.LoadSigner(cfg.Site.Host, cfg.DKIM.Selector, cfg.DKIM.KeyFile)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	s.Table = s.buildTable(signer)
	return s, nil
}

// Close releases the stores. Switchboards hold no persistent handles.
func (s *Site) Close() error {
	var errs []error
	if s.Holds != nil {
		errs = append(errs, s.Holds.Close())
	}
	if s.Ledger != nil {
		errs = append(errs, s.Ledger.Close())
	}
	return errors.Join(errs...)
}

// Board returns the switchboard for one queue kind.
func (s *Site) Board(kind string) *switchboard.Switchboard { return s.boards[kind] }

func (s *Site) buildTable(signer *pipeline.Signer) pipeline.Table {
	out := s.boards[message.QueueOut]

	t := make(pipeline.Table, 4)
	t.Register(&pipeline.Pipeline{
		Name: message.PipelinePost,
		Handlers: []pipeline.Handler{
			pipeline.ApprovedCheck{},
			pipeline.HoldEval{},
			pipeline.Moderation{},
			pipeline.Cleanse{},
			pipeline.Cook{},
			pipeline.Footer{},
			pipeline.Archive{W: s.arch},
			pipeline.CalcRecipients{},
			pipeline.Sign{Signer: signer},
			pipeline.ToOutgoing{Out: out},
		},
	})
	t.Register(&pipeline.Pipeline{
		Name: message.PipelineOwner,
		Handlers: []pipeline.Handler{
			pipeline.Cleanse{},
			pipeline.CalcOwnerRecipients{},
			pipeline.ToOutgoing{Out: out},
		},
	})
	t.Register(&pipeline.Pipeline{
		Name: message.PipelineCommand,
		Handlers: []pipeline.Handler{
			pipeline.Commands{Dir: s.Dir, Rep: s.Notif},
		},
	})
	t.Register(&pipeline.Pipeline{
		Name: message.PipelineBounce,
		Handlers: []pipeline.Handler{
			bounce.Processor{
				Ledger:     s.Ledger,
				Dir:        s.Dir,
				Esc:        s.Notif,
				Reg:        s.Reg,
				Threshold:  s.Cfg.Bounce.ScoreThreshold,
				StaleAfter: s.Cfg.Bounce.StaleAfter,
			},
		},
	})
	return t
}

// Runners builds one runner per processing queue. The out, virgin, held,
// shunt, and bad queues have no runner: out and virgin are drained by the
// transport collaborator, the rest by explicit administrative action.
func (s *Site) Runners() []*runner.Runner {
	rcfg := runner.Config{
		PollInterval: s.Cfg.Runner.PollInterval,
		MaxFailures:  s.Cfg.Runner.MaxFailures,
		BatchSize:    s.Cfg.Runner.BatchSize,
	}
	shunt := s.boards[message.QueueShunt]
	var rs []*runner.Runner
	for _, kind := range []string{message.QueueIn, message.QueueBounces, message.QueueCommands} {
		rs = append(rs, runner.New(s.boards[kind], shunt, s.Dir, s.Table, s, rcfg, s.Reg))
	}
	return rs
}

// Run starts the runners and the maintenance ticker and blocks until ctx
// is cancelled and every loop has drained.
func (s *Site) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range s.Runners() {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.Cfg.Runner.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if err := s.Maintenance(now); err != nil {
					s.log.Error("maintenance failed", "err", err)
				}
			}
		}
	}()

	wg.Wait()
}

// ─── submission ──────────────────────────────────────────────────────────────

// Post durably accepts a message for a list role address. The identifier
// is returned only after both halves are on disk; an error means the
// transport must not acknowledge the message.
func (s *Site) Post(listName string, role message.Role, sender, recipient string, payload []byte) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("site: unknown role %q", role)
	}
	if _, err := s.Dir.Resolve(listName); err != nil {
		return "", err
	}

	meta := &message.Meta{
		List:      listName,
		Pipeline:  role.Pipeline(),
		Role:      role,
		Sender:    sender,
		Recipient: recipient,
		Received:  time.Now().UnixMilli(),
	}
	sb := s.boards[role.Queue()]
	id, err := sb.Enqueue(payload, meta)
	if err != nil {
		return "", err
	}
	s.Reg.Enqueued.Inc(sb.Name())
	s.log.Info("accepted", "msgid", id, "list", listName, "role", role, "queue", sb.Name())
	return id, nil
}

// ─── runner sink ─────────────────────────────────────────────────────────────

// OnHold implements runner.Sink: quarantine the original payload in the
// held queue, record the hold, and notify sender and owners. The pair
// moves before the record is written; a crash in between leaves a
// recordless held pair that the hold sweep reaps once it is past the
// orphan grace age.
func (s *Site) OnHold(msg *message.Message, l *list.List) error {
	held := s.boards[message.QueueHeld]
	src := s.boards[msg.Meta.Role.Queue()]
	if err := src.MoveTo(msg.ID, held, &msg.Meta); err != nil {
		return err
	}

	subject := pipeline.Subject(msg.Payload)
	rec, err := s.Holds.Create(msg.ID, l.Name, msg.Meta.Sender, subject, msg.Meta.HoldReasons, msg.Meta.Received)
	if err != nil {
		return err
	}

	if msg.Meta.Sender != "" {
		if err := s.Notif.HeldNotice(l, msg.Meta.Sender, rec.ID, rec.Reasons); err != nil {
			s.log.Warn("held notice failed", "hold", rec.ID, "err", err)
		}
	}
	if err := s.Notif.PendingNotice(l, rec.ID, rec.Sender, rec.Subject, rec.Reasons); err != nil {
		s.log.Warn("pending notice failed", "hold", rec.ID, "err", err)
	}
	return nil
}

// OnReject implements runner.Sink.
func (s *Site) OnReject(msg *message.Message, l *list.List, reason string) error {
	if msg.Meta.Sender == "" {
		return nil // null reverse-path; nothing to bounce to
	}
	return s.Notif.Rejection(l, msg.Meta.Sender, reason, msg.Payload)
}

// OnDiscard implements runner.Sink.
func (s *Site) OnDiscard(msg *message.Message, l *list.List, reason string) error {
	s.log.Info("discarded", "msgid", msg.ID, "list", l.Name, "reason", reason)
	return nil
}

// ─── moderation decisions ────────────────────────────────────────────────────

// Decide applies a moderator decision to a pending hold. Approval
// re-enqueues the untouched original payload at the front of the post
// pipeline with the approved marker set, so the accepted phase runs on
// exactly what was received.
func (s *Site) Decide(holdID string, to hold.State) error {
	rec, err := s.Holds.Decide(holdID, to, time.Now())
	if err != nil {
		return err
	}

	held := s.boards[message.QueueHeld]
	msg, err := held.Dequeue(rec.MsgID)
	if err != nil {
		if errors.Is(err, switchboard.ErrNotFound) {
			// Record decided but the pair is gone (swept or double-decided
			// race lost). The decision stands.
			s.log.Warn("held pair missing", "hold", holdID, "msgid", rec.MsgID)
			return nil
		}
		return err
	}

	l, err := s.Dir.Resolve(rec.List)
	if err != nil && !errors.Is(err, list.ErrNotFound) {
		return err
	}

	switch to {
	case hold.StateApproved:
		meta := msg.Meta
		meta.Approved = true
		meta.HoldReasons = nil
		meta.PipelinePos = 0
		meta.Failures = 0
		meta.LastError = ""
		return held.MoveTo(msg.ID, s.boards[message.QueueIn], &meta)

	case hold.StateRejected:
		if l != nil && msg.Meta.Sender != "" {
			if err := s.Notif.Rejection(l, msg.Meta.Sender, "rejected by the list moderator", msg.Payload); err != nil {
				return err
			}
		}
		return held.Finish(msg.ID)

	case hold.StateDiscarded:
		return held.Finish(msg.ID)
	}
	return fmt.Errorf("site: unexpected decision %q", to)
}

// ─── shunt administration ────────────────────────────────────────────────────

// ReplayShunt moves a shunted entry back to its processing queue with a
// cleared failure budget, typically after the defect it tripped has been
// fixed.
func (s *Site) ReplayShunt(id string) error {
	shunt := s.boards[message.QueueShunt]
	msg, err := shunt.Dequeue(id)
	if err != nil {
		return err
	}
	msg.Meta.Failures = 0
	msg.Meta.LastError = ""
	msg.Meta.ShuntReason = ""
	return shunt.MoveTo(id, s.boards[msg.Meta.Role.Queue()], &msg.Meta)
}

// ─── maintenance ─────────────────────────────────────────────────────────────

// Maintenance runs the periodic sweeps: expired holds, ledger staleness,
// bounce warning escalation, and orphan cleanup. Each sweep's failure is
// logged but does not stop the others.
func (s *Site) Maintenance(now time.Time) error {
	var errs []error

	errs = append(errs, s.sweepHolds(now))

	names, err := s.Dir.Names()
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, name := range names {
			if err := s.sweepBounces(name, now); err != nil {
				errs = append(errs, fmt.Errorf("bounce sweep %s: %w", name, err))
			}
		}
	}

	for _, sb := range s.boards {
		if n, err := sb.SweepOrphans(now, s.Cfg.Runner.OrphanGrace); err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			s.log.Info("swept orphans", "queue", sb.Name(), "removed", n)
		}
	}
	return errors.Join(errs...)
}

// sweepHolds auto-discards pending holds older than the per-list expiry.
func (s *Site) sweepHolds(now time.Time) error {
	ageFor := func(listName string) time.Duration {
		if l, err := s.Dir.Resolve(listName); err == nil && l.HoldExpiry > 0 {
			return l.HoldExpiry
		}
		return s.Cfg.Bounce.HoldExpiry
	}
	expired, err := s.Holds.Expired(now, ageFor)
	if err != nil {
		return err
	}
	for _, rec := range expired {
		if _, err := s.Holds.Decide(rec.ID, hold.StateDiscarded, now); err != nil {
			if errors.Is(err, hold.ErrDecided) {
				continue
			}
			return err
		}
		if err := s.boards[message.QueueHeld].Finish(rec.MsgID); err != nil {
			return err
		}
		s.log.Info("expired hold discarded", "hold", rec.ID, "list", rec.List)
	}
	return s.reapRecordlessHeld(now)
}

// reapRecordlessHeld removes held pairs no hold record points at: debris
// from a crash between the queue move and the record write. The grace age
// keeps the reaper from racing an OnHold in progress.
func (s *Site) reapRecordlessHeld(now time.Time) error {
	recs, err := s.Holds.List("", false)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		known[r.MsgID] = struct{}{}
	}

	held := s.boards[message.QueueHeld]
	ids, err := held.Files()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		msg, err := held.Dequeue(id)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(msg.Meta.Received)) < s.Cfg.Runner.OrphanGrace {
			continue
		}
		if err := held.Finish(id); err != nil {
			return err
		}
		s.log.Warn("recordless held pair reaped", "msgid", id, "list", msg.Meta.List)
	}
	return nil
}

// sweepBounces resets stale ledger records, sends due disable warnings,
// and removes members whose warning budget ran out unanswered.
func (s *Site) sweepBounces(listName string, now time.Time) error {
	l, err := s.Dir.Resolve(listName)
	if err != nil {
		return err
	}
	staleAfter := l.Bounce.StaleAfter
	if staleAfter <= 0 {
		staleAfter = s.Cfg.Bounce.StaleAfter
	}
	maxWarnings := l.Bounce.MaxWarnings
	if maxWarnings <= 0 {
		maxWarnings = s.Cfg.Bounce.MaxWarnings
	}
	warnEvery := l.Bounce.WarningInterval
	if warnEvery <= 0 {
		warnEvery = s.Cfg.Bounce.WarningInterval
	}

	if _, _, err := s.Ledger.ResetStale(listName, staleAfter, now); err != nil {
		return err
	}

	var due []ledger.Record
	if err := s.Ledger.ForEach(listName, func(r ledger.Record) error {
		if r.DisabledAt == 0 {
			return nil
		}
		last := r.LastWarning
		if last == 0 {
			last = r.DisabledAt
		}
		if now.Sub(time.UnixMilli(last)) >= warnEvery {
			due = append(due, r)
		}
		return nil
	}); err != nil {
		return err
	}

	for _, r := range due {
		if r.WarningsSent >= maxWarnings {
			if err := s.removeMember(l, r.Address); err != nil {
				return err
			}
			continue
		}
		remaining := maxWarnings - r.WarningsSent - 1
		if err := s.Notif.DisableWarning(l, r.Address, remaining); err != nil {
			s.log.Warn("disable warning failed", "list", listName, "addr", r.Address, "err", err)
			continue
		}
		if err := s.Ledger.Update(listName, r.Address, func(rec *ledger.Record) error {
			rec.WarningsSent++
			rec.LastWarning = now.UnixMilli()
			return nil
		}); err != nil {
			return err
		}
		s.log.Info("disable warning sent",
			"list", listName, "addr", r.Address, "warnings", r.WarningsSent+1)
	}
	return nil
}

// removeMember drops an unresponsive member: roster entry, ledger record,
// and a final notice (which may itself bounce; that is fine, the record
// is already gone).
func (s *Site) removeMember(l *list.List, addr string) error {
	err := s.Dir.Update(l.Name, func(cur *list.List) error {
		kept := cur.Members[:0]
		for _, m := range cur.Members {
			if !strings.EqualFold(m.Address, addr) {
				kept = append(kept, m)
			}
		}
		cur.Members = kept
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.Ledger.Remove(l.Name, addr); err != nil {
		return err
	}
	if err := s.Notif.RemovalNotice(l, addr); err != nil {
		s.log.Warn("removal notice failed", "list", l.Name, "addr", addr, "err", err)
	}
	s.log.Warn("member removed by bounce processing", "list", l.Name, "addr", addr)
	return nil
}
