// Package runner implements the queue runner: the polling loop that turns
// queued messages into pipeline executions.
//
// Several runner instances — in one process or many — may share a single
// switchboard directory; the per-message flock claim keeps them from
// double-processing, and a crashed runner's claims lapse with its process
// so its messages are picked back up on the next scan.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/message"
	"github.com/lindenmail/listq/internal/metrics"
	"github.com/lindenmail/listq/internal/pipeline"
	"github.com/lindenmail/listq/internal/switchboard"
)

// Sink receives the policy outcomes a pipeline produces. Implemented by
// the site wiring; split out so the runner stays free of hold-store and
// notification dependencies.
type Sink interface {
	// OnHold takes over the entry: quarantine the original payload,
	// create the hold record, send notices. After a nil return the entry
	// no longer lives in the runner's switchboard.
	OnHold(msg *message.Message, l *list.List) error

	// OnReject sends the explanatory bounce to the sender. The runner
	// finishes the entry afterwards.
	OnReject(msg *message.Message, l *list.List, reason string) error

	// OnDiscard observes a silent drop (logging/auditing only).
	OnDiscard(msg *message.Message, l *list.List, reason string) error
}

// Config tunes one runner instance.
type Config struct {
	// PollInterval is the idle sleep between scans — the runner's only
	// suspension point.
	PollInterval time.Duration

	// MaxFailures is how many errored attempts a message gets before it
	// is shunted instead of retried.
	MaxFailures int

	// BatchSize caps messages processed per cycle.
	BatchSize int
}

// Runner owns one switchboard directory and drives its messages through
// the pipeline table.
type Runner struct {
	sb    *switchboard.Switchboard
	shunt *switchboard.Switchboard
	dir   list.Directory
	table pipeline.Table
	sink  Sink
	cfg   Config
	reg   *metrics.Registry
	log   *slog.Logger
}

// New creates a Runner. A nil reg gets a private registry so counting
// never needs a nil check.
func New(
	sb, shunt *switchboard.Switchboard,
	dir list.Directory,
	table pipeline.Table,
	sink Sink,
	cfg Config,
	reg *metrics.Registry,
) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 3
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if reg == nil {
		reg = &metrics.Registry{}
	}
	return &Runner{
		sb:    sb,
		shunt: shunt,
		dir:   dir,
		table: table,
		sink:  sink,
		cfg:   cfg,
		reg:   reg,
		log:   slog.Default().With("queue", sb.Name()),
	}
}

// Run polls until ctx is cancelled. Cancellation is honoured between
// cycles only: a cycle's in-flight claims drain before Run returns.
func (r *Runner) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if n, err := r.Cycle(ctx); err != nil {
			r.log.Error("cycle failed", "err", err)
		} else if n > 0 {
			r.log.Debug("cycle complete", "processed", n)
		}
		timer.Reset(r.cfg.PollInterval)
	}
}

// Cycle performs one scan-claim-process pass and returns how many messages
// it processed. The identifier snapshot is taken once at cycle start, so
// messages enqueued mid-cycle wait for the next cycle; that bounds pickup
// latency to one poll interval and keeps cycles finite under load.
func (r *Runner) Cycle(ctx context.Context) (int, error) {
	ids, err := r.sb.Files()
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		if processed >= r.cfg.BatchSize {
			break
		}
		if ctx.Err() != nil {
			break
		}

		claim, err := r.sb.TryClaim(id)
		if err != nil {
			r.log.Warn("claim failed", "msgid", id, "err", err)
			continue
		}
		if claim == nil {
			continue // another runner owns it
		}

		r.process(ctx, claim)
		claim.Release()
		processed++
	}
	return processed, nil
}

// process drives one claimed message through its pipeline. Errors here
// never abort the cycle for other messages; failure is isolated per
// identifier.
func (r *Runner) process(ctx context.Context, claim *switchboard.Claim) {
	id := claim.ID()
	msg, err := r.sb.Dequeue(id)
	if err != nil {
		if !errors.Is(err, switchboard.ErrNotFound) {
			r.log.Warn("dequeue failed", "msgid", id, "err", err)
		}
		return
	}

	log := r.log.With("msgid", id, "list", msg.Meta.List, "pipeline", msg.Meta.Pipeline)

	l, err := r.dir.Resolve(msg.Meta.List)
	if err != nil {
		if errors.Is(err, list.ErrNotFound) {
			// The list vanished after enqueue. Not retryable.
			r.shuntMsg(msg, log, fmt.Sprintf("list %q no longer exists", msg.Meta.List))
			return
		}
		log.Warn("list resolution failed, will retry", "err", err)
		return
	}

	p, err := r.table.Lookup(msg.Meta.Pipeline)
	if err != nil {
		r.shuntMsg(msg, log, err.Error())
		return
	}

	if err := r.runPipeline(ctx, msg, l, p, log); err != nil {
		r.fail(msg, log, err)
	}
}

// runPipeline resumes at the persisted position and executes handlers in
// order. Position advances (and is persisted) after every non-volatile
// handler; the volatile transform tail re-runs as a group after a crash,
// rebuilt from the immutable payload.
func (r *Runner) runPipeline(
	ctx context.Context,
	msg *message.Message,
	l *list.List,
	p *pipeline.Pipeline,
	log *slog.Logger,
) error {
	pos := msg.Meta.PipelinePos
	if pos < 0 || pos > len(p.Handlers) {
		return fmt.Errorf("pipeline position %d out of range", pos)
	}

	t := &pipeline.Task{
		Msg:     msg,
		List:    l,
		Working: append([]byte(nil), msg.Payload...),
		Log:     log,
	}

	for i := pos; i < len(p.Handlers); i++ {
		h := p.Handlers[i]
		out, err := h.Process(ctx, t)
		if err != nil {
			return fmt.Errorf("handler %s: %w", h.Name(), err)
		}

		switch out.Kind {
		case pipeline.Continue:
			if !pipeline.IsVolatile(h) {
				msg.Meta.PipelinePos = i + 1
				if err := r.sb.StoreMeta(msg.ID, &msg.Meta); err != nil {
					return err
				}
			}

		case pipeline.Defer:
			log.Debug("deferred", "handler", h.Name(), "reason", out.Reason)
			return nil // stays queued; claim released by caller

		case pipeline.Held:
			if err := r.sink.OnHold(msg, l); err != nil {
				return fmt.Errorf("hold: %w", err)
			}
			log.Info("held", "reasons", msg.Meta.HoldReasons)
			r.reg.Held.Inc(l.Name)
			return nil

		case pipeline.Rejected:
			if err := r.sink.OnReject(msg, l, out.Reason); err != nil {
				return fmt.Errorf("reject: %w", err)
			}
			log.Info("rejected", "reason", out.Reason)
			r.reg.Rejected.Inc(l.Name)
			return r.finish(msg.ID)

		case pipeline.Discarded:
			if err := r.sink.OnDiscard(msg, l, out.Reason); err != nil {
				return fmt.Errorf("discard: %w", err)
			}
			log.Info("discarded", "reason", out.Reason)
			r.reg.Discarded.Inc(l.Name)
			return r.finish(msg.ID)

		case pipeline.Delivered:
			log.Info("delivered")
			r.reg.Delivered.Inc(l.Name)
			return r.finish(msg.ID)

		default:
			return fmt.Errorf("handler %s: unknown outcome %v", h.Name(), out.Kind)
		}
	}

	// A pipeline that runs off the end without a terminal outcome is a
	// configuration defect; quarantine rather than loop forever.
	return errors.New("pipeline ended without a terminal outcome")
}

// fail records a pipeline error against the message and shunts it once the
// failure budget is spent.
func (r *Runner) fail(msg *message.Message, log *slog.Logger, cause error) {
	msg.Meta.Failures++
	msg.Meta.LastError = cause.Error()

	if msg.Meta.Failures >= r.cfg.MaxFailures {
		r.shuntMsg(msg, log, fmt.Sprintf("failed %d times, last: %v", msg.Meta.Failures, cause))
		return
	}

	log.Warn("pipeline attempt failed", "attempt", msg.Meta.Failures, "err", cause)
	if err := r.sb.StoreMeta(msg.ID, &msg.Meta); err != nil {
		log.Error("persisting failure count failed", "err", err)
	}
}

func (r *Runner) shuntMsg(msg *message.Message, log *slog.Logger, reason string) {
	msg.Meta.ShuntReason = reason
	if err := r.sb.MoveTo(msg.ID, r.shunt, &msg.Meta); err != nil {
		log.Error("shunt failed", "err", err)
		return
	}
	log.Warn("shunted", "reason", reason)
	r.reg.Shunted.Inc(r.sb.Name())
}

func (r *Runner) finish(id string) error {
	if err := r.sb.Finish(id); err != nil {
		return err
	}
	r.reg.Finished.Inc(r.sb.Name())
	return nil
}
