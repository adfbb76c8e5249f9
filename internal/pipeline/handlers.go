package pipeline

// handlers.go — the archive step shared by the post pipeline and the
// owner pipeline's recipient resolution.

import (
	"context"
	"time"

	"github.com/lindenmail/listq/internal/archive"
)

// ─── archive ─────────────────────────────────────────────────────────────────

// Archive files a copy of the shaped posting in the list's mbox spool.
// Runs in the accepted phase: held or rejected messages are never
// archived. A crash after archiving but before delivery can duplicate the
// spool entry on retry; the archive renderer downstream dedupes by
// Message-Id if it cares.
type Archive struct {
	Transform
	W *archive.Writer
}

func (Archive) Name() string { return "archive" }

func (h Archive) Process(_ context.Context, t *Task) (Outcome, error) {
	received := time.UnixMilli(t.Msg.Meta.Received).UTC()
	if err := h.W.Append(t.List.Name, t.Msg.Meta.Sender, received, t.Working); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Continue}, nil
}

// ─── owner pipeline ──────────────────────────────────────────────────────────

// CalcOwnerRecipients resolves -owner mail to the list's owner addresses.
type CalcOwnerRecipients struct{ Transform }

func (CalcOwnerRecipients) Name() string { return "calc-owner-recipients" }

func (CalcOwnerRecipients) Process(_ context.Context, t *Task) (Outcome, error) {
	if len(t.List.Owners) == 0 {
		return Outcome{Kind: Discarded, Reason: "list has no owners"}, nil
	}
	t.Msg.Meta.Recipients = append([]string(nil), t.List.Owners...)
	return Outcome{Kind: Continue}, nil
}
