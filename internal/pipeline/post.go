package pipeline

// post.go — handlers for the "post" pipeline, in their configured order:
//
//	approved-check → hold-eval → moderation          (decision phase)
//	cleanse → cook → footer → archive →
//	calc-recipients → sign → to-outgoing             (accepted phase)
//
// The decision phase is side-effect-free and accumulates every applicable
// hold reason before the moderation handler makes one combined decision,
// so a moderator sees all of them rather than the first match. The
// accepted phase runs only once acceptance is final; held payloads stay
// byte-identical to what was received.

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/mail"
	"strings"

	"github.com/lindenmail/listq/internal/message"
	"github.com/lindenmail/listq/internal/switchboard"
)

// Hold reason codes. These are what moderators see on the review surface.
const (
	ReasonNonMember   = "post by non-member"
	ReasonModerated   = "sender is moderated"
	ReasonTooLarge    = "message larger than the list limit"
	ReasonImplicit    = "list address not in To or Cc (implicit destination)"
	ReasonAdminMail   = "subject looks like an administrative request"
	ReasonNoSender    = "missing envelope sender"
	reasonKeyNonMemberAction = "non_member_action"
)

// ─── approved-check ──────────────────────────────────────────────────────────

// ApprovedCheck scrubs any Approved header from the message and, when its
// value matches the list's approval secret, marks the message as
// pre-approved so moderation lets it straight through. The header is
// removed in every case — the secret must never reach subscribers.
type ApprovedCheck struct{}

func (ApprovedCheck) Name() string { return "approved-check" }

func (ApprovedCheck) Process(_ context.Context, t *Task) (Outcome, error) {
	secret := getHeader(t.Msg.Payload, "Approved")
	if secret == "" {
		secret = getHeader(t.Msg.Payload, "X-Approved")
	}
	if secret != "" {
		if t.List.ApprovedSecret != "" &&
			subtle.ConstantTimeCompare([]byte(secret), []byte(t.List.ApprovedSecret)) == 1 {
			t.Msg.Meta.Approved = true
		}
		t.Working = deleteHeaders(t.Working, "Approved", "X-Approved")
	}
	return Outcome{Kind: Continue}, nil
}

// ─── hold-eval ───────────────────────────────────────────────────────────────

// adminSubjects matches subjects that suggest the sender meant to reach an
// administrative address, not the whole list.
var adminSubjects = []string{"subscribe", "unsubscribe", "help", "remove", "join", "leave"}

// HoldEval accumulates every hold criterion that applies to a posting in
// Meta.HoldReasons. It never decides — the moderation handler does, once,
// after all reasons are known.
type HoldEval struct{}

func (HoldEval) Name() string { return "hold-eval" }

func (HoldEval) Process(_ context.Context, t *Task) (Outcome, error) {
	meta := &t.Msg.Meta
	if meta.Approved {
		return Outcome{Kind: Continue}, nil
	}

	sender := meta.Sender
	if sender == "" {
		meta.HoldReasons = append(meta.HoldReasons, ReasonNoSender)
	}

	if _, isMember := t.List.Member(sender); sender != "" && !isMember {
		meta.HoldReasons = append(meta.HoldReasons, ReasonNonMember)
		meta.SetExtra(reasonKeyNonMemberAction, string(t.List.NonMemberAction))
	} else if t.List.Moderated(sender) {
		meta.HoldReasons = append(meta.HoldReasons, ReasonModerated)
	}

	if t.List.MaxMessageSize > 0 && len(t.Msg.Payload) > t.List.MaxMessageSize {
		meta.HoldReasons = append(meta.HoldReasons, ReasonTooLarge)
	}

	if !addressedToList(t.Msg.Payload, t.List.Address()) {
		meta.HoldReasons = append(meta.HoldReasons, ReasonImplicit)
	}

	if subj := strings.ToLower(strings.TrimSpace(getHeader(t.Msg.Payload, "Subject"))); subj != "" {
		for _, w := range adminSubjects {
			if subj == w {
				meta.HoldReasons = append(meta.HoldReasons, ReasonAdminMail)
				break
			}
		}
	}

	return Outcome{Kind: Continue}, nil
}

// addressedToList reports whether the list address appears in To or Cc.
func addressedToList(raw []byte, listAddr string) bool {
	for _, field := range []string{"To", "Cc"} {
		v := getHeader(raw, field)
		if v == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(v)
		if err != nil {
			// Unparsable recipients: fall back to a substring check
			// rather than flagging legitimate mail.
			if strings.Contains(strings.ToLower(v), strings.ToLower(listAddr)) {
				return true
			}
			continue
		}
		for _, a := range addrs {
			if strings.EqualFold(a.Address, listAddr) {
				return true
			}
		}
	}
	return false
}

// ─── moderation ──────────────────────────────────────────────────────────────

// Moderation turns the accumulated hold reasons into the single combined
// decision: non-member policy reject/discard wins, otherwise any reason
// holds the message, otherwise the posting is accepted.
type Moderation struct{}

func (Moderation) Name() string { return "moderation" }

func (Moderation) Process(_ context.Context, t *Task) (Outcome, error) {
	meta := &t.Msg.Meta
	if meta.Approved || len(meta.HoldReasons) == 0 {
		meta.HoldReasons = nil
		return Outcome{Kind: Continue}, nil
	}

	switch meta.Extra[reasonKeyNonMemberAction] {
	case "reject":
		return Outcome{Kind: Rejected, Reason: ReasonNonMember}, nil
	case "discard":
		return Outcome{Kind: Discarded, Reason: ReasonNonMember}, nil
	case "accept":
		// Non-membership alone does not hold; other reasons still can.
		if len(meta.HoldReasons) == 1 && meta.HoldReasons[0] == ReasonNonMember {
			meta.HoldReasons = nil
			return Outcome{Kind: Continue}, nil
		}
	}

	return Outcome{Kind: Held}, nil
}

// ─── cleanse ─────────────────────────────────────────────────────────────────

// Cleanse strips headers that must not be redistributed: approval secrets
// (already scrubbed, kept here as a backstop), read receipts and other
// sender-tracking fields, and stale list-management headers from an
// upstream list.
type Cleanse struct{ Transform }

func (Cleanse) Name() string { return "cleanse" }

func (Cleanse) Process(_ context.Context, t *Task) (Outcome, error) {
	t.Working = deleteHeaders(t.Working,
		"Approved", "X-Approved", "Urgent",
		"Disposition-Notification-To", "X-Confirm-Reading-To", "Return-Receipt-To",
		"List-Id", "List-Post", "List-Help", "List-Subscribe", "List-Unsubscribe", "List-Archive",
		"DKIM-Signature",
	)
	return Outcome{Kind: Continue}, nil
}

// ─── cook ────────────────────────────────────────────────────────────────────

// Cook decorates the accepted posting with the list's identity: RFC 2369
// list-management headers, a bulk precedence, and the subject prefix.
type Cook struct{ Transform }

func (Cook) Name() string { return "cook" }

func (Cook) Process(_ context.Context, t *Task) (Outcome, error) {
	l := t.List
	t.Working = addHeaders(t.Working,
		fmt.Sprintf("List-Id: <%s.%s>", l.Name, l.Host),
		fmt.Sprintf("List-Post: <mailto:%s>", l.Address()),
		fmt.Sprintf("List-Help: <mailto:%s-request@%s?subject=help>", l.Name, l.Host),
		fmt.Sprintf("List-Subscribe: <mailto:%s-join@%s>", l.Name, l.Host),
		fmt.Sprintf("List-Unsubscribe: <mailto:%s-leave@%s>", l.Name, l.Host),
		"Precedence: bulk",
		fmt.Sprintf("Sender: %s", l.BounceAddress()),
	)

	if p := l.SubjectPrefix; p != "" {
		subj := getHeader(t.Working, "Subject")
		if !strings.Contains(subj, p) {
			// Keep a leading Re: in front of the prefix.
			if rest, ok := strings.CutPrefix(subj, "Re: "); ok {
				t.Working = replaceHeader(t.Working, "Subject", "Re: "+p+" "+rest)
			} else {
				t.Working = replaceHeader(t.Working, "Subject", strings.TrimSpace(p+" "+subj))
			}
		}
	}
	return Outcome{Kind: Continue}, nil
}

// ─── footer ──────────────────────────────────────────────────────────────────

// Footer appends the list footer to plain-text messages. Multipart and
// encoded bodies are left alone: mangling a MIME tree to inject a footer
// is worse than omitting the footer.
type Footer struct{ Transform }

func (Footer) Name() string { return "footer" }

func (Footer) Process(_ context.Context, t *Task) (Outcome, error) {
	if t.List.FooterText == "" {
		return Outcome{Kind: Continue}, nil
	}
	ct := strings.ToLower(getHeader(t.Working, "Content-Type"))
	if ct != "" && !strings.HasPrefix(ct, "text/plain") {
		return Outcome{Kind: Continue}, nil
	}
	switch strings.ToLower(getHeader(t.Working, "Content-Transfer-Encoding")) {
	case "", "7bit", "8bit", "binary":
	default:
		return Outcome{Kind: Continue}, nil
	}

	header, body := splitHeaderBody(t.Working)
	nl := string(lineEnding(header))
	footer := nl + "-- " + nl + strings.ReplaceAll(t.List.FooterText, "\n", nl) + nl
	if len(body) > 0 && body[len(body)-1] != '\n' {
		footer = nl + footer
	}
	t.Working = append(t.Working, []byte(footer)...)
	return Outcome{Kind: Continue}, nil
}

// ─── calc-recipients ─────────────────────────────────────────────────────────

// CalcRecipients resolves the delivery set: every subscribed member whose
// delivery is not suspended (nomail) or bounce-disabled. The sender does
// not receive their own copy unless subscribed twice under aliases.
type CalcRecipients struct{ Transform }

func (CalcRecipients) Name() string { return "calc-recipients" }

func (CalcRecipients) Process(_ context.Context, t *Task) (Outcome, error) {
	recips := t.List.Recipients()
	if len(recips) == 0 {
		return Outcome{Kind: Discarded, Reason: "no enabled recipients"}, nil
	}
	t.Msg.Meta.Recipients = recips
	return Outcome{Kind: Continue}, nil
}

// ─── to-outgoing ─────────────────────────────────────────────────────────────

// ToOutgoing hands the shaped message to the outgoing switchboard for the
// transport-injection collaborator, with the resolved recipient set and
// the list's bounce address as envelope sender so failures return to the
// bounce queue.
type ToOutgoing struct {
	Transform
	Out *switchboard.Switchboard
}

func (ToOutgoing) Name() string { return "to-outgoing" }

func (h ToOutgoing) Process(_ context.Context, t *Task) (Outcome, error) {
	meta := message.Meta{
		List:       t.List.Name,
		Role:       t.Msg.Meta.Role,
		Sender:     t.List.BounceAddress(),
		Received:   t.Msg.Meta.Received,
		Recipients: t.Msg.Meta.Recipients,
	}
	if _, err := h.Out.Enqueue(t.Working, &meta); err != nil {
		return Outcome{}, fmt.Errorf("to-outgoing: %w", err)
	}
	return Outcome{Kind: Delivered}, nil
}
