// Package notify builds the operational notices listq sends on its own
// behalf — command replies, rejection and hold notices, bounce warnings,
// owner escalations — and enqueues them to the virgin switchboard. Generated
// notices travel separately from accepted postings: a quiet out queue means
// no subscriber mail is pending, whatever bookkeeping notices are in flight.
//
// Notices are sent from the list's -bounces address so that a notice that
// itself bounces comes back through the bounce pipeline instead of
// looping. Owner escalations are rate-limited per list; escalations
// suppressed in between are counted and reported in the next one that
// goes out.
package notify

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/time/rate"

	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/message"
	"github.com/lindenmail/listq/internal/metrics"
	"github.com/lindenmail/listq/internal/switchboard"
)

// Notifier composes and enqueues notices.
type Notifier struct {
	virgin *switchboard.Switchboard
	reg    *metrics.Registry

	// Now is the clock, injectable for tests.
	Now func() time.Time

	every time.Duration
	mu    sync.Mutex
	gates map[string]*ownerGate
}

// ownerGate throttles one list's owner escalations.
type ownerGate struct {
	lim        *rate.Limiter
	suppressed int
}

// New creates a Notifier that enqueues to virgin. every is the minimum
// spacing between owner escalations per list; zero disables the limit.
func New(virgin *switchboard.Switchboard, every time.Duration, reg *metrics.Registry) *Notifier {
	if reg == nil {
		reg = &metrics.Registry{}
	}
	return &Notifier{
		virgin: virgin,
		reg:    reg,
		every:  every,
		gates:  make(map[string]*ownerGate),
	}
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// CommandReply answers a command message with the results of its commands.
func (n *Notifier) CommandReply(l *list.List, to, subject, body string) error {
	return n.send(l, []string{to}, subject, body, nil)
}

// Rejection returns a posting to its sender with the reason and the
// original message attached.
func (n *Notifier) Rejection(l *list.List, to, reason string, original []byte) error {
	body := fmt.Sprintf(
		"Your message to %s was not accepted:\n\n  %s\n\nThe original message is attached. "+
			"Contact %s with any questions.\n",
		l.Address(), reason, l.OwnerAddress())
	return n.send(l, []string{to}, "Your message to "+l.Address()+" was rejected", body, original)
}

// HeldNotice tells a sender their posting awaits moderation.
func (n *Notifier) HeldNotice(l *list.List, to, holdID string, reasons []string) error {
	body := fmt.Sprintf(
		"Your message to %s is being held for moderator review:\n\n%s\n"+
			"\nYou will be notified of the decision. The hold reference is %s.\n",
		l.Address(), bulleted(reasons), holdID)
	return n.send(l, []string{to}, "Your message to "+l.Address()+" awaits moderation", body, nil)
}

// PendingNotice tells the list owners a hold awaits their decision.
func (n *Notifier) PendingNotice(l *list.List, holdID, sender, subject string, reasons []string) error {
	if len(l.Owners) == 0 {
		return nil
	}
	body := fmt.Sprintf(
		"A posting to %s is held for review.\n\n"+
			"  From:    %s\n  Subject: %s\n  Hold:    %s\n\nReasons:\n\n%s\n"+
			"\nDecide with: listq-admin holds approve|reject|discard %s\n",
		l.Address(), sender, subject, holdID, bulleted(reasons), holdID)
	return n.send(l, l.Owners, "Posting to "+l.Address()+" held for review", body, nil)
}

// DisableWarning warns a member their delivery was disabled by bounces.
func (n *Notifier) DisableWarning(l *list.List, to string, remaining int) error {
	body := fmt.Sprintf(
		"Delivery of %s postings to your address has been suspended because "+
			"too many messages bounced.\n\n"+
			"Re-subscribing, or asking %s to re-enable delivery, lifts the "+
			"suspension. After %d more unanswered warnings your subscription "+
			"will be removed.\n",
		l.Address(), l.OwnerAddress(), remaining)
	return n.send(l, []string{to}, "Your "+l.Address()+" subscription is suspended", body, nil)
}

// RemovalNotice tells a former member their subscription was dropped.
func (n *Notifier) RemovalNotice(l *list.List, to string) error {
	body := fmt.Sprintf(
		"Your subscription to %s has been removed after repeated delivery "+
			"failures. You are welcome to subscribe again at any time.\n",
		l.Address())
	return n.send(l, []string{to}, "You have been unsubscribed from "+l.Address(), body, nil)
}

// OwnerEscalation forwards an undecodable bounce to the list owners,
// subject to the per-list rate limit.
func (n *Notifier) OwnerEscalation(l *list.List, subject string, original []byte) error {
	suppressed, ok := n.allowEscalation(l.Name)
	if !ok {
		return nil
	}

	body := "The attached delivery-failure notification could not be matched " +
		"to a subscriber and needs a human look.\n"
	if suppressed > 0 {
		body += fmt.Sprintf("\n%d similar notifications were suppressed since the last escalation.\n", suppressed)
	}
	if len(l.Owners) == 0 {
		return nil
	}
	return n.send(l, l.Owners, subject, body, original)
}

// allowEscalation consults the per-list limiter and returns how many
// escalations were swallowed since the last one that went through.
func (n *Notifier) allowEscalation(listName string) (suppressed int, ok bool) {
	if n.every <= 0 {
		return 0, true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	g := n.gates[listName]
	if g == nil {
		g = &ownerGate{lim: rate.NewLimiter(rate.Every(n.every), 1)}
		n.gates[listName] = g
	}
	if !g.lim.Allow() {
		g.suppressed++
		return 0, false
	}
	suppressed = g.suppressed
	g.suppressed = 0
	return suppressed, true
}

// send composes the notice and enqueues it for transport. original, when
// non-nil, is attached as message/rfc822.
func (n *Notifier) send(l *list.List, to []string, subject, body string, original []byte) error {
	raw, err := compose(l, to, subject, body, original, n.now())
	if err != nil {
		return fmt.Errorf("notify: compose: %w", err)
	}

	meta := &message.Meta{
		List: l.Name,
		// Envelope sender routes any failure back through the bounce queue.
		Sender:     l.BounceAddress(),
		Received:   n.now().UnixMilli(),
		Recipients: append([]string(nil), to...),
	}
	if _, err := n.virgin.Enqueue(raw, meta); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	n.reg.Enqueued.Inc(n.virgin.Name())
	return nil
}

func compose(l *list.List, to []string, subject, body string, original []byte, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: l.Name + " list manager", Address: l.BounceAddress()}})
	toAddrs := make([]*mail.Address, len(to))
	for i, a := range to {
		toAddrs[i] = &mail.Address{Address: a}
	}
	h.SetAddressList("To", toAddrs)
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	// Notices must never be answered by an autoresponder loop.
	h.Set("Auto-Submitted", "auto-generated")
	h.Set("Precedence", "bulk")

	var buf bytes.Buffer
	if original == nil {
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var ah mail.AttachmentHeader
	ah.SetContentType("message/rfc822", nil)
	ah.SetFilename("original.eml")
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	if _, err := aw.Write(original); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bulleted(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("  - ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return b.String()
}
