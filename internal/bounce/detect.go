// Package bounce turns delivery-failure notifications into ledger scores.
//
// Detection is two-tiered: the VERP-encoded envelope recipient identifies
// the failing subscriber exactly when the downstream MTA preserved it, and
// standard delivery-status reports (RFC 3464) are parsed out of the payload
// for the severity and for bounces that arrive without VERP. A last-resort
// line scan catches the long tail of non-conforming MTAs. When severity
// cannot be determined the event counts as hard: a wrong soft would let a
// dead address linger on the roster indefinitely.
package bounce

import (
	"bufio"
	"bytes"
	"io"
	"net/textproto"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"

	"github.com/lindenmail/listq/internal/ledger"
)

// Event is one delivery failure extracted from a bounce message.
type Event struct {
	Address  string
	Severity ledger.Severity
}

// DecodeVERP recovers the failing subscriber from a VERP envelope
// recipient of the form listname-bounces+local=domain@host.
func DecodeVERP(rcpt string) (listName, addr string, ok bool) {
	at := strings.LastIndexByte(rcpt, '@')
	if at < 0 {
		return "", "", false
	}
	local := rcpt[:at]

	plus := strings.IndexByte(local, '+')
	if plus < 0 {
		return "", "", false
	}
	if !strings.HasSuffix(local[:plus], "-bounces") {
		return "", "", false
	}
	listName = strings.TrimSuffix(local[:plus], "-bounces")

	enc := local[plus+1:]
	eq := strings.LastIndexByte(enc, '=')
	if listName == "" || eq <= 0 || eq == len(enc)-1 {
		return "", "", false
	}
	return listName, enc[:eq] + "@" + enc[eq+1:], true
}

// Detect extracts failure events from a raw bounce message. DSN parts win;
// the heuristic scan only runs when no delivery-status part yielded
// anything.
func Detect(raw []byte) []Event {
	events := fromDSN(raw)
	if len(events) == 0 {
		events = fromHeuristics(raw)
	}
	return dedupe(events)
}

// fromDSN walks the MIME tree for message/delivery-status parts and reads
// their per-recipient field groups.
func fromDSN(raw []byte) []Event {
	ent, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && ent == nil {
		return nil
	}

	var events []Event
	walkParts(ent, func(p *gomessage.Entity) {
		t, _, err := p.Header.ContentType()
		if err != nil || t != "message/delivery-status" {
			return
		}
		events = append(events, readStatusBody(p.Body)...)
	})
	return events
}

func walkParts(ent *gomessage.Entity, fn func(*gomessage.Entity)) {
	mr := ent.MultipartReader()
	if mr == nil {
		fn(ent)
		return
	}
	for {
		p, err := mr.NextPart()
		if err != nil {
			return
		}
		walkParts(p, fn)
	}
}

// readStatusBody parses a delivery-status body: one per-message field
// group followed by one field group per recipient.
func readStatusBody(r io.Reader) []Event {
	tr := textproto.NewReader(bufio.NewReader(r))
	if _, err := tr.ReadMIMEHeader(); err != nil && err != io.EOF {
		return nil
	}

	var events []Event
	for {
		grp, err := tr.ReadMIMEHeader()
		if len(grp) > 0 {
			if ev, ok := eventFromGroup(grp); ok {
				events = append(events, ev)
			}
		}
		if err != nil {
			return events
		}
	}
}

func eventFromGroup(grp textproto.MIMEHeader) (Event, bool) {
	action := strings.ToLower(strings.TrimSpace(grp.Get("Action")))
	switch action {
	case "failed", "failure":
	case "delayed":
		// Still being retried by the reporting MTA; worth half a point
		// but no more.
	default:
		return Event{}, false
	}

	addr := statusAddress(grp.Get("Original-Recipient"))
	if addr == "" {
		addr = statusAddress(grp.Get("Final-Recipient"))
	}
	if addr == "" {
		return Event{}, false
	}

	sev := ledger.Hard
	status := strings.TrimSpace(grp.Get("Status"))
	if action == "delayed" || strings.HasPrefix(status, "4") {
		sev = ledger.Soft
	}
	return Event{Address: addr, Severity: sev}, true
}

// statusAddress strips the "rfc822;" address-type prefix from a
// delivery-status recipient field.
func statusAddress(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[i+1:]
	}
	return strings.Trim(strings.TrimSpace(v), "<>")
}

// ─── heuristic fallback ──────────────────────────────────────────────────────

var (
	heurAddrRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)+`)
	heurHardRe = regexp.MustCompile(`(?i)user unknown|unknown user|no such user|does not exist|invalid recipient|unrouteable|unroutable|mailbox unavailable|address rejected|permanent (?:error|failure)|\b55[0-9][ \-]`)
	heurSoftRe = regexp.MustCompile(`(?i)mailbox (?:is )?full|quota exceeded|over quota|temporar|try again later|\b45[0-9][ \-]`)
)

// fromHeuristics scans non-conforming bounces line by line for an address
// next to a recognizable failure phrase.
func fromHeuristics(raw []byte) []Event {
	_, body := splitOnce(raw)

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		var sev ledger.Severity
		switch {
		case heurHardRe.MatchString(line):
			sev = ledger.Hard
		case heurSoftRe.MatchString(line):
			sev = ledger.Soft
		default:
			continue
		}
		for _, addr := range heurAddrRe.FindAllString(line, 2) {
			events = append(events, Event{Address: addr, Severity: sev})
		}
	}
	return events
}

// splitOnce separates the top-level header block from the body. The
// heuristic scan skips the headers so Received chains and subject lines
// cannot fake a failure.
func splitOnce(raw []byte) ([]byte, []byte) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if i := bytes.Index(raw, []byte(sep)); i >= 0 {
			return raw[:i], raw[i+len(sep):]
		}
	}
	return raw, nil
}

// dedupe keeps one event per address, hard winning over soft.
func dedupe(events []Event) []Event {
	if len(events) < 2 {
		return events
	}
	seen := make(map[string]int, len(events))
	out := events[:0]
	for _, ev := range events {
		key := strings.ToLower(ev.Address)
		if i, ok := seen[key]; ok {
			if ev.Severity == ledger.Hard {
				out[i].Severity = ledger.Hard
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, ev)
	}
	return out
}
