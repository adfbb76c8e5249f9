package bounce

import (
	"strings"
	"testing"

	"github.com/lindenmail/listq/internal/ledger"
)

// ─── VERP ────────────────────────────────────────────────────────────────────

func TestDecodeVERP(t *testing.T) {
	cases := []struct {
		in       string
		wantList string
		wantAddr string
		wantOK   bool
	}{
		{"dev-bounces+carol=example.net@lists.example.org", "dev", "carol@example.net", true},
		{"dev-bounces+first.last=sub.example.net@lists.example.org", "dev", "first.last@sub.example.net", true},
		// local parts containing '=' split at the last one
		{"dev-bounces+a=b=example.net@lists.example.org", "dev", "a=b@example.net", true},
		{"dev-bounces@lists.example.org", "", "", false},
		{"dev-request+carol=example.net@lists.example.org", "", "", false},
		{"dev-bounces+noequals@lists.example.org", "", "", false},
		{"not-an-address", "", "", false},
	}
	for _, tc := range cases {
		listName, addr, ok := DecodeVERP(tc.in)
		if ok != tc.wantOK || listName != tc.wantList || addr != tc.wantAddr {
			t.Errorf("DecodeVERP(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, listName, addr, ok, tc.wantList, tc.wantAddr, tc.wantOK)
		}
	}
}

// ─── DSN parsing ─────────────────────────────────────────────────────────────

func dsn(status, action string) []byte {
	msg := strings.Join([]string{
		"From: MAILER-DAEMON@mx.example.net",
		"To: dev-bounces@lists.example.org",
		"Subject: Undelivered Mail Returned to Sender",
		"MIME-Version: 1.0",
		`Content-Type: multipart/report; report-type=delivery-status; boundary="BB"`,
		"",
		"--BB",
		"Content-Type: text/plain",
		"",
		"This is the mail system; delivery failed.",
		"",
		"--BB",
		"Content-Type: message/delivery-status",
		"",
		"Reporting-MTA: dns; mx.example.net",
		"",
		"Final-Recipient: rfc822; carol@example.net",
		"Action: " + action,
		"Status: " + status,
		"",
		"--BB--",
		"",
	}, "\r\n")
	return []byte(msg)
}

func TestDetectDSNHard(t *testing.T) {
	events := Detect(dsn("5.1.1", "failed"))
	if len(events) != 1 {
		t.Fatalf("events: %v", events)
	}
	if events[0].Address != "carol@example.net" || events[0].Severity != ledger.Hard {
		t.Errorf("got %+v", events[0])
	}
}

func TestDetectDSNSoft(t *testing.T) {
	events := Detect(dsn("4.2.2", "failed"))
	if len(events) != 1 || events[0].Severity != ledger.Soft {
		t.Fatalf("want one soft event, got %v", events)
	}
}

func TestDetectDSNDelayedIsSoft(t *testing.T) {
	events := Detect(dsn("4.4.1", "delayed"))
	if len(events) != 1 || events[0].Severity != ledger.Soft {
		t.Fatalf("want one soft event, got %v", events)
	}
}

// A status that says neither 4.x nor 5.x counts as hard: an undecidable
// severity must not let a dead address linger.
func TestDetectAmbiguousStatusIsHard(t *testing.T) {
	events := Detect(dsn("unknown", "failed"))
	if len(events) != 1 || events[0].Severity != ledger.Hard {
		t.Fatalf("want one hard event, got %v", events)
	}
}

func TestDetectMultiRecipientDSN(t *testing.T) {
	msg := strings.Join([]string{
		"From: MAILER-DAEMON@mx.example.net",
		"MIME-Version: 1.0",
		`Content-Type: multipart/report; report-type=delivery-status; boundary="BB"`,
		"",
		"--BB",
		"Content-Type: message/delivery-status",
		"",
		"Reporting-MTA: dns; mx.example.net",
		"",
		"Final-Recipient: rfc822; carol@example.net",
		"Action: failed",
		"Status: 5.1.1",
		"",
		"Final-Recipient: rfc822; dave@example.net",
		"Action: failed",
		"Status: 4.2.2",
		"",
		"--BB--",
		"",
	}, "\r\n")

	events := Detect([]byte(msg))
	if len(events) != 2 {
		t.Fatalf("events: %v", events)
	}
	bySev := map[string]ledger.Severity{}
	for _, ev := range events {
		bySev[ev.Address] = ev.Severity
	}
	if bySev["carol@example.net"] != ledger.Hard || bySev["dave@example.net"] != ledger.Soft {
		t.Errorf("got %v", bySev)
	}
}

// ─── heuristic fallback ──────────────────────────────────────────────────────

func TestDetectHeuristicFallback(t *testing.T) {
	msg := strings.Join([]string{
		"From: postmaster@old.example.net",
		"Subject: delivery problem",
		"",
		"The following message could not be delivered:",
		"",
		"  carol@example.net: user unknown",
		"  dave@example.net: mailbox full, try again later",
		"",
	}, "\n")

	events := Detect([]byte(msg))
	if len(events) != 2 {
		t.Fatalf("events: %v", events)
	}
	bySev := map[string]ledger.Severity{}
	for _, ev := range events {
		bySev[ev.Address] = ev.Severity
	}
	if bySev["carol@example.net"] != ledger.Hard {
		t.Errorf("user unknown: want hard, got %v", bySev["carol@example.net"])
	}
	if bySev["dave@example.net"] != ledger.Soft {
		t.Errorf("mailbox full: want soft, got %v", bySev["dave@example.net"])
	}
}

func TestDetectHeuristicIgnoresHeaders(t *testing.T) {
	msg := "Subject: user unknown at carol@example.net\n\nnothing useful here\n"
	if events := Detect([]byte(msg)); len(events) != 0 {
		t.Errorf("header text produced events: %v", events)
	}
}

func TestDetectNothing(t *testing.T) {
	msg := "From: someone@example.net\nSubject: hi\n\njust a normal message\n"
	if events := Detect([]byte(msg)); len(events) != 0 {
		t.Errorf("clean message produced events: %v", events)
	}
}

func TestDedupeHardWins(t *testing.T) {
	events := dedupe([]Event{
		{Address: "carol@example.net", Severity: ledger.Soft},
		{Address: "Carol@Example.Net", Severity: ledger.Hard},
	})
	if len(events) != 1 || events[0].Severity != ledger.Hard {
		t.Errorf("got %v", events)
	}
}
