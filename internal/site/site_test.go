package site_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lindenmail/listq/internal/config"
	"github.com/lindenmail/listq/internal/hold"
	"github.com/lindenmail/listq/internal/ident"
	"github.com/lindenmail/listq/internal/ledger"
	"github.com/lindenmail/listq/internal/list"
	"github.com/lindenmail/listq/internal/message"
	"github.com/lindenmail/listq/internal/metrics"
	"github.com/lindenmail/listq/internal/site"
	"github.com/lindenmail/listq/internal/switchboard"
)

// ─── fixture ─────────────────────────────────────────────────────────────────

func openSite(t *testing.T, lists []*list.List) *site.Site {
	t.Helper()
	dir := t.TempDir()
	listsFile := filepath.Join(dir, "lists.yaml")
	if err := list.WriteFileDirectory(listsFile, lists); err != nil {
		t.Fatalf("WriteFileDirectory: %v", err)
	}

	cfg := config.Default()
	cfg.Site.DataDir = filepath.Join(dir, "data")
	cfg.Site.ListsFile = listsFile
	cfg.Site.Host = "lists.example.org"

	s, err := site.Open(cfg)
	if err != nil {
		t.Fatalf("site.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func devList() *list.List {
	return &list.List{
		Name:            "dev",
		Owners:          []string{"owner@example.org"},
		NonMemberAction: list.ActionHold,
		SubjectPrefix:   "[dev]",
		Members: []list.Member{
			{Address: "alice@example.org"},
			{Address: "bob@example.org"},
		},
	}
}

// drain runs every runner's cycle once.
func drain(t *testing.T, s *site.Site) {
	t.Helper()
	for _, r := range s.Runners() {
		if _, err := r.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle: %v", err)
		}
	}
}

func queueLen(t *testing.T, s *site.Site, kind string) int {
	t.Helper()
	ids, err := s.Board(kind).Files()
	if err != nil {
		t.Fatalf("Files(%s): %v", kind, err)
	}
	return len(ids)
}

func memberPost() []byte {
	return []byte("From: alice@example.org\r\n" +
		"To: dev@lists.example.org\r\n" +
		"Subject: weekly notes\r\n" +
		"\r\n" +
		"hello all\r\n")
}

// ─── accepted path ───────────────────────────────────────────────────────────

func TestMemberPostIsDeliveredOnce(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	if _, err := s.Post("dev", message.RolePost, "alice@example.org", "dev@lists.example.org", memberPost()); err != nil {
		t.Fatalf("Post: %v", err)
	}

	drain(t, s)

	if n := queueLen(t, s, message.QueueOut); n != 1 {
		t.Fatalf("outgoing entries: want exactly 1, got %d", n)
	}
	if n := queueLen(t, s, message.QueueIn); n != 0 {
		t.Errorf("in queue not drained: %d", n)
	}
	if n := queueLen(t, s, message.QueueShunt); n != 0 {
		t.Errorf("shunt not empty: %d", n)
	}
	if n := queueLen(t, s, message.QueueVirgin); n != 0 {
		t.Errorf("clean post generated notices: %d", n)
	}
	pending, err := s.Holds.List("", true)
	if err != nil || len(pending) != 0 {
		t.Errorf("holds after clean post: %v err=%v", pending, err)
	}

	out := s.Board(message.QueueOut)
	ids, _ := out.Files()
	msg, err := out.Dequeue(ids[0])
	if err != nil {
		t.Fatalf("Dequeue outgoing: %v", err)
	}
	body := string(msg.Payload)
	if !strings.Contains(body, "Subject: [dev] weekly notes") {
		t.Error("subject prefix missing from outgoing copy")
	}
	if !strings.Contains(body, "List-Id: <dev.lists.example.org>") {
		t.Error("List-Id missing from outgoing copy")
	}
	if msg.Meta.Sender != "dev-bounces@lists.example.org" {
		t.Errorf("envelope sender: %q", msg.Meta.Sender)
	}
	if len(msg.Meta.Recipients) != 2 {
		t.Errorf("recipients: %v", msg.Meta.Recipients)
	}
}

// ─── moderation path ─────────────────────────────────────────────────────────

func TestNonMemberPostIsHeld(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	payload := []byte("From: stranger@example.net\r\n" +
		"To: dev@lists.example.org\r\n" +
		"Subject: buy things\r\n\r\nhi\r\n")
	if _, err := s.Post("dev", message.RolePost, "stranger@example.net", "", payload); err != nil {
		t.Fatalf("Post: %v", err)
	}

	drain(t, s)

	pending, err := s.Holds.List("dev", true)
	if err != nil {
		t.Fatalf("Holds.List: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending holds: want 1, got %d", len(pending))
	}
	rec := pending[0]
	if rec.Sender != "stranger@example.net" || rec.Subject != "buy things" {
		t.Errorf("hold record: %+v", rec)
	}
	if len(rec.Reasons) == 0 {
		t.Error("hold record lost its reasons")
	}

	if n := queueLen(t, s, message.QueueHeld); n != 1 {
		t.Errorf("held queue: want 1, got %d", n)
	}
	if n := queueLen(t, s, message.QueueIn); n != 0 {
		t.Errorf("in queue: want 0, got %d", n)
	}
	// A held posting puts nothing on the outgoing or shunt queues; the
	// notices travel through the virgin queue.
	if n := queueLen(t, s, message.QueueOut); n != 0 {
		t.Errorf("held posting reached outgoing: %d", n)
	}
	if n := queueLen(t, s, message.QueueShunt); n != 0 {
		t.Errorf("held posting reached shunt: %d", n)
	}
	// Held notice to the sender plus pending notice to the owner.
	if n := queueLen(t, s, message.QueueVirgin); n != 2 {
		t.Errorf("notices in virgin: want 2, got %d", n)
	}

	// The quarantined payload is byte-identical to what was received.
	held := s.Board(message.QueueHeld)
	msg, err := held.Dequeue(rec.MsgID)
	if err != nil {
		t.Fatalf("Dequeue held: %v", err)
	}
	if string(msg.Payload) != string(payload) {
		t.Error("held payload altered")
	}
}

func TestApproveReleasesOriginal(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	payload := []byte("From: stranger@example.net\r\n" +
		"To: dev@lists.example.org\r\n" +
		"Subject: a real question\r\n\r\ncontent\r\n")
	if _, err := s.Post("dev", message.RolePost, "stranger@example.net", "", payload); err != nil {
		t.Fatalf("Post: %v", err)
	}
	drain(t, s)

	pending, _ := s.Holds.List("dev", true)
	if len(pending) != 1 {
		t.Fatalf("pending holds: %d", len(pending))
	}
	if n := queueLen(t, s, message.QueueOut); n != 0 {
		t.Fatalf("outgoing before approval: %d", n)
	}

	if err := s.Decide(pending[0].ID, hold.StateApproved); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if n := queueLen(t, s, message.QueueHeld); n != 0 {
		t.Errorf("held queue after approval: %d", n)
	}

	drain(t, s)

	if n := queueLen(t, s, message.QueueOut); n != 1 {
		t.Errorf("outgoing after approval: want 1, got %d", n)
	}
	rec, err := s.Holds.Get(pending[0].ID)
	if err != nil {
		t.Fatalf("Holds.Get: %v", err)
	}
	if rec.State != hold.StateApproved {
		t.Errorf("hold state: %s", rec.State)
	}
}

func TestDiscardDecisionDropsEntry(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	payload := []byte("From: stranger@example.net\r\nTo: dev@lists.example.org\r\nSubject: junk\r\n\r\nx\r\n")
	if _, err := s.Post("dev", message.RolePost, "stranger@example.net", "", payload); err != nil {
		t.Fatalf("Post: %v", err)
	}
	drain(t, s)

	pending, _ := s.Holds.List("dev", true)
	if len(pending) != 1 {
		t.Fatalf("pending: %d", len(pending))
	}
	noticesBefore := queueLen(t, s, message.QueueVirgin)

	if err := s.Decide(pending[0].ID, hold.StateDiscarded); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if n := queueLen(t, s, message.QueueHeld); n != 0 {
		t.Errorf("held queue after discard: %d", n)
	}
	drain(t, s)
	if n := queueLen(t, s, message.QueueOut); n != 0 {
		t.Errorf("discard generated outgoing mail: %d", n)
	}
	if n := queueLen(t, s, message.QueueVirgin); n != noticesBefore {
		t.Errorf("discard generated notices: %d -> %d", noticesBefore, n)
	}
}

// ─── command path ────────────────────────────────────────────────────────────

func TestJoinCommandSubscribes(t *testing.T) {
	l := devList()
	l.Subscribe = list.SubscribeOpen
	s := openSite(t, []*list.List{l})

	payload := []byte("From: carol@example.net\r\nSubject: join\r\n\r\n")
	if _, err := s.Post("dev", message.RoleJoin, "carol@example.net", "", payload); err != nil {
		t.Fatalf("Post: %v", err)
	}
	drain(t, s)

	got, err := s.Dir.Resolve("dev")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := got.Member("carol@example.net"); !ok {
		t.Error("join command did not subscribe")
	}
	if n := queueLen(t, s, message.QueueVirgin); n != 1 {
		t.Errorf("command reply: want 1 virgin entry, got %d", n)
	}
	if n := queueLen(t, s, message.QueueOut); n != 0 {
		t.Errorf("command reply reached outgoing: %d", n)
	}
}

// ─── bounce path ─────────────────────────────────────────────────────────────

func bounceDSN() []byte {
	return []byte(strings.Join([]string{
		"From: MAILER-DAEMON@mx.example.org",
		"MIME-Version: 1.0",
		`Content-Type: multipart/report; report-type=delivery-status; boundary="BB"`,
		"",
		"--BB",
		"Content-Type: message/delivery-status",
		"",
		"Reporting-MTA: dns; mx.example.org",
		"",
		"Final-Recipient: rfc822; alice@example.org",
		"Action: failed",
		"Status: 5.1.1",
		"",
		"--BB--",
		"",
	}, "\r\n"))
}

func TestBounceIsScored(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	if _, err := s.Post("dev", message.RoleBounce, "",
		"dev-bounces+alice=example.org@lists.example.org", bounceDSN()); err != nil {
		t.Fatalf("Post: %v", err)
	}
	drain(t, s)

	rec, err := s.Ledger.Get("dev", "alice@example.org")
	if err != nil {
		t.Fatalf("Ledger.Get: %v", err)
	}
	if rec.Score != 1.0 {
		t.Errorf("score: want 1.0, got %v", rec.Score)
	}
	if n := queueLen(t, s, message.QueueBounces); n != 0 {
		t.Errorf("bounce queue not drained: %d", n)
	}
	// Consuming a bounce is not a delivery.
	if got := s.Reg.Delivered.Value("dev"); got != 0 {
		t.Errorf("delivered counter after bounce: %d", got)
	}
	if got := s.Reg.BouncesScored.Value(metrics.BounceKey("dev", "hard")); got != 1 {
		t.Errorf("bounces scored counter: %d", got)
	}
}

// ─── shunt replay ────────────────────────────────────────────────────────────

func TestShuntReplayRequeues(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	in := s.Board(message.QueueIn)

	// A message for a list that does not exist is shunted, not retried.
	id, err := in.Enqueue([]byte("Subject: orphaned\r\n\r\nx\r\n"), &message.Meta{
		List:     "ghost",
		Pipeline: message.PipelinePost,
		Role:     message.RolePost,
		Sender:   "alice@example.org",
		Received: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, s)

	if n := queueLen(t, s, message.QueueShunt); n != 1 {
		t.Fatalf("shunt queue: want 1, got %d", n)
	}

	if err := s.ReplayShunt(id); err != nil {
		t.Fatalf("ReplayShunt: %v", err)
	}
	if n := queueLen(t, s, message.QueueShunt); n != 0 {
		t.Errorf("shunt queue after replay: %d", n)
	}

	msg, err := in.Dequeue(id)
	if err != nil {
		t.Fatalf("Dequeue replayed: %v", err)
	}
	if msg.Meta.ShuntReason != "" || msg.Meta.Failures != 0 || msg.Meta.LastError != "" {
		t.Errorf("replay kept shunt bookkeeping: %+v", msg.Meta)
	}
}

// ─── maintenance ─────────────────────────────────────────────────────────────

// A crash between the held-queue move and the hold-record write leaves a
// pair no record points at; the sweep removes it once past the grace age.
func TestMaintenanceReapsRecordlessHeldPairs(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	held := s.Board(message.QueueHeld)

	enqueue := func(age time.Duration) string {
		id := ident.MustNewID()
		if err := held.EnqueueAs(id, []byte("Subject: half held\r\n\r\nx\r\n"), &message.Meta{
			List:     "dev",
			Pipeline: message.PipelinePost,
			Role:     message.RolePost,
			Sender:   "stranger@example.net",
			Received: time.Now().Add(-age).UnixMilli(),
		}); err != nil {
			t.Fatalf("EnqueueAs: %v", err)
		}
		return id
	}
	stale := enqueue(2 * time.Hour)
	fresh := enqueue(0)

	if err := s.Maintenance(time.Now()); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}

	if _, err := held.Dequeue(stale); !errors.Is(err, switchboard.ErrNotFound) {
		t.Errorf("stale recordless pair survived the sweep: %v", err)
	}
	if _, err := held.Dequeue(fresh); err != nil {
		t.Errorf("pair inside the grace age reaped: %v", err)
	}
}

func TestMaintenanceWarnsThenRemoves(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	now := time.Now()
	week := 7 * 24 * time.Hour

	if _, err := s.Ledger.Score("dev", "alice@example.org", ledger.Hard, 5.0, week, now); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if err := s.Ledger.Update("dev", "alice@example.org", func(r *ledger.Record) error {
		r.Score = 6.0
		r.DisabledAt = now.Add(-8 * 24 * time.Hour).UnixMilli()
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := s.Maintenance(now); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}
	rec, err := s.Ledger.Get("dev", "alice@example.org")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.WarningsSent != 1 {
		t.Errorf("warnings sent: want 1, got %d", rec.WarningsSent)
	}
	if n := queueLen(t, s, message.QueueVirgin); n != 1 {
		t.Errorf("notices after warning: want 1, got %d", n)
	}

	// Exhaust the warning budget; the next due sweep drops the membership.
	if err := s.Ledger.Update("dev", "alice@example.org", func(r *ledger.Record) error {
		r.WarningsSent = 3
		r.LastWarning = now.Add(-8 * 24 * time.Hour).UnixMilli()
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Maintenance(now); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}

	l, err := s.Dir.Resolve("dev")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := l.Member("alice@example.org"); ok {
		t.Error("unresponsive member still on roster")
	}
	if _, err := s.Ledger.Get("dev", "alice@example.org"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("ledger record after removal: %v", err)
	}
	// Warning plus the final removal notice.
	if n := queueLen(t, s, message.QueueVirgin); n != 2 {
		t.Errorf("notices after removal: want 2, got %d", n)
	}
}

func TestMaintenanceExpiresOldHolds(t *testing.T) {
	s := openSite(t, []*list.List{devList()})
	held := s.Board(message.QueueHeld)

	old := time.Now().Add(-45 * 24 * time.Hour)
	msgID := ident.MustNewID()
	if err := held.EnqueueAs(msgID, []byte("Subject: stale\r\n\r\nx\r\n"), &message.Meta{
		List:     "dev",
		Pipeline: message.PipelinePost,
		Role:     message.RolePost,
		Sender:   "stranger@example.net",
		Received: old.UnixMilli(),
	}); err != nil {
		t.Fatalf("EnqueueAs: %v", err)
	}
	rec, err := s.Holds.Create(msgID, "dev", "stranger@example.net", "stale",
		[]string{"post by non-member"}, old.UnixMilli())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Maintenance(time.Now()); err != nil {
		t.Fatalf("Maintenance: %v", err)
	}

	got, err := s.Holds.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != hold.StateDiscarded {
		t.Errorf("expired hold state: %s", got.State)
	}
	if n := queueLen(t, s, message.QueueHeld); n != 0 {
		t.Errorf("held queue after expiry sweep: %d", n)
	}
}
