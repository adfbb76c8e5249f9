package list_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/lindenmail/listq/internal/list"
)

func writeDir(t *testing.T, lists []*list.List) (*list.FileDirectory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lists.yaml")
	if err := list.WriteFileDirectory(path, lists); err != nil {
		t.Fatalf("WriteFileDirectory: %v", err)
	}
	d, err := list.OpenFile(path, "example.org")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	return d, path
}

func devList() *list.List {
	return &list.List{
		Name:            "dev",
		Owners:          []string{"owner@example.org"},
		NonMemberAction: list.ActionHold,
		Members: []list.Member{
			{Address: "alice@example.org"},
			{Address: "Bob@EXAMPLE.org", Moderated: true},
			{Address: "carol@example.org", NoMail: true},
			{Address: "dave@example.org", DeliveryDisabled: true},
		},
	}
}

func TestAddresses(t *testing.T) {
	l := &list.List{Name: "dev", Host: "example.org"}
	if got := l.Address(); got != "dev@example.org" {
		t.Errorf("Address: %s", got)
	}
	if got := l.OwnerAddress(); got != "dev-owner@example.org" {
		t.Errorf("OwnerAddress: %s", got)
	}
	if got := l.BounceAddress(); got != "dev-bounces@example.org" {
		t.Errorf("BounceAddress: %s", got)
	}
}

func TestMemberDomainCaseInsensitive(t *testing.T) {
	l := devList()
	if _, ok := l.Member("bob@example.org"); ok {
		t.Error("local part matched case-insensitively")
	}
	if _, ok := l.Member("Bob@example.ORG"); !ok {
		t.Error("domain did not match case-insensitively")
	}
}

func TestModerated(t *testing.T) {
	l := devList()
	if l.Moderated("alice@example.org") {
		t.Error("unmoderated member flagged")
	}
	if !l.Moderated("Bob@example.org") {
		t.Error("member flag ignored")
	}
	l.MemberModeration = true
	if !l.Moderated("alice@example.org") {
		t.Error("list default ignored")
	}
	if l.Moderated("stranger@example.net") {
		t.Error("non-member reported moderated")
	}
}

func TestRecipientsSkipSuspended(t *testing.T) {
	got := devList().Recipients()
	if len(got) != 2 {
		t.Fatalf("recipients: %v", got)
	}
	for _, r := range got {
		if r == "carol@example.org" || r == "dave@example.org" {
			t.Errorf("suspended member delivered to: %s", r)
		}
	}
}

func TestFileDirectoryResolve(t *testing.T) {
	d, _ := writeDir(t, []*list.List{devList()})

	l, err := d.Resolve("dev")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if l.Host != "example.org" {
		t.Errorf("default host not applied: %q", l.Host)
	}
	if len(l.Members) != 4 {
		t.Errorf("members: %d", len(l.Members))
	}

	if _, err := d.Resolve("ghost"); !errors.Is(err, list.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

// Resolve hands out copies; mutating one must not poison the directory.
func TestResolveReturnsClone(t *testing.T) {
	d, _ := writeDir(t, []*list.List{devList()})
	l, _ := d.Resolve("dev")
	l.Members = nil

	again, _ := d.Resolve("dev")
	if len(again.Members) != 4 {
		t.Error("caller mutation leaked into the directory")
	}
}

func TestUpdatePersists(t *testing.T) {
	d, path := writeDir(t, []*list.List{devList()})
	err := d.Update("dev", func(l *list.List) error {
		l.Members = append(l.Members, list.Member{Address: "erin@example.org"})
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	l, _ := d.Resolve("dev")
	if _, ok := l.Member("erin@example.org"); !ok {
		t.Error("update not visible")
	}

	// A second directory over the same file sees the persisted change.
	d2, err := list.OpenFile(path, "example.org")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2, err := d2.Resolve("dev")
	if err != nil {
		t.Fatalf("Resolve after reopen: %v", err)
	}
	if _, ok := l2.Member("erin@example.org"); !ok {
		t.Error("update not persisted to disk")
	}
}

func TestUpdateErrorLeavesDirectoryUnchanged(t *testing.T) {
	d, _ := writeDir(t, []*list.List{devList()})
	wantErr := errors.New("nope")
	if err := d.Update("dev", func(*list.List) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Update: %v", err)
	}
}

func TestNames(t *testing.T) {
	d, _ := writeDir(t, []*list.List{
		{Name: "zeta", Owners: []string{"o@example.org"}, NonMemberAction: list.ActionHold},
		devList(),
	})
	names, err := d.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if len(names) != 2 || names[0] != "dev" || names[1] != "zeta" {
		t.Errorf("Names: %v", names)
	}
}

func TestInvalidListNameRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lists.yaml")
	bad := &list.List{Name: "Not A Name", Owners: []string{"o@example.org"}}
	if err := list.WriteFileDirectory(path, []*list.List{bad}); err != nil {
		t.Fatalf("WriteFileDirectory: %v", err)
	}
	if _, err := list.OpenFile(path, "example.org"); err == nil {
		t.Error("invalid list name accepted")
	}
}
