// Package list provides the list directory: resolution of a list name to
// its moderation policy, pipeline configuration, and membership.
//
// The core consumes the directory; administration of lists happens in an
// external surface. The YAML-file implementation here is the production
// default and the test fixture format. Membership mutations (command mail,
// bounce disable) rewrite the file atomically.
package list

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// nameRe validates list names: 1–64 chars, lowercase letters/digits/hyphens,
// must start with a letter or digit.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,63}$`)

// ErrNotFound is returned when a list that doesn't exist is requested.
var ErrNotFound = errors.New("list: not found")

// ErrNoMember is returned when an address is not subscribed.
var ErrNoMember = errors.New("list: not a member")

// Action is what happens to a posting that trips a policy check.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionHold    Action = "hold"
	ActionReject  Action = "reject"
	ActionDiscard Action = "discard"
)

// SubscribePolicy controls how join/leave requests are handled.
type SubscribePolicy string

const (
	SubscribeOpen     SubscribePolicy = "open"     // effective immediately
	SubscribeConfirm  SubscribePolicy = "confirm"  // mail-back confirmation
	SubscribeModerate SubscribePolicy = "moderate" // owner approval
)

// Member is one subscription on one list.
type Member struct {
	Address string `yaml:"address"`

	// Moderated holds this member's postings for review regardless of the
	// list default.
	Moderated bool `yaml:"moderated,omitempty"`

	// NoMail suspends delivery at the member's own request.
	NoMail bool `yaml:"nomail,omitempty"`

	// DeliveryDisabled is set by the bounce processor when the member's
	// bounce score crosses the list threshold. Re-enabled explicitly by
	// the owner or by a fresh subscribe.
	DeliveryDisabled bool `yaml:"delivery_disabled,omitempty"`
}

// BouncePolicy is the per-list override of the site bounce defaults.
// Zero values mean "use the site default".
type BouncePolicy struct {
	ScoreThreshold  float64       `yaml:"score_threshold,omitempty"`
	StaleAfter      time.Duration `yaml:"stale_after,omitempty"`
	MaxWarnings     int           `yaml:"max_warnings,omitempty"`
	WarningInterval time.Duration `yaml:"warning_interval,omitempty"`
}

// List is one mailing list's full policy record.
type List struct {
	Name   string   `yaml:"name"`
	Host   string   `yaml:"host,omitempty"`
	Owners []string `yaml:"owners"`

	// MemberModeration is the default moderation flag applied to members
	// that have no explicit flag of their own.
	MemberModeration bool `yaml:"member_moderation,omitempty"`

	// NonMemberAction is applied to postings from non-members.
	NonMemberAction Action `yaml:"non_member_action"`

	// MaxMessageSize in bytes; 0 = unlimited.
	MaxMessageSize int `yaml:"max_message_size,omitempty"`

	// ApprovedSecret, when set, lets a posting carrying a matching
	// Approved header bypass moderation. The header is scrubbed before
	// redistribution either way.
	ApprovedSecret string `yaml:"approved_secret,omitempty"`

	SubjectPrefix string          `yaml:"subject_prefix,omitempty"`
	FooterText    string          `yaml:"footer_text,omitempty"`
	Subscribe     SubscribePolicy `yaml:"subscribe,omitempty"`

	// HoldExpiry overrides the site default for auto-discarding stale
	// pending holds; 0 = site default.
	HoldExpiry time.Duration `yaml:"hold_expiry,omitempty"`

	Bounce BouncePolicy `yaml:"bounce,omitempty"`

	Members []Member `yaml:"members"`
}

// Address returns the list's posting address.
func (l *List) Address() string { return l.Name + "@" + l.Host }

// OwnerAddress returns the list's owner alias.
func (l *List) OwnerAddress() string { return l.Name + "-owner@" + l.Host }

// BounceAddress returns the envelope sender used for outgoing list
// traffic, so that delivery failures come back to the bounce queue.
func (l *List) BounceAddress() string { return l.Name + "-bounces@" + l.Host }

// Member looks up a subscription by address, case-insensitively on the
// domain part and exactly on the local part.
func (l *List) Member(addr string) (*Member, bool) {
	key := canonical(addr)
	for i := range l.Members {
		if canonical(l.Members[i].Address) == key {
			return &l.Members[i], true
		}
	}
	return nil, false
}

// Moderated reports whether a posting from addr is subject to moderation:
// the member's own flag if set, otherwise the list default.
func (l *List) Moderated(addr string) bool {
	if m, ok := l.Member(addr); ok {
		return m.Moderated || l.MemberModeration
	}
	return false
}

// Recipients returns the addresses that currently receive regular
// delivery: subscribed, not nomail, not bounce-disabled.
func (l *List) Recipients() []string {
	var out []string
	for i := range l.Members {
		m := &l.Members[i]
		if m.NoMail || m.DeliveryDisabled {
			continue
		}
		out = append(out, m.Address)
	}
	return out
}

func canonical(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[:i] + "@" + strings.ToLower(addr[i+1:])
	}
	return addr
}

// Directory resolves list names to policy records. Implementations must be
// safe for concurrent use.
type Directory interface {
	// Resolve returns the list's policy record or ErrNotFound.
	Resolve(name string) (*List, error)

	// Names returns all known list names, sorted.
	Names() ([]string, error)

	// Update applies fn to the named list under the directory's writer
	// lock and persists the result. fn must not retain the *List.
	Update(name string, fn func(*List) error) error
}

// ─── YAML-file directory ─────────────────────────────────────────────────────

// fileFormat is the on-disk shape of the lists file.
type fileFormat struct {
	Lists []*List `yaml:"lists"`
}

// FileDirectory is a Directory backed by a single YAML file. The file is
// re-read when its mtime changes, so edits from the administrative surface
// are picked up without a restart.
type FileDirectory struct {
	path string
	host string // default host applied to lists that don't set one

	mu      sync.RWMutex
	lists   map[string]*List
	loaded  time.Time
	modTime time.Time
}

// OpenFile loads the directory from path. A missing file yields an empty
// directory rather than an error, matching how config loading behaves.
func OpenFile(path, defaultHost string) (*FileDirectory, error) {
	d := &FileDirectory{path: path, host: defaultHost, lists: make(map[string]*List)}
	if err := d.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return d, nil
}

func (d *FileDirectory) reload() error {
	info, err := os.Stat(d.path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded.IsZero() && info.ModTime().Equal(d.modTime) {
		return nil
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("list: parse %s: %w", d.path, err)
	}

	lists := make(map[string]*List, len(ff.Lists))
	for _, l := range ff.Lists {
		if !nameRe.MatchString(l.Name) {
			return fmt.Errorf("list: invalid name %q in %s", l.Name, d.path)
		}
		if l.Host == "" {
			l.Host = d.host
		}
		lists[l.Name] = l
	}
	d.lists = lists
	d.loaded = time.Now()
	d.modTime = info.ModTime()
	return nil
}

// Resolve implements Directory.
func (d *FileDirectory) Resolve(name string) (*List, error) {
	if err := d.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.lists[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return l.clone(), nil
}

// Names implements Directory.
func (d *FileDirectory) Names() ([]string, error) {
	if err := d.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.lists))
	for n := range d.lists {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Update implements Directory. The whole file is rewritten via a temp file
// and rename so concurrent readers never see a torn directory.
func (d *FileDirectory) Update(name string, fn func(*List) error) error {
	if err := d.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lists[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := fn(l); err != nil {
		return err
	}
	return d.persistLocked()
}

func (d *FileDirectory) persistLocked() error {
	var ff fileFormat
	names := make([]string, 0, len(d.lists))
	for n := range d.lists {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ff.Lists = append(ff.Lists, d.lists[n])
	}

	data, err := yaml.Marshal(&ff)
	if err != nil {
		return fmt.Errorf("list: marshal %s: %w", d.path, err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("list: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("list: publish %s: %w", d.path, err)
	}
	if info, err := os.Stat(d.path); err == nil {
		d.modTime = info.ModTime()
	}
	return nil
}

func (l *List) clone() *List {
	c := *l
	c.Owners = append([]string(nil), l.Owners...)
	c.Members = append([]Member(nil), l.Members...)
	return &c
}

// WriteFileDirectory writes lists to path in the directory file format.
// Used by tests and by provisioning tooling.
func WriteFileDirectory(path string, lists []*List) error {
	data, err := yaml.Marshal(&fileFormat{Lists: lists})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
