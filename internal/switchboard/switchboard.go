// Package switchboard implements the durable, directory-backed queue that
// every listq component hands messages through.
//
// Design principle: the runner (and every layer above it) must ONLY interact
// with queued messages through this type. Never touch queue files directly.
// The "directory + atomic rename + lock file" mechanics live here and nowhere
// else, so an alternative backing store could be substituted without touching
// runner logic.
//
// On-disk layout, one directory per queue kind:
//
//	<dir>/tmp/            staging area for half-written files
//	<dir>/<id>.msg        raw payload bytes, immutable
//	<dir>/<id>.json       metadata sidecar, atomically replaced on progress
//	<dir>/<id>.lock       ownership marker, flock-ed by the claiming runner
//
// Every mutation is a whole-file write into tmp/ followed by a rename, so a
// concurrent reader never observes a torn file. The metadata rename is the
// enqueue commit point: a scan that finds a payload without its sidecar
// treats the entry as incomplete and skips it.
package switchboard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lindenmail/listq/internal/ident"
	"github.com/lindenmail/listq/internal/message"
)

const (
	payloadExt = ".msg"
	metaExt    = ".json"
	lockExt    = ".lock"
	tmpDir     = "tmp"
)

// ErrNotFound is returned by Dequeue when either half of an entry is
// missing. Callers treat it as "skip", not as a failure.
var ErrNotFound = errors.New("switchboard: not found")

// Switchboard is a durable multi-producer/multi-consumer queue scoped to a
// single directory. All methods are safe for concurrent use by any number
// of processes sharing the directory.
type Switchboard struct {
	name string
	dir  string
}

// Open ensures dir (and its tmp/ staging area) exists and returns a
// Switchboard over it. name is used only for logging and errors.
func Open(name, dir string) (*Switchboard, error) {
	if err := os.MkdirAll(filepath.Join(dir, tmpDir), 0o750); err != nil {
		return nil, fmt.Errorf("switchboard %s: create dir: %w", name, err)
	}
	return &Switchboard{name: name, dir: dir}, nil
}

// Name returns the queue kind this switchboard serves.
func (s *Switchboard) Name() string { return s.name }

// Dir returns the backing directory.
func (s *Switchboard) Dir() string { return s.dir }

// Enqueue durably stores payload and meta under a freshly generated
// identifier and returns that identifier. It never blocks on downstream
// processing; an error means the entry is NOT queued and the caller must
// not acknowledge the message to the transport.
//
// The payload file is published first and the metadata sidecar last, so a
// crash between the two renames leaves an orphan payload that scans skip
// and maintenance sweeps away.
func (s *Switchboard) Enqueue(payload []byte, meta *message.Meta) (string, error) {
	id, err := ident.NewID()
	if err != nil {
		return "", fmt.Errorf("switchboard %s: new id: %w", s.name, err)
	}
	if err := s.publish(id, payload, meta); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueAs stores payload and meta under a caller-supplied identifier.
// Used when a message moves between queues (hold release, shunt replay) and
// must keep the identity it was assigned at first enqueue.
func (s *Switchboard) EnqueueAs(id string, payload []byte, meta *message.Meta) error {
	if err := ident.Validate(id); err != nil {
		return fmt.Errorf("switchboard %s: bad id %q: %w", s.name, id, err)
	}
	return s.publish(id, payload, meta)
}

func (s *Switchboard) publish(id string, payload []byte, meta *message.Meta) error {
	if err := s.writeFile(id+payloadExt, payload); err != nil {
		return err
	}
	return s.StoreMeta(id, meta)
}

// StoreMeta atomically replaces the metadata sidecar for id. The runner
// calls this after every completed handler so a crash mid-pipeline resumes
// after the last completed step.
func (s *Switchboard) StoreMeta(id string, meta *message.Meta) error {
	data, err := message.MarshalMeta(meta)
	if err != nil {
		return fmt.Errorf("switchboard %s: %w", s.name, err)
	}
	return s.writeFile(id+metaExt, data)
}

// writeFile stages data in tmp/ with an fsync, then renames it into place.
func (s *Switchboard) writeFile(name string, data []byte) error {
	staged := filepath.Join(s.dir, tmpDir, name)
	f, err := os.OpenFile(staged, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("switchboard %s: stage %s: %w", s.name, name, err)
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("switchboard %s: stage %s: %w", s.name, name, err)
	}
	if err := os.Rename(staged, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("switchboard %s: publish %s: %w", s.name, name, err)
	}
	return nil
}

// Files returns a snapshot of the identifiers currently present, in
// lexicographic (≈ arrival) order. It grants no ownership; entries whose
// payload half is missing, and foreign files, are excluded.
func (s *Switchboard) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("switchboard %s: scan: %w", s.name, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), metaExt)
		if ident.Validate(id) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, id+payloadExt)); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Dequeue reads both halves of an entry. Returns ErrNotFound when either is
// missing — a foreign or incomplete entry to be skipped, not an error.
func (s *Switchboard) Dequeue(id string) (*message.Message, error) {
	payload, err := os.ReadFile(filepath.Join(s.dir, id+payloadExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("switchboard %s: read payload %s: %w", s.name, id, err)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id+metaExt))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("switchboard %s: read meta %s: %w", s.name, id, err)
	}
	meta, err := message.UnmarshalMeta(data)
	if err != nil {
		return nil, fmt.Errorf("switchboard %s: meta %s: %w", s.name, id, err)
	}
	return &message.Message{ID: id, Payload: payload, Meta: *meta}, nil
}

// Finish removes an entry after it has been processed to a terminal
// outcome. The sidecar goes first so a crash mid-Finish leaves an orphan
// payload, never a resurrectable entry.
func (s *Switchboard) Finish(id string) error {
	for _, name := range []string{id + metaExt, id + payloadExt, id + lockExt} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("switchboard %s: finish %s: %w", s.name, id, err)
		}
	}
	return nil
}

// Shunt moves the entry, payload unchanged, into dst (normally the shunt
// queue) and records reason in its metadata. Used when processing fails
// repeatedly or a handler reports an unrecoverable error.
func (s *Switchboard) Shunt(id string, dst *Switchboard, reason string) error {
	msg, err := s.Dequeue(id)
	if err != nil {
		return fmt.Errorf("switchboard %s: shunt %s: %w", s.name, id, err)
	}
	msg.Meta.ShuntReason = reason
	return s.MoveTo(id, dst, &msg.Meta)
}

// MoveTo republishes the entry under the same identifier in dst with the
// given metadata, then removes it here. The copy is published before the
// source is deleted, so a crash can duplicate an entry but never lose one.
func (s *Switchboard) MoveTo(id string, dst *Switchboard, meta *message.Meta) error {
	payload, err := os.ReadFile(filepath.Join(s.dir, id+payloadExt))
	if err != nil {
		return fmt.Errorf("switchboard %s: move %s: %w", s.name, id, err)
	}
	if err := dst.EnqueueAs(id, payload, meta); err != nil {
		return err
	}
	return s.Finish(id)
}

// SweepOrphans removes files older than grace that no complete entry
// accounts for: payload halves without a sidecar (a crash between the two
// enqueue renames), lock markers whose entry is gone (TryClaim can recreate
// one after a concurrent Finish removed the pair), and stale tmp files.
// Returns the number of files removed.
func (s *Switchboard) SweepOrphans(now time.Time, grace time.Duration) (int, error) {
	removed := 0
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("switchboard %s: sweep: %w", s.name, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id string
		switch {
		case strings.HasSuffix(e.Name(), payloadExt):
			id = strings.TrimSuffix(e.Name(), payloadExt)
			if _, err := os.Stat(filepath.Join(s.dir, id+metaExt)); err == nil {
				continue
			}
		case strings.HasSuffix(e.Name(), lockExt):
			id = strings.TrimSuffix(e.Name(), lockExt)
			if _, err := os.Stat(filepath.Join(s.dir, id+metaExt)); err == nil {
				continue
			}
			if _, err := os.Stat(filepath.Join(s.dir, id+payloadExt)); err == nil {
				continue
			}
		default:
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < grace {
			continue
		}
		if os.Remove(filepath.Join(s.dir, e.Name())) == nil {
			removed++
		}
	}
	staged, err := os.ReadDir(filepath.Join(s.dir, tmpDir))
	if err != nil {
		return removed, nil
	}
	for _, e := range staged {
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < grace {
			continue
		}
		if os.Remove(filepath.Join(s.dir, tmpDir, e.Name())) == nil {
			removed++
		}
	}
	return removed, nil
}
