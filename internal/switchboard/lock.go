package switchboard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Claim is an exclusive ownership of one queued entry, held for the
// duration of a pipeline run. The claim is an flock on the entry's lock
// marker: it lapses automatically when the holding process dies, so a
// crashed runner's messages become reclaimable on the next scan without
// any recovery step.
type Claim struct {
	id string
	f  *os.File
}

// ID returns the claimed entry's identifier.
func (c *Claim) ID() string { return c.id }

// Release drops the claim. The lock marker is left in place; Finish and
// Shunt remove it together with the entry.
func (c *Claim) Release() {
	if c.f != nil {
		_ = unix.Flock(int(c.f.Fd()), unix.LOCK_UN)
		_ = c.f.Close()
		c.f = nil
	}
}

// TryClaim attempts a non-blocking exclusive claim on id. It returns
// (nil, nil) when another runner already owns the entry — the caller skips
// it and moves on. Several runners may share one switchboard directory for
// horizontal throughput; this is the mechanism that prevents them from
// double-processing.
func (s *Switchboard) TryClaim(id string) (*Claim, error) {
	path := filepath.Join(s.dir, id+lockExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("switchboard %s: open lock %s: %w", s.name, id, err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("switchboard %s: flock %s: %w", s.name, id, err)
	}
	return &Claim{id: id, f: f}, nil
}
