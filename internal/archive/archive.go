// Package archive appends accepted postings to a per-list mbox spool.
// Rendering the spool into browsable pages is an external concern; the
// pipeline only feeds it content.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-mbox"
)

// Writer appends messages to <dir>/<list>.mbox. Appends within one process
// are serialised; the mbox writer takes care of From-line quoting so an
// appended payload cannot break the spool format.
type Writer struct {
	mu  sync.Mutex
	dir string
}

// New ensures dir exists and returns a Writer over it.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Append adds one message to the named list's spool. sender goes into the
// mbox From line; a null or unparsable envelope falls back to a marker
// address so the spool stays machine-readable.
func (w *Writer) Append(listName, sender string, received time.Time, raw []byte) error {
	if sender == "" || strings.ContainsAny(sender, " \t\r\n") {
		sender = "MAILER-DAEMON"
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := filepath.Join(w.dir, listName+".mbox")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	mw := mbox.NewWriter(f)
	msg, err := mw.CreateMessage(sender, received)
	if err != nil {
		return fmt.Errorf("archive: %s: %w", listName, err)
	}
	if _, err := msg.Write(raw); err != nil {
		return fmt.Errorf("archive: %s: %w", listName, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("archive: %s: %w", listName, err)
	}
	return f.Sync()
}
