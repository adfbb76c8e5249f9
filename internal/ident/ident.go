// Package ident generates the unique identifiers used throughout listq:
// queued-message IDs, hold-record IDs, and notice Message-IDs.
//
// IDs are ULID strings: time-sortable and globally unique, so a directory
// listing of queue entries enumerates in approximate arrival order and an
// identifier, once assigned, is never reused.
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// monoEntropy is a package-level monotone entropy source shared across all
// NewID calls. A single shared source keeps ULIDs lexicographically ordered
// even when several are generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a fresh ULID string.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNewID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string. The
// switchboard uses this to ignore foreign files that stray into queue
// directories.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}
