// Package receiptstore implements the append-only Receipt Ledger described
// in spec.md §4.B: a single file mapping blob id to the signer's public key
// at ingestion time.
package receiptstore

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("receiptstore")

// Ledger appends lines of the form "{blob_id}|{public_key_b64}\n" to a
// single file, serialised by a mutex, matching spec.md's invariant I6:
// existing lines are never modified.
type Ledger struct {
	path        string
	mu          sync.Mutex
	devFallback bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// AllowDevFallback enables the testability concession described in
// spec.md §4.B / §9: when the Signer yields no public key, a deterministic
// placeholder derived from the blob id is written instead of skipping the
// receipt. Production wiring should leave this off (see DESIGN.md).
func AllowDevFallback() Option {
	return func(l *Ledger) { l.devFallback = true }
}

// New opens (creating if absent) the receipt ledger file at path.
func New(path string, opts ...Option) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening receipts file: %w", err)
	}
	f.Close()

	l := &Ledger{path: path}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append records a receipt binding blobID to publicKeyB64. If publicKeyB64
// is empty and dev-fallback is enabled, a stable placeholder tied to the
// blob id is written so lookup never returns empty. Without dev-fallback,
// an empty key means the receipt is skipped entirely (a verification-gap
// the caller should log, per spec.md §9's production recommendation).
func (l *Ledger) Append(blobID, publicKeyB64 string) error {
	if publicKeyB64 == "" {
		if !l.devFallback {
			log.Warnw("skipping receipt: no signer available", "blob_id", blobID)
			return nil
		}
		publicKeyB64 = fallbackKey(blobID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening receipts file for append: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s|%s\n", blobID, publicKeyB64)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending receipt: %w", err)
	}
	return f.Sync()
}

// fallbackKey derives a deterministic, non-empty base64 placeholder from
// the blob id so tests without a signing backend still observe a
// decodable, non-empty receipt suffix (spec.md §8's round-trip property).
func fallbackKey(blobID string) string {
	sum := sha256.Sum256([]byte("meshrabiya-dev-fallback:" + blobID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Entry is one parsed line of the receipt ledger.
type Entry struct {
	BlobID       string
	PublicKeyB64 string
}

// ReadAll parses every line in the ledger file at path.
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receipts file: %w", err)
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		entries = append(entries, Entry{BlobID: parts[0], PublicKeyB64: parts[1]})
	}
	return entries, nil
}
