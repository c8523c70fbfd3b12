package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the sliding window within which a repeated submission
// is considered a duplicate.
const DefaultWindow = 5 * time.Minute

// Deduplicator rejects functionally-equivalent job submissions seen within
// a sliding window. Entries expire lazily on each query.
type Deduplicator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time // fingerprint -> recorded at
}

// New creates a deduplicator. A non-positive window falls back to
// DefaultWindow.
func New(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Fingerprint hashes the identifying parts of a submission: workflow id,
// target robot ("any" when untargeted) and sorted k=v params. Truncated to
// 16 hex chars.
func Fingerprint(workflowID, robotID string, params map[string]string) string {
	if robotID == "" {
		robotID = "any"
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(workflowID)
	sb.WriteByte(':')
	sb.WriteString(robotID)
	for _, k := range keys {
		sb.WriteByte(':')
		sb.WriteString(fmt.Sprintf("%s=%s", k, params[k]))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// IsDuplicate reports whether the fingerprint was recorded within the
// window, without recording it.
func (d *Deduplicator) IsDuplicate(fingerprint string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.purge(now)
	_, ok := d.seen[fingerprint]
	return ok
}

// Record marks the fingerprint as seen at now.
func (d *Deduplicator) Record(fingerprint string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.purge(now)
	d.seen[fingerprint] = now
}

// Check is IsDuplicate followed by Record when the fingerprint is new.
// Returns true when the submission should be admitted.
func (d *Deduplicator) Check(fingerprint string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.purge(now)
	if _, ok := d.seen[fingerprint]; ok {
		return false
	}
	d.seen[fingerprint] = now
	return true
}

// Size returns the number of live fingerprints.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// purge removes expired fingerprints. Caller holds d.mu.
func (d *Deduplicator) purge(now time.Time) {
	cutoff := now.Add(-d.window)
	for fp, at := range d.seen {
		if at.Before(cutoff) || at.Equal(cutoff) {
			delete(d.seen, fp)
		}
	}
}
