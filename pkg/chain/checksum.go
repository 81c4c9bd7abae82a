package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Genesis is the checksum every account's chain starts from.
var Genesis = strings.Repeat("0", 64)

// Fields are the entry fields covered by a chain checksum. Any change to one
// of them after the fact invalidates the checksum of the entry and of every
// entry after it.
type Fields struct {
	AccountID string
	Sequence  int64
	Kind      string
	Amount    int64
	Reference string
	Timestamp time.Time
}

// Next computes the checksum for an entry chained onto prev.
func Next(prev string, f Fields) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%d|%s|%s",
		prev, f.AccountID, f.Sequence, f.Kind, f.Amount, f.Reference,
		f.Timestamp.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Link is one verifiable step of a stored chain: the covered fields plus the
// checksums as they were persisted.
type Link struct {
	Fields
	PrevChecksum string
	Checksum     string
}

// Verify replays links from the genesis checksum, recomputing the chain and
// comparing it against the stored checksums at every step. It returns the
// sequence of the first link that disagrees, or -1 when the whole chain is
// intact. Verify reads only its argument and is safe to run against a
// point-in-time copy while new entries are being appended.
func Verify(links []Link) (bool, int64) {
	prev := Genesis
	for _, l := range links {
		if l.PrevChecksum != prev {
			return false, l.Sequence
		}
		if Next(prev, l.Fields) != l.Checksum {
			return false, l.Sequence
		}
		prev = l.Checksum
	}
	return true, -1
}
