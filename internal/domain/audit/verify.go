package audit

import (
	"github.com/google/uuid"
)

// VerifyResult is the outcome of recomputing a chain segment. A tampered
// chain is fatal for automated processing of that organization's ledger and
// is never auto-corrected.
type VerifyResult struct {
	Valid       bool
	Checked     int64
	TamperedAt  *uuid.UUID // first tampered or corrupted entry
	TamperedSeq int64
}

// Valid builds a passing result
func ValidResult(checked int64) VerifyResult {
	return VerifyResult{Valid: true, Checked: checked}
}

// TamperedAtEntry builds a failing result identifying the first bad entry
func TamperedAtEntry(e *Entry, checked int64) VerifyResult {
	id := e.ID
	return VerifyResult{Valid: false, Checked: checked, TamperedAt: &id, TamperedSeq: e.Sequence}
}

// VerifyChain walks entries (which must be ordered by ascending sequence and
// gap-free from the given previous hash) and returns the first mismatch.
// prevHash is GenesisHash when the slice starts at sequence 1, otherwise the
// stored integrity hash of the entry preceding the range.
func VerifyChain(entries []*Entry, prevHash string) VerifyResult {
	var checked int64
	for _, e := range entries {
		if e.PreviousHash != prevHash || !e.IntegrityOK() {
			return TamperedAtEntry(e, checked)
		}
		prevHash = e.IntegrityHash
		checked++
	}
	return ValidResult(checked)
}
