package market

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// Eval reports whether journal satisfies the predicate.
func (p Predicate) Eval(journal []byte) (bool, error) {
	switch p.Type {
	case PredicateDigestMatch:
		digest := sha256.Sum256(journal)
		return bytes.Equal(digest[:], p.Data), nil
	case PredicatePrefixMatch:
		return bytes.HasPrefix(journal, p.Data), nil
	default:
		// claim digests need the image id and exit code of a receipt, which a
		// journal-only preflight does not have.
		return false, fmt.Errorf("predicate %s cannot be evaluated against a journal", p.Type)
	}
}
