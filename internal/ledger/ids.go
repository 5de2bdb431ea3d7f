package ledger

import (
	"lukechampine.com/blake3"

	"privbank/internal/keys"
)

func pairID(tag string, sender, recipient keys.ID) Hash {
	s, r := sender.Key(), recipient.Key()
	buf := make([]byte, 0, len(tag)+2*keys.Size)
	buf = append(buf, tag...)
	buf = append(buf, s[:]...)
	buf = append(buf, r[:]...)
	return blake3.Sum256(buf)
}

// AuthorizationID derives the id of the authorization for an ordered
// (sender, recipient) pair. Encrypted claims are keyed by the same id.
func AuthorizationID(sender, recipient keys.ID) Hash {
	return pairID("authorization", sender, recipient)
}

// RequestID derives the id of the pending request for an ordered pair.
func RequestID(sender, recipient keys.ID) Hash {
	return pairID("auth-request", sender, recipient)
}
