// ledger.go - Typed tables of the public banking ledger.
//
// A View is the decoded form of one committed snapshot: accounts, token
// balances, authorizations, pending authorization requests, encrypted claims
// and disclosure permissions. Views are values; mutate a Clone, never a view
// that has been handed to subscribers.

package ledger

import (
	"encoding/hex"
	"fmt"
	"time"

	"privbank/internal/keys"
)

// Hash is a 32-byte ledger identifier or digest.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("ledger: invalid hash: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("ledger: hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Status is an account lifecycle state.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusInactive  Status = "inactive"
	StatusActive    Status = "active"
	StatusVerified  Status = "verified"
	StatusSuspended Status = "suspended"
)

func (s Status) rank() int {
	switch s {
	case StatusInactive:
		return 1
	case StatusActive:
		return 2
	case StatusVerified:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known account status.
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusVerified, StatusSuspended:
		return true
	}
	return false
}

// CanBecome reports whether an account may move from s to next. Statuses
// only move forward, except that any account may be suspended and a
// suspended account may be reinstated to any status.
func (s Status) CanBecome(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == StatusSuspended || next == StatusSuspended {
		return true
	}
	return next.rank() >= s.rank()
}

// Account is a row of the account table. Presence in the table is the
// existence flag.
type Account struct {
	Owner      []byte
	Status     Status
	TxCount    uint64
	LastTxHash Hash
}

// Authorization is a standing permission for Sender to send to Recipient up
// to MaxAmount. ClaimKey is the recipient's public key for sealed amounts.
type Authorization struct {
	ID        Hash
	Sender    keys.ID
	Recipient keys.ID
	MaxAmount uint64
	Active    bool
	ClaimKey  []byte
}

// RequestStatus is the state of a pending authorization request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

type PendingAuthRequest struct {
	ID          Hash
	Sender      keys.ID
	Recipient   keys.ID
	RequestedAt time.Time
	Status      RequestStatus
}

// EncryptedClaim is the single unclaimed artifact of an authorization.
type EncryptedClaim struct {
	AuthID     Hash
	Ephemeral  []byte
	Ciphertext []byte
	Commitment []byte
}

// DisclosureType scopes what a disclosure permission reveals.
type DisclosureType string

const (
	DisclosureThreshold DisclosureType = "threshold"
	DisclosureExact     DisclosureType = "exact"
)

func (t DisclosureType) Valid() bool {
	return t == DisclosureThreshold || t == DisclosureExact
}

// DisclosureKey identifies a permission by (grantor, requester).
type DisclosureKey struct {
	Grantor   keys.ID
	Requester keys.ID
}

// DisclosurePermission lets Requester learn facts about Grantor's balance.
// A zero ExpiresAt never expires.
type DisclosurePermission struct {
	Grantor   keys.ID
	Requester keys.ID
	Type      DisclosureType
	Ceiling   uint64
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the permission has expired at now. Expiry is
// inclusive: a permission expiring at t is already expired at t.
func (p *DisclosurePermission) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// View is a decoded ledger snapshot.
type View struct {
	Height         uint64
	Accounts       map[keys.ID]*Account
	Balances       map[keys.ID]uint64
	Authorizations map[Hash]*Authorization
	Requests       map[Hash]*PendingAuthRequest
	Claims         map[Hash]*EncryptedClaim
	Disclosures    map[DisclosureKey]*DisclosurePermission
}

// NewView returns an empty view.
func NewView() *View {
	return &View{
		Accounts:       make(map[keys.ID]*Account),
		Balances:       make(map[keys.ID]uint64),
		Authorizations: make(map[Hash]*Authorization),
		Requests:       make(map[Hash]*PendingAuthRequest),
		Claims:         make(map[Hash]*EncryptedClaim),
		Disclosures:    make(map[DisclosureKey]*DisclosurePermission),
	}
}

func (v *View) Account(id keys.ID) (*Account, bool) {
	a, ok := v.Accounts[id]
	return a, ok
}

// Balance returns the public token balance of id. The second result is
// false when the balance table has no row for id.
func (v *View) Balance(id keys.ID) (uint64, bool) {
	b, ok := v.Balances[id]
	return b, ok
}

func (v *View) Authorization(sender, recipient keys.ID) (*Authorization, bool) {
	a, ok := v.Authorizations[AuthorizationID(sender, recipient)]
	return a, ok
}

func (v *View) Request(sender, recipient keys.ID) (*PendingAuthRequest, bool) {
	r, ok := v.Requests[RequestID(sender, recipient)]
	return r, ok
}

func (v *View) Claim(authID Hash) (*EncryptedClaim, bool) {
	c, ok := v.Claims[authID]
	return c, ok
}

func (v *View) Disclosure(grantor, requester keys.ID) (*DisclosurePermission, bool) {
	p, ok := v.Disclosures[DisclosureKey{Grantor: grantor, Requester: requester}]
	return p, ok
}

// Clone returns a deep copy of v.
func (v *View) Clone() *View {
	out := NewView()
	out.Height = v.Height
	for k, a := range v.Accounts {
		c := *a
		c.Owner = append([]byte(nil), a.Owner...)
		out.Accounts[k] = &c
	}
	for k, b := range v.Balances {
		out.Balances[k] = b
	}
	for k, a := range v.Authorizations {
		c := *a
		c.ClaimKey = append([]byte(nil), a.ClaimKey...)
		out.Authorizations[k] = &c
	}
	for k, r := range v.Requests {
		c := *r
		out.Requests[k] = &c
	}
	for k, cl := range v.Claims {
		c := EncryptedClaim{
			AuthID:     cl.AuthID,
			Ephemeral:  append([]byte(nil), cl.Ephemeral...),
			Ciphertext: append([]byte(nil), cl.Ciphertext...),
			Commitment: append([]byte(nil), cl.Commitment...),
		}
		out.Claims[k] = &c
	}
	for k, p := range v.Disclosures {
		c := *p
		out.Disclosures[k] = &c
	}
	return out
}
