// Package disclosure manages balance disclosure permissions.
//
// A grantor lets one requester either check thresholds against its balance
// up to a ceiling, or read the exact balance. A grant replaces any earlier
// grant between the same pair whatever its type. Permissions expire
// independently per (grantor, requester) pair; expiry is inclusive. A
// grantor revokes by deleting the pair's permission, expired or not.
package disclosure

import (
	"time"

	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
)

const (
	MsgSelfDisclosure    = "cannot grant disclosure to yourself"
	MsgRequesterMissing  = "requester account does not exist"
	MsgGrantorMissing    = "grantor account does not exist"
	MsgNoPermission      = "no disclosure permission"
	MsgExpired           = "disclosure permission expired"
	MsgCeilingExceeded   = "threshold exceeds authorized maximum"
	MsgExactNotPermitted = "permission does not allow exact balance disclosure"
	MsgUnknownType       = "unknown disclosure type"
)

// Expiration is either never, a duration relative to the grant time, or an
// absolute instant.
type Expiration struct {
	after time.Duration
	at    time.Time
}

// Never is the expiration of permanent grants.
func Never() Expiration { return Expiration{} }

// In expires d after the grant. A zero or negative d never expires.
func In(d time.Duration) Expiration {
	if d <= 0 {
		return Never()
	}
	return Expiration{after: d}
}

// At expires at t. A zero t never expires.
func At(t time.Time) Expiration { return Expiration{at: t} }

// IsNever reports whether the expiration never fires.
func (e Expiration) IsNever() bool { return e.after == 0 && e.at.IsZero() }

// Resolve returns the absolute expiry for a grant made at grantedAt, or the
// zero time for grants that never expire.
func (e Expiration) Resolve(grantedAt time.Time) time.Time {
	switch {
	case !e.at.IsZero():
		return e.at.UTC()
	case e.after > 0:
		return grantedAt.Add(e.after).UTC()
	default:
		return time.Time{}
	}
}

// CheckGrant validates grantor granting a permission to requester.
func CheckGrant(v *ledger.View, grantor, requester keys.ID, typ ledger.DisclosureType) error {
	if grantor == requester {
		return errs.Authorization(MsgSelfDisclosure)
	}
	if !typ.Valid() {
		return errs.State(MsgUnknownType)
	}
	if _, ok := v.Account(grantor); !ok {
		return errs.NotFound(MsgGrantorMissing)
	}
	if _, ok := v.Account(requester); !ok {
		return errs.NotFound(MsgRequesterMissing)
	}
	return nil
}

// ApplyGrant creates or overwrites the permission of (grantor, requester).
// expiresAt is absolute; zero never expires.
func ApplyGrant(v *ledger.View, grantor, requester keys.ID, typ ledger.DisclosureType, ceiling uint64, expiresAt, now time.Time) *ledger.DisclosurePermission {
	p := &ledger.DisclosurePermission{
		Grantor:   grantor,
		Requester: requester,
		Type:      typ,
		GrantedAt: now.UTC(),
		ExpiresAt: expiresAt,
	}
	if typ == ledger.DisclosureThreshold {
		p.Ceiling = ceiling
	}
	v.Disclosures[ledger.DisclosureKey{Grantor: grantor, Requester: requester}] = p
	return p
}

func permission(v *ledger.View, requester, grantor keys.ID, now time.Time) (*ledger.DisclosurePermission, error) {
	p, ok := v.Disclosure(grantor, requester)
	if !ok {
		return nil, errs.Authorization(MsgNoPermission)
	}
	if p.Expired(now) {
		return nil, errs.Authorization(MsgExpired)
	}
	return p, nil
}

// CheckThreshold reports whether grantor's balance is at least amount,
// without revealing the balance. An exact permission also allows threshold
// checks, with no ceiling.
func CheckThreshold(v *ledger.View, requester, grantor keys.ID, amount uint64, now time.Time) (bool, error) {
	p, err := permission(v, requester, grantor, now)
	if err != nil {
		return false, err
	}
	if p.Type == ledger.DisclosureThreshold && amount > p.Ceiling {
		return false, errs.Authorization(MsgCeilingExceeded)
	}
	bal, _ := v.Balance(grantor)
	return bal >= amount, nil
}

// CheckExact returns grantor's balance to a requester holding an exact
// permission.
func CheckExact(v *ledger.View, requester, grantor keys.ID, now time.Time) (uint64, error) {
	p, err := permission(v, requester, grantor, now)
	if err != nil {
		return 0, err
	}
	if p.Type != ledger.DisclosureExact {
		return 0, errs.Authorization(MsgExactNotPermitted)
	}
	bal, _ := v.Balance(grantor)
	return bal, nil
}

// CheckRevoke validates grantor revoking the permission held by requester.
func CheckRevoke(v *ledger.View, grantor, requester keys.ID) error {
	if grantor == requester {
		return errs.Authorization(MsgSelfDisclosure)
	}
	if _, ok := v.Disclosure(grantor, requester); !ok {
		return errs.Authorization(MsgNoPermission)
	}
	return nil
}

// ApplyRevoke removes the permission of (grantor, requester).
func ApplyRevoke(v *ledger.View, grantor, requester keys.ID) {
	delete(v.Disclosures, ledger.DisclosureKey{Grantor: grantor, Requester: requester})
}
