package disclosure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
)

var (
	alice = keys.Normalize("alice")
	bob   = keys.Normalize("bob")
	carol = keys.Normalize("carol")
	t0    = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func accounts() *ledger.View {
	v := ledger.NewView()
	for _, id := range []keys.ID{alice, bob, carol} {
		v.Accounts[id] = &ledger.Account{Status: ledger.StatusActive}
	}
	v.Balances[alice] = 15000
	return v
}

func TestExpiration(t *testing.T) {
	require.True(t, Never().IsNever())
	require.True(t, In(0).IsNever())
	require.True(t, In(-time.Second).IsNever())
	require.True(t, Never().Resolve(t0).IsZero())
	require.Equal(t, t0.Add(time.Hour), In(time.Hour).Resolve(t0))
	at := t0.Add(24 * time.Hour)
	require.Equal(t, at, At(at).Resolve(t0))
}

func TestGrantRules(t *testing.T) {
	v := accounts()
	require.ErrorIs(t, CheckGrant(v, alice, alice, ledger.DisclosureExact), errs.Authorization(MsgSelfDisclosure))
	require.ErrorIs(t, CheckGrant(v, alice, keys.Normalize("dave"), ledger.DisclosureExact), errs.NotFound(MsgRequesterMissing))
	require.ErrorIs(t, CheckGrant(v, alice, bob, "partial"), errs.ErrState)
	require.NoError(t, CheckGrant(v, alice, bob, ledger.DisclosureThreshold))
}

func TestThresholdCeiling(t *testing.T) {
	v := accounts()
	ApplyGrant(v, alice, bob, ledger.DisclosureThreshold, 10000, Never().Resolve(t0), t0)

	holds, err := CheckThreshold(v, bob, alice, 10000, t0)
	require.NoError(t, err)
	require.True(t, holds)

	_, err = CheckThreshold(v, bob, alice, 20000, t0)
	require.ErrorIs(t, err, errs.Authorization(MsgCeilingExceeded))

	_, err = CheckExact(v, bob, alice, t0)
	require.ErrorIs(t, err, errs.Authorization(MsgExactNotPermitted))

	_, err = CheckThreshold(v, carol, alice, 1, t0)
	require.ErrorIs(t, err, errs.Authorization(MsgNoPermission))
}

func TestThresholdBelowBalanceDoesNotHold(t *testing.T) {
	v := accounts()
	v.Balances[alice] = 50
	ApplyGrant(v, alice, bob, ledger.DisclosureThreshold, 100, time.Time{}, t0)
	holds, err := CheckThreshold(v, bob, alice, 100, t0)
	require.NoError(t, err)
	require.False(t, holds)
}

func TestExpiryIsInclusiveAndPerPair(t *testing.T) {
	v := accounts()
	ApplyGrant(v, alice, bob, ledger.DisclosureExact, 0, In(time.Hour).Resolve(t0), t0)
	ApplyGrant(v, alice, carol, ledger.DisclosureThreshold, 100, At(t0.Add(2*time.Hour)).Resolve(t0), t0)

	bal, err := CheckExact(v, bob, alice, t0.Add(time.Hour-time.Nanosecond))
	require.NoError(t, err)
	require.Equal(t, uint64(15000), bal)

	_, err = CheckExact(v, bob, alice, t0.Add(time.Hour))
	require.ErrorIs(t, err, errs.Authorization(MsgExpired))

	holds, err := CheckThreshold(v, carol, alice, 100, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, holds)

	_, err = CheckThreshold(v, carol, alice, 100, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, errs.Authorization(MsgExpired))
}

func TestGrantReplacesPriorGrant(t *testing.T) {
	v := accounts()
	ApplyGrant(v, alice, bob, ledger.DisclosureExact, 0, time.Time{}, t0)
	ApplyGrant(v, alice, bob, ledger.DisclosureThreshold, 500, time.Time{}, t0)

	_, err := CheckExact(v, bob, alice, t0)
	require.ErrorIs(t, err, errs.ErrAuthorization)
	p, ok := v.Disclosure(alice, bob)
	require.True(t, ok)
	require.Equal(t, uint64(500), p.Ceiling)
}

func TestRevokeRemovesOnlyThatPair(t *testing.T) {
	v := accounts()
	require.ErrorIs(t, CheckRevoke(v, alice, bob), errs.Authorization(MsgNoPermission))
	require.ErrorIs(t, CheckRevoke(v, alice, alice), errs.Authorization(MsgSelfDisclosure))

	ApplyGrant(v, alice, bob, ledger.DisclosureExact, 0, time.Time{}, t0)
	ApplyGrant(v, alice, carol, ledger.DisclosureThreshold, 500, t0.Add(time.Hour), t0)

	require.NoError(t, CheckRevoke(v, alice, bob))
	ApplyRevoke(v, alice, bob)
	_, err := CheckExact(v, bob, alice, t0)
	require.ErrorIs(t, err, errs.Authorization(MsgNoPermission))
	_, err = CheckThreshold(v, bob, alice, 1, t0)
	require.ErrorIs(t, err, errs.Authorization(MsgNoPermission))

	holds, err := CheckThreshold(v, carol, alice, 500, t0)
	require.NoError(t, err)
	require.True(t, holds)

	require.NoError(t, CheckRevoke(v, alice, carol))
	ApplyRevoke(v, alice, carol)
	require.Empty(t, v.Disclosures)
}
