package claims

import (
	"testing"

	"github.com/stretchr/testify/require"

	"privbank/internal/crypto"
	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
)

var (
	alice = keys.Normalize("alice")
	bob   = keys.Normalize("bob")
)

func authorized(t *testing.T) (*ledger.View, *ledger.Authorization, *crypto.KeyPair) {
	t.Helper()
	kp := crypto.DeriveKeyPair(bob, "2222")
	v := ledger.NewView()
	v.Balances[bob] = 100
	id := ledger.AuthorizationID(alice, bob)
	a := &ledger.Authorization{ID: id, Sender: alice, Recipient: bob, MaxAmount: 5000, Active: true, ClaimKey: kp.PublicBytes()}
	v.Authorizations[id] = a
	return v, a, kp
}

func TestClaimConsumesArtifact(t *testing.T) {
	v, a, kp := authorized(t)

	_, _, err := CheckClaim(v, bob, alice)
	require.ErrorIs(t, err, errs.State(MsgNothingToClaim))

	sealed, sent, err := Seal(a, 3000)
	require.NoError(t, err)
	require.NoError(t, CheckSealed(a, 3000, sealed, sent.Blinding))
	require.False(t, Record(v, a, sealed))

	_, c, err := CheckClaim(v, bob, alice)
	require.NoError(t, err)
	o, err := Open(kp, c)
	require.NoError(t, err)
	require.Equal(t, uint64(3000), o.Amount)

	amount, err := Consume(v, bob, alice, o)
	require.NoError(t, err)
	require.Equal(t, uint64(3000), amount)
	require.Equal(t, uint64(3100), v.Balances[bob])

	_, err = Consume(v, bob, alice, o)
	require.ErrorIs(t, err, errs.State(MsgNothingToClaim))
}

func TestRepeatedSendsOverwriteSlot(t *testing.T) {
	v, a, kp := authorized(t)
	first, _, err := Seal(a, 1000)
	require.NoError(t, err)
	second, _, err := Seal(a, 2000)
	require.NoError(t, err)

	require.False(t, Record(v, a, first))
	require.True(t, Record(v, a, second))

	_, c, err := CheckClaim(v, bob, alice)
	require.NoError(t, err)
	o, err := Open(kp, c)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), o.Amount)
}

func TestForgedOpeningRejected(t *testing.T) {
	v, a, kp := authorized(t)
	sealed, _, err := Seal(a, 500)
	require.NoError(t, err)
	Record(v, a, sealed)

	_, c, err := CheckClaim(v, bob, alice)
	require.NoError(t, err)
	o, err := Open(kp, c)
	require.NoError(t, err)

	forged := *o
	forged.Amount = 50000
	_, err = Consume(v, bob, alice, &forged)
	require.ErrorIs(t, err, errs.State(MsgArtifactInvalid))
	require.Contains(t, v.Claims, a.ID)

	_, err = Open(crypto.DeriveKeyPair(bob, "0000"), c)
	require.ErrorIs(t, err, errs.ErrState)
}

func TestClaimWithoutAuthorization(t *testing.T) {
	_, _, err := CheckClaim(ledger.NewView(), bob, alice)
	require.ErrorIs(t, err, errs.ErrAuthorization)
}

func TestSealedAmountMustMatchDebit(t *testing.T) {
	_, a, _ := authorized(t)
	sealed, sent, err := Seal(a, 1_000_000)
	require.NoError(t, err)

	require.ErrorIs(t, CheckSealed(a, 100, sealed, sent.Blinding), errs.State(MsgSealMismatch))
	require.ErrorIs(t, CheckSealed(a, 1_000_000, sealed, nil), errs.State(MsgSealMismatch))
	require.NoError(t, CheckSealed(a, 1_000_000, sealed, sent.Blinding))

	other := *a
	other.ID = ledger.AuthorizationID(bob, alice)
	require.ErrorIs(t, CheckSealed(&other, 1_000_000, sealed, sent.Blinding), errs.State(MsgSealMismatch))
}
