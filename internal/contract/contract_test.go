package contract

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"privbank/internal/authz"
	"privbank/internal/circuit"
	"privbank/internal/claims"
	"privbank/internal/crypto"
	"privbank/internal/disclosure"
	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
	"privbank/internal/projector"
)

// echoVerifier accepts a proof equal to the commitment it is checked against.
type echoVerifier struct{}

func (echoVerifier) Verify(proof []byte, _ keys.ID, commitment []byte) error {
	if bytes.Equal(proof, commitment) {
		return nil
	}
	return circuit.ErrInvalidProof
}

var (
	alice = keys.Normalize("alice")
	bob   = keys.Normalize("bob")
	pins  = map[keys.ID]string{alice: "1234", bob: "2222"}
)

func witness(user keys.ID) circuit.Witness {
	return circuit.Witness{User: user, Proof: crypto.PinCommitment(user, pins[user])}
}

type harness struct {
	t    *testing.T
	node *ledger.Node
	c    *Contract
	now  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node := ledger.NewNode()
	genesis, err := Genesis()
	require.NoError(t, err)
	addr, err := node.Deploy(context.Background(), genesis)
	require.NoError(t, err)
	h := &harness{t: t, node: node, now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	h.c = New(node, addr, echoVerifier{})
	h.c.SetNowFunc(func() time.Time { return h.now })
	return h
}

func (h *harness) invoke(args circuit.Args) (*circuit.Receipt, error) {
	return h.c.Invoke(context.Background(), args)
}

func (h *harness) must(args circuit.Args) *circuit.Receipt {
	h.t.Helper()
	r, err := h.invoke(args)
	require.NoError(h.t, err)
	return r
}

func (h *harness) view() *ledger.View {
	h.t.Helper()
	snap, err := h.node.Read(context.Background(), h.c.Address())
	require.NoError(h.t, err)
	v, err := projector.Project(snap)
	require.NoError(h.t, err)
	return v
}

func (h *harness) create(user keys.ID, deposit uint64) {
	h.t.Helper()
	h.must(circuit.CreateAccount{
		Witness:        witness(user),
		Commitment:     crypto.PinCommitment(user, pins[user]),
		InitialDeposit: deposit,
	})
}

func TestAccountLifecycle(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 5000)

	r := h.must(circuit.Deposit{Witness: witness(alice), Amount: 2500})
	require.Equal(t, uint64(7500), r.Value)
	r = h.must(circuit.Withdraw{Witness: witness(alice), Amount: 1000})
	require.Equal(t, uint64(6500), r.Value)
	r = h.must(circuit.VerifyAccountStatus{Witness: witness(alice)})
	require.Equal(t, ledger.StatusVerified, r.Status)

	v := h.view()
	acct, ok := v.Account(alice)
	require.True(t, ok)
	require.Equal(t, ledger.StatusVerified, acct.Status)
	require.Equal(t, uint64(4), acct.TxCount)
	require.Equal(t, r.TxHash, acct.LastTxHash)
	require.Equal(t, uint64(6500), v.Balances[alice])
	require.Equal(t, uint64(4), r.Height)
}

func TestFailuresAreTypedAndAtomic(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 100)
	before := h.view()

	_, err := h.invoke(circuit.CreateAccount{Witness: witness(alice), Commitment: crypto.PinCommitment(alice, "1234")})
	require.ErrorIs(t, err, errs.State(MsgAccountExists))

	_, err = h.invoke(circuit.Withdraw{Witness: witness(alice), Amount: 101})
	require.ErrorIs(t, err, errs.State(authz.MsgInsufficientFunds))
	var ce *circuit.Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, circuit.OpWithdraw, ce.Op)
	require.Equal(t, authz.MsgInsufficientFunds, ce.Reason)

	_, err = h.invoke(circuit.Deposit{Witness: circuit.Witness{User: alice, Proof: []byte("wrong")}, Amount: 1})
	require.ErrorIs(t, err, errs.ErrAuthentication)

	_, err = h.invoke(circuit.Deposit{Witness: witness(bob), Amount: 1})
	require.ErrorIs(t, err, errs.ErrNotFound)

	after := h.view()
	require.Equal(t, before.Accounts, after.Accounts)
	require.Equal(t, before.Balances, after.Balances)
	require.Equal(t, before.Height, after.Height)
}

func TestQueriesAdvanceCounter(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 42)
	r := h.must(circuit.GetTokenBalance{Witness: witness(alice)})
	require.Equal(t, uint64(42), r.Value)
	acct, _ := h.view().Account(alice)
	require.Equal(t, uint64(2), acct.TxCount)
}

func TestSuspendedAccountCannotVerify(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 1)
	_, err := h.node.Commit(context.Background(), h.c.Address(), func(s ledger.Snapshot) ([]byte, error) {
		v, err := projector.Project(&s)
		require.NoError(t, err)
		v.Accounts[alice].Status = ledger.StatusSuspended
		return ledger.Encode(v)
	})
	require.NoError(t, err)

	_, err = h.invoke(circuit.VerifyAccountStatus{Witness: witness(alice)})
	require.ErrorIs(t, err, errs.State(MsgSuspended))
	_, err = h.invoke(circuit.GetTokenBalance{Witness: witness(alice)})
	require.NoError(t, err)
}

func TestAuthorizeSendClaim(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 10000)
	h.create(bob, 0)
	bobKeys := crypto.DeriveKeyPair(bob, pins[bob])

	_, err := h.invoke(circuit.SendToAuthorized{Witness: witness(alice), Recipient: bob, Amount: 1})
	require.ErrorIs(t, err, errs.Authorization(authz.MsgNoAuthorization))

	_, err = h.invoke(circuit.RequestAuthorization{Witness: witness(alice), Recipient: alice})
	require.ErrorIs(t, err, errs.Authorization(authz.MsgSelfAuthorization))

	h.must(circuit.RequestAuthorization{Witness: witness(alice), Recipient: bob})
	_, err = h.invoke(circuit.ApproveAuthorization{Witness: witness(bob), Sender: alice, MaxAmount: 5000, ClaimKey: []byte{1}})
	require.ErrorIs(t, err, errs.State(MsgBadClaimKey))
	h.must(circuit.ApproveAuthorization{Witness: witness(bob), Sender: alice, MaxAmount: 5000, ClaimKey: bobKeys.PublicBytes()})

	auth, ok := h.view().Authorization(alice, bob)
	require.True(t, ok)

	_, err = h.invoke(circuit.SendToAuthorized{Witness: witness(alice), Recipient: bob, Amount: 5001})
	require.ErrorIs(t, err, errs.Authorization(authz.MsgLimitExceeded))

	sealed, sent, err := claims.Seal(auth, 3000)
	require.NoError(t, err)
	r := h.must(circuit.SendToAuthorized{Witness: witness(alice), Recipient: bob, Amount: 3000, Sealed: *sealed, Blinding: sent.Blinding})
	require.Equal(t, uint64(7000), r.Value)
	require.Equal(t, uint64(0), h.view().Balances[bob])

	_, artifact, err := claims.CheckClaim(h.view(), bob, alice)
	require.NoError(t, err)
	opening, err := claims.Open(bobKeys, artifact)
	require.NoError(t, err)

	r = h.must(circuit.ClaimAuthorizedTransfer{Witness: witness(bob), Sender: alice, Opening: *opening})
	require.Equal(t, uint64(3000), r.Value)
	require.Equal(t, uint64(3000), h.view().Balances[bob])

	_, err = h.invoke(circuit.ClaimAuthorizedTransfer{Witness: witness(bob), Sender: alice, Opening: *opening})
	require.ErrorIs(t, err, errs.State(claims.MsgNothingToClaim))
}

func TestDisclosureExpiresWithClock(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 15000)
	h.create(bob, 0)

	h.must(circuit.GrantDisclosure{
		Witness:   witness(alice),
		Requester: bob,
		Type:      ledger.DisclosureThreshold,
		Ceiling:   10000,
		ExpiresAt: disclosure.In(time.Hour).Resolve(h.now),
	})

	r := h.must(circuit.VerifyThreshold{Witness: witness(bob), Grantor: alice, Amount: 10000})
	require.True(t, r.Holds)
	_, err := h.invoke(circuit.VerifyThreshold{Witness: witness(bob), Grantor: alice, Amount: 20000})
	require.ErrorIs(t, err, errs.Authorization(disclosure.MsgCeilingExceeded))
	_, err = h.invoke(circuit.GetDisclosedBalance{Witness: witness(bob), Grantor: alice})
	require.ErrorIs(t, err, errs.Authorization(disclosure.MsgExactNotPermitted))

	h.now = h.now.Add(time.Hour)
	_, err = h.invoke(circuit.VerifyThreshold{Witness: witness(bob), Grantor: alice, Amount: 1})
	require.ErrorIs(t, err, errs.Authorization(disclosure.MsgExpired))
}

func TestSendRejectsSealedAmountOtherThanDebit(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 1000)
	h.create(bob, 0)
	bobKeys := crypto.DeriveKeyPair(bob, pins[bob])
	h.must(circuit.RequestAuthorization{Witness: witness(alice), Recipient: bob})
	h.must(circuit.ApproveAuthorization{Witness: witness(bob), Sender: alice, MaxAmount: 500, ClaimKey: bobKeys.PublicBytes()})
	auth, ok := h.view().Authorization(alice, bob)
	require.True(t, ok)

	inflated, inflatedOpening, err := claims.Seal(auth, 1_000_000)
	require.NoError(t, err)
	_, err = h.invoke(circuit.SendToAuthorized{
		Witness: witness(alice), Recipient: bob, Amount: 100,
		Sealed: *inflated, Blinding: inflatedOpening.Blinding,
	})
	require.ErrorIs(t, err, errs.State(claims.MsgSealMismatch))

	_, err = h.invoke(circuit.SendToAuthorized{Witness: witness(alice), Recipient: bob, Amount: 100, Sealed: *inflated})
	require.ErrorIs(t, err, errs.State(claims.MsgSealMismatch))

	v := h.view()
	require.Equal(t, uint64(1000), v.Balances[alice])
	require.Empty(t, v.Claims)

	sealed, sent, err := claims.Seal(auth, 100)
	require.NoError(t, err)
	h.must(circuit.SendToAuthorized{Witness: witness(alice), Recipient: bob, Amount: 100, Sealed: *sealed, Blinding: sent.Blinding})
	_, artifact, err := claims.CheckClaim(h.view(), bob, alice)
	require.NoError(t, err)
	opening, err := claims.Open(bobKeys, artifact)
	require.NoError(t, err)
	h.must(circuit.ClaimAuthorizedTransfer{Witness: witness(bob), Sender: alice, Opening: *opening})

	v = h.view()
	require.Equal(t, uint64(900), v.Balances[alice])
	require.Equal(t, uint64(100), v.Balances[bob])
}

func TestRevokeAuthorizationAndDisclosure(t *testing.T) {
	h := newHarness(t)
	h.create(alice, 1000)
	h.create(bob, 0)
	bobKeys := crypto.DeriveKeyPair(bob, pins[bob])

	_, err := h.invoke(circuit.RevokeAuthorization{Witness: witness(bob), Sender: alice})
	require.ErrorIs(t, err, errs.Authorization(authz.MsgNothingToRevoke))

	h.must(circuit.RequestAuthorization{Witness: witness(alice), Recipient: bob})
	h.must(circuit.ApproveAuthorization{Witness: witness(bob), Sender: alice, MaxAmount: 500, ClaimKey: bobKeys.PublicBytes()})
	auth, _ := h.view().Authorization(alice, bob)
	sealed, sent, err := claims.Seal(auth, 200)
	require.NoError(t, err)
	h.must(circuit.SendToAuthorized{Witness: witness(alice), Recipient: bob, Amount: 200, Sealed: *sealed, Blinding: sent.Blinding})

	_, err = h.invoke(circuit.RevokeAuthorization{Witness: witness(bob), Sender: alice})
	require.ErrorIs(t, err, errs.State(authz.MsgClaimPending))

	_, artifact, err := claims.CheckClaim(h.view(), bob, alice)
	require.NoError(t, err)
	opening, err := claims.Open(bobKeys, artifact)
	require.NoError(t, err)
	h.must(circuit.ClaimAuthorizedTransfer{Witness: witness(bob), Sender: alice, Opening: *opening})
	h.must(circuit.RevokeAuthorization{Witness: witness(bob), Sender: alice})

	v := h.view()
	a, ok := v.Authorization(alice, bob)
	require.True(t, ok)
	require.False(t, a.Active)
	_, err = h.invoke(circuit.SendToAuthorized{Witness: witness(alice), Recipient: bob, Amount: 1})
	require.ErrorIs(t, err, errs.Authorization(authz.MsgNoAuthorization))
	require.Equal(t, uint64(1000), v.Balances[alice]+v.Balances[bob])

	h.must(circuit.GrantDisclosure{Witness: witness(alice), Requester: bob, Type: ledger.DisclosureExact})
	r := h.must(circuit.GetDisclosedBalance{Witness: witness(bob), Grantor: alice})
	require.Equal(t, uint64(800), r.Value)
	_, err = h.invoke(circuit.RevokeDisclosure{Witness: witness(bob), Requester: alice})
	require.ErrorIs(t, err, errs.Authorization(disclosure.MsgNoPermission))
	h.must(circuit.RevokeDisclosure{Witness: witness(alice), Requester: bob})
	_, err = h.invoke(circuit.GetDisclosedBalance{Witness: witness(bob), Grantor: alice})
	require.ErrorIs(t, err, errs.Authorization(disclosure.MsgNoPermission))
}
