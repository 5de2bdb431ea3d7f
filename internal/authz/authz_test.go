package authz

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
	now   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func twoAccounts() *ledger.View {
	v := ledger.NewView()
	for _, id := range []keys.ID{alice, bob} {
		v.Accounts[id] = &ledger.Account{Status: ledger.StatusActive}
	}
	v.Balances[alice] = 10000
	return v
}

func TestRequestRules(t *testing.T) {
	v := twoAccounts()
	require.ErrorIs(t, CheckRequest(v, alice, alice), errs.Authorization(MsgSelfAuthorization))
	require.ErrorIs(t, CheckRequest(v, alice, keys.Normalize("carol")), errs.ErrNotFound)
	require.NoError(t, CheckRequest(v, alice, bob))
}

func TestWorkflowStates(t *testing.T) {
	v := twoAccounts()
	require.Equal(t, StateNone, State(v, alice, bob))

	ApplyRequest(v, alice, bob, now)
	require.Equal(t, StateRequested, State(v, alice, bob))
	require.Equal(t, StateNone, State(v, bob, alice))

	claimKey := []byte{1}
	require.ErrorIs(t, CheckApprove(v, alice, bob, claimKey), errs.Authorization(MsgNoPendingRequest))
	require.NoError(t, CheckApprove(v, bob, alice, claimKey))
	ApplyApprove(v, bob, alice, 5000, claimKey)
	require.Equal(t, StateAuthorized, State(v, alice, bob))

	req, ok := v.Request(alice, bob)
	require.True(t, ok)
	require.Equal(t, ledger.RequestApproved, req.Status)

	// approving again needs a fresh request
	require.ErrorIs(t, CheckApprove(v, bob, alice, claimKey), errs.ErrAuthorization)

	// a new request does not revoke the standing authorization
	ApplyRequest(v, alice, bob, now.Add(time.Minute))
	require.Equal(t, StateAuthorized, State(v, alice, bob))
	ApplyApprove(v, bob, alice, 100, claimKey)
	a, _ := v.Authorization(alice, bob)
	require.Equal(t, uint64(100), a.MaxAmount)
}

func TestApproveRequiresClaimKey(t *testing.T) {
	v := twoAccounts()
	ApplyRequest(v, alice, bob, now)
	require.ErrorIs(t, CheckApprove(v, bob, alice, nil), errs.ErrState)
}

func TestSendCeilingIsPerSend(t *testing.T) {
	v := twoAccounts()
	_, err := CheckSend(v, alice, bob, 10)
	require.ErrorIs(t, err, errs.Authorization(MsgNoAuthorization))
	require.EqualError(t, err, "authorization: no authorization - recipient must approve first")

	ApplyRequest(v, alice, bob, now)
	ApplyApprove(v, bob, alice, 5000, []byte{1})

	for i := 0; i < 3; i++ {
		_, err := CheckSend(v, alice, bob, 2000)
		require.NoError(t, err)
		require.NoError(t, ApplySend(v, alice, 2000))
	}
	require.Equal(t, uint64(4000), v.Balances[alice])

	_, err = CheckSend(v, alice, bob, 5001)
	require.ErrorIs(t, err, errs.Authorization(MsgLimitExceeded))

	_, err = CheckSend(v, alice, bob, 4001)
	require.ErrorIs(t, err, errs.State(MsgInsufficientFunds))

	_, err = CheckSend(v, alice, bob, 0)
	require.ErrorIs(t, err, errs.ErrState)
}

func TestRevoke(t *testing.T) {
	v := twoAccounts()
	require.ErrorIs(t, CheckRevoke(v, bob, alice), errs.Authorization(MsgNothingToRevoke))
	require.ErrorIs(t, CheckRevoke(v, bob, bob), errs.Authorization(MsgSelfAuthorization))

	t.Run("pending request is rejected", func(t *testing.T) {
		ApplyRequest(v, alice, bob, now)
		require.NoError(t, CheckRevoke(v, bob, alice))
		ApplyRevoke(v, bob, alice)
		req, _ := v.Request(alice, bob)
		require.Equal(t, ledger.RequestRejected, req.Status)
		require.Equal(t, StateNone, State(v, alice, bob))
		require.ErrorIs(t, CheckApprove(v, bob, alice, []byte{1}), errs.Authorization(MsgNoPendingRequest))
	})

	t.Run("authorization stops sends", func(t *testing.T) {
		ApplyRequest(v, alice, bob, now)
		ApplyApprove(v, bob, alice, 5000, []byte{1})
		require.NoError(t, CheckRevoke(v, bob, alice))
		ApplyRevoke(v, bob, alice)
		require.Equal(t, StateNone, State(v, alice, bob))
		_, err := CheckSend(v, alice, bob, 10)
		require.ErrorIs(t, err, errs.Authorization(MsgNoAuthorization))
		require.ErrorIs(t, CheckRevoke(v, bob, alice), errs.Authorization(MsgNothingToRevoke))
	})

	t.Run("unclaimed artifact blocks revoke", func(t *testing.T) {
		ApplyRequest(v, alice, bob, now)
		ApplyApprove(v, bob, alice, 5000, []byte{1})
		a, _ := v.Authorization(alice, bob)
		v.Claims[a.ID] = &ledger.EncryptedClaim{AuthID: a.ID}
		require.ErrorIs(t, CheckRevoke(v, bob, alice), errs.State(MsgClaimPending))
		delete(v.Claims, a.ID)
		require.NoError(t, CheckRevoke(v, bob, alice))
	})
}
