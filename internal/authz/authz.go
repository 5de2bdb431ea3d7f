// Package authz implements the transfer authorization workflow.
//
// Each ordered (sender, recipient) pair moves NONE -> REQUESTED -> AUTHORIZED.
// An authorization is not single-use: it persists across sends and is
// replaced wholesale by the next approval. Sends debit the sender at once
// and leave settlement to the recipient's claim. The recipient may revoke
// at any time no sent amount is waiting to be claimed; revoking also
// rejects a pending request, and the pair starts over from NONE.
//
// The Check functions are pure rule checks over a ledger view, shared by the
// client (to fail fast) and the circuit backend (to enforce). The Apply
// functions mutate a view the backend is about to commit.
package authz

import (
	"time"

	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
)

// Failure messages.
const (
	MsgSelfAuthorization = "cannot authorize transfers to yourself"
	MsgRecipientMissing  = "recipient account does not exist"
	MsgSenderMissing     = "sender account does not exist"
	MsgNoPendingRequest  = "no pending authorization request"
	MsgNoAuthorization   = "no authorization - recipient must approve first"
	MsgLimitExceeded     = "amount exceeds authorized limit"
	MsgInsufficientFunds = "insufficient funds"
	MsgZeroAmount        = "amount must be positive"
	MsgMissingClaimKey   = "approval must publish a claim key"
	MsgNothingToRevoke   = "no authorization or pending request to revoke"
	MsgClaimPending      = "claim the pending transfer before revoking"
)

// PairState is the workflow state of an ordered pair.
type PairState int

const (
	StateNone PairState = iota
	StateRequested
	StateAuthorized
)

func (s PairState) String() string {
	switch s {
	case StateRequested:
		return "REQUESTED"
	case StateAuthorized:
		return "AUTHORIZED"
	default:
		return "NONE"
	}
}

// State returns the workflow state of (sender, recipient). An active
// authorization wins over a newer pending request: re-requesting does not
// revoke the standing authorization.
func State(v *ledger.View, sender, recipient keys.ID) PairState {
	if a, ok := v.Authorization(sender, recipient); ok && a.Active {
		return StateAuthorized
	}
	if r, ok := v.Request(sender, recipient); ok && r.Status == ledger.RequestPending {
		return StateRequested
	}
	return StateNone
}

// CheckRequest validates a request from sender to recipient.
func CheckRequest(v *ledger.View, sender, recipient keys.ID) error {
	if sender == recipient {
		return errs.Authorization(MsgSelfAuthorization)
	}
	if _, ok := v.Account(sender); !ok {
		return errs.NotFound(MsgSenderMissing)
	}
	if _, ok := v.Account(recipient); !ok {
		return errs.NotFound(MsgRecipientMissing)
	}
	return nil
}

// ApplyRequest creates or overwrites the pending request of the pair.
func ApplyRequest(v *ledger.View, sender, recipient keys.ID, now time.Time) *ledger.PendingAuthRequest {
	r := &ledger.PendingAuthRequest{
		ID:          ledger.RequestID(sender, recipient),
		Sender:      sender,
		Recipient:   recipient,
		RequestedAt: now.UTC(),
		Status:      ledger.RequestPending,
	}
	v.Requests[r.ID] = r
	return r
}

// CheckApprove validates recipient approving sender's request.
func CheckApprove(v *ledger.View, recipient, sender keys.ID, claimKey []byte) error {
	if sender == recipient {
		return errs.Authorization(MsgSelfAuthorization)
	}
	r, ok := v.Request(sender, recipient)
	if !ok || r.Status != ledger.RequestPending {
		return errs.Authorization(MsgNoPendingRequest)
	}
	if len(claimKey) == 0 {
		return errs.State(MsgMissingClaimKey)
	}
	return nil
}

// ApplyApprove creates or overwrites the authorization of the pair and
// marks the request approved.
func ApplyApprove(v *ledger.View, recipient, sender keys.ID, maxAmount uint64, claimKey []byte) *ledger.Authorization {
	a := &ledger.Authorization{
		ID:        ledger.AuthorizationID(sender, recipient),
		Sender:    sender,
		Recipient: recipient,
		MaxAmount: maxAmount,
		Active:    true,
		ClaimKey:  append([]byte(nil), claimKey...),
	}
	v.Authorizations[a.ID] = a
	if r, ok := v.Request(sender, recipient); ok {
		r.Status = ledger.RequestApproved
	}
	return a
}

// CheckSend validates a send and returns the authorization it draws on.
// The ceiling applies per send: cumulative sends are bounded only by the
// sender's balance.
func CheckSend(v *ledger.View, sender, recipient keys.ID, amount uint64) (*ledger.Authorization, error) {
	a, ok := v.Authorization(sender, recipient)
	if !ok || !a.Active {
		return nil, errs.Authorization(MsgNoAuthorization)
	}
	if amount == 0 {
		return nil, errs.State(MsgZeroAmount)
	}
	if amount > a.MaxAmount {
		return nil, errs.Authorization(MsgLimitExceeded)
	}
	if bal, _ := v.Balance(sender); bal < amount {
		return nil, errs.State(MsgInsufficientFunds)
	}
	return a, nil
}

// ApplySend debits the sender. The caller records the claim artifact.
func ApplySend(v *ledger.View, sender keys.ID, amount uint64) error {
	bal, _ := v.Balance(sender)
	if bal < amount {
		return errs.State(MsgInsufficientFunds)
	}
	v.Balances[sender] = bal - amount
	return nil
}

// CheckRevoke validates recipient revoking sender's authorization or
// rejecting its pending request. An unclaimed artifact blocks the revoke:
// the sender has already been debited for it.
func CheckRevoke(v *ledger.View, recipient, sender keys.ID) error {
	if sender == recipient {
		return errs.Authorization(MsgSelfAuthorization)
	}
	a, active := v.Authorization(sender, recipient)
	active = active && a.Active
	if active {
		if _, pending := v.Claim(a.ID); pending {
			return errs.State(MsgClaimPending)
		}
	}
	r, requested := v.Request(sender, recipient)
	requested = requested && r.Status == ledger.RequestPending
	if !active && !requested {
		return errs.Authorization(MsgNothingToRevoke)
	}
	return nil
}

// ApplyRevoke deactivates the authorization of the pair and rejects its
// pending request.
func ApplyRevoke(v *ledger.View, recipient, sender keys.ID) {
	if a, ok := v.Authorization(sender, recipient); ok {
		a.Active = false
	}
	if r, ok := v.Request(sender, recipient); ok && r.Status == ledger.RequestPending {
		r.Status = ledger.RequestRejected
	}
}
