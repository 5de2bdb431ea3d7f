// ops.go - Named circuit operations and the Invoker interface.

package circuit

import (
	"context"
	"fmt"
	"time"

	"privbank/internal/crypto"
	"privbank/internal/keys"
	"privbank/internal/ledger"
)

// Op names a circuit operation.
type Op string

const (
	OpCreateAccount           Op = "create-account"
	OpDeposit                 Op = "deposit"
	OpWithdraw                Op = "withdraw"
	OpGetTokenBalance         Op = "get-token-balance"
	OpVerifyAccountStatus     Op = "verify-account-status"
	OpRequestAuthorization    Op = "request-authorization"
	OpApproveAuthorization    Op = "approve-authorization"
	OpSendToAuthorized        Op = "send-to-authorized"
	OpClaimAuthorizedTransfer Op = "claim-authorized-transfer"
	OpGrantDisclosure         Op = "grant-disclosure"
	OpVerifyThreshold         Op = "verify-threshold"
	OpGetDisclosedBalance     Op = "get-disclosed-balance"
	OpRevokeAuthorization     Op = "revoke-authorization"
	OpRevokeDisclosure        Op = "revoke-disclosure"
)

// Ops lists every operation in a stable order.
var Ops = []Op{
	OpCreateAccount, OpDeposit, OpWithdraw, OpGetTokenBalance, OpVerifyAccountStatus,
	OpRequestAuthorization, OpApproveAuthorization, OpSendToAuthorized, OpClaimAuthorizedTransfer,
	OpGrantDisclosure, OpVerifyThreshold, OpGetDisclosedBalance,
	OpRevokeAuthorization, OpRevokeDisclosure,
}

// Witness identifies the caller and carries their PIN proof.
type Witness struct {
	User  keys.ID
	Proof []byte
}

func (w Witness) Caller() Witness { return w }

// Args are the arguments of one operation.
type Args interface {
	Op() Op
	Caller() Witness
}

type CreateAccount struct {
	Witness
	Commitment     []byte
	InitialDeposit uint64
}

type Deposit struct {
	Witness
	Amount uint64
}

type Withdraw struct {
	Witness
	Amount uint64
}

type GetTokenBalance struct{ Witness }

type VerifyAccountStatus struct{ Witness }

type RequestAuthorization struct {
	Witness
	Recipient keys.ID
}

// ApproveAuthorization approves Sender's pending request. ClaimKey is the
// approver's public key that later sends are sealed to.
type ApproveAuthorization struct {
	Witness
	Sender    keys.ID
	MaxAmount uint64
	ClaimKey  []byte
}

// SendToAuthorized debits Amount and stores Sealed as the claim artifact.
// Blinding opens the sealed commitment at Amount; a send whose artifact
// commits to anything else is rejected.
type SendToAuthorized struct {
	Witness
	Recipient keys.ID
	Amount    uint64
	Sealed    crypto.Sealed
	Blinding  []byte
}

// ClaimAuthorizedTransfer credits the opened amount of the artifact sent by Sender.
type ClaimAuthorizedTransfer struct {
	Witness
	Sender  keys.ID
	Opening crypto.Opening
}

// GrantDisclosure lets Requester query the caller's balance. A zero
// ExpiresAt never expires.
type GrantDisclosure struct {
	Witness
	Requester keys.ID
	Type      ledger.DisclosureType
	Ceiling   uint64
	ExpiresAt time.Time
}

type VerifyThreshold struct {
	Witness
	Grantor keys.ID
	Amount  uint64
}

type GetDisclosedBalance struct {
	Witness
	Grantor keys.ID
}

// RevokeAuthorization withdraws the caller's authorization of Sender, or
// rejects Sender's pending request.
type RevokeAuthorization struct {
	Witness
	Sender keys.ID
}

// RevokeDisclosure removes the permission the caller granted to Requester.
type RevokeDisclosure struct {
	Witness
	Requester keys.ID
}

func (CreateAccount) Op() Op           { return OpCreateAccount }
func (Deposit) Op() Op                 { return OpDeposit }
func (Withdraw) Op() Op                { return OpWithdraw }
func (GetTokenBalance) Op() Op         { return OpGetTokenBalance }
func (VerifyAccountStatus) Op() Op     { return OpVerifyAccountStatus }
func (RequestAuthorization) Op() Op    { return OpRequestAuthorization }
func (ApproveAuthorization) Op() Op    { return OpApproveAuthorization }
func (SendToAuthorized) Op() Op        { return OpSendToAuthorized }
func (ClaimAuthorizedTransfer) Op() Op { return OpClaimAuthorizedTransfer }
func (GrantDisclosure) Op() Op         { return OpGrantDisclosure }
func (VerifyThreshold) Op() Op         { return OpVerifyThreshold }
func (GetDisclosedBalance) Op() Op     { return OpGetDisclosedBalance }
func (RevokeAuthorization) Op() Op     { return OpRevokeAuthorization }
func (RevokeDisclosure) Op() Op        { return OpRevokeDisclosure }

// Receipt is returned once an operation is committed. Value carries the
// result of balance reads and claims; Holds the result of threshold checks.
type Receipt struct {
	Op     Op
	Height uint64
	TxHash ledger.Hash
	Value  uint64
	Holds  bool
	Status ledger.Status
}

// Error is a failure raised while executing an operation. Err carries the
// classified cause so errors.Is works across the invoker boundary.
type Error struct {
	Op     Op
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit %s: %s", e.Op, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Invoker submits an operation and returns once it is committed.
type Invoker interface {
	Invoke(ctx context.Context, args Args) (*Receipt, error)
}
