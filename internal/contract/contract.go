// Package contract executes the banking operations against a hosted ledger
// contract.
//
// Every call verifies the caller's PIN proof against the owner commitment
// on the ledger, re-checks the workflow rules, and commits the resulting
// state atomically. Successful calls, queries included, advance the caller's
// transaction counter and chain its last transaction hash.
package contract

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"privbank/internal/authz"
	"privbank/internal/circuit"
	"privbank/internal/claims"
	"privbank/internal/crypto"
	"privbank/internal/disclosure"
	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
	"privbank/internal/metrics"
	"privbank/internal/projector"
)

const (
	MsgAccountExists   = "account already exists"
	MsgAccountMissing  = "account does not exist"
	MsgPinRejected     = "pin proof rejected"
	MsgSuspended       = "account suspended"
	MsgCannotVerify    = "account status cannot become verified"
	MsgBadClaimKey     = "claim key is not a valid public key"
	MsgBalanceOverflow = "balance overflow"
	MsgZeroAmount      = "amount must be positive"
	MsgUnknownOp       = "unknown operation"
)

// Committer hosts contract state.
type Committer interface {
	Commit(ctx context.Context, address string, fn func(ledger.Snapshot) ([]byte, error)) (ledger.Snapshot, error)
}

// Verifier checks PIN proofs.
type Verifier interface {
	Verify(proof []byte, user keys.ID, commitment []byte) error
}

// Contract is a circuit.Invoker backed by a ledger contract.
type Contract struct {
	node     Committer
	address  string
	verifier Verifier
	nowFn    func() time.Time
	logger   *slog.Logger
	metrics  *metrics.BankMetrics
}

type Option func(*Contract)

func WithLogger(l *slog.Logger) Option {
	return func(c *Contract) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.BankMetrics) Option {
	return func(c *Contract) { c.metrics = m }
}

func New(node Committer, address string, verifier Verifier, opts ...Option) *Contract {
	c := &Contract{
		node:     node,
		address:  address,
		verifier: verifier,
		nowFn:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Genesis is the initial state of a freshly deployed contract.
func Genesis() ([]byte, error) {
	return ledger.Encode(ledger.NewView())
}

// Address returns the ledger address of the contract.
func (c *Contract) Address() string { return c.address }

// SetNowFunc overrides the time source. Passing nil restores time.Now.
func (c *Contract) SetNowFunc(now func() time.Time) {
	if now == nil {
		c.nowFn = time.Now
		return
	}
	c.nowFn = now
}

// Invoke executes args and returns once the new state is committed.
func (c *Contract) Invoke(ctx context.Context, args circuit.Args) (*circuit.Receipt, error) {
	var receipt *circuit.Receipt
	snap, err := c.node.Commit(ctx, c.address, func(s ledger.Snapshot) ([]byte, error) {
		v, err := projector.Project(&s)
		if err != nil {
			return nil, err
		}
		next := v.Clone()
		next.Height = s.Height + 1
		r, err := c.apply(next, args)
		if err != nil {
			return nil, err
		}
		receipt = r
		return ledger.Encode(next)
	})
	if err != nil {
		return nil, failure(args.Op(), err)
	}
	receipt.Height = snap.Height
	return receipt, nil
}

func failure(op circuit.Op, err error) error {
	reason := err.Error()
	var e *errs.Error
	if errors.As(err, &e) && e.Msg != "" {
		reason = e.Msg
	}
	return &circuit.Error{Op: op, Reason: reason, Err: err}
}

func (c *Contract) authenticate(proof []byte, user keys.ID, commitment []byte) error {
	if err := c.verifier.Verify(proof, user, commitment); err != nil {
		return &errs.Error{Kind: errs.KindAuthentication, Msg: MsgPinRejected, Err: err}
	}
	return nil
}

// touch advances the caller's counter and chains its transaction hash.
func touch(v *ledger.View, user keys.ID, op circuit.Op) ledger.Hash {
	acct := v.Accounts[user]
	acct.TxCount++
	acct.LastTxHash = crypto.TxHash(acct.LastTxHash[:], string(op), v.Height)
	return acct.LastTxHash
}

func (c *Contract) apply(v *ledger.View, args circuit.Args) (*circuit.Receipt, error) {
	caller := args.Caller()
	user := caller.User

	if create, ok := args.(circuit.CreateAccount); ok {
		if _, exists := v.Account(user); exists {
			return nil, errs.State(MsgAccountExists)
		}
		if err := c.authenticate(caller.Proof, user, create.Commitment); err != nil {
			return nil, err
		}
		v.Accounts[user] = &ledger.Account{
			Owner:  append([]byte(nil), create.Commitment...),
			Status: ledger.StatusActive,
		}
		v.Balances[user] = create.InitialDeposit
		return &circuit.Receipt{
			Op:     args.Op(),
			TxHash: touch(v, user, args.Op()),
			Value:  create.InitialDeposit,
			Status: ledger.StatusActive,
		}, nil
	}

	acct, ok := v.Account(user)
	if !ok {
		return nil, errs.NotFound(MsgAccountMissing)
	}
	if err := c.authenticate(caller.Proof, user, acct.Owner); err != nil {
		return nil, err
	}
	if acct.Status == ledger.StatusSuspended && args.Op() != circuit.OpGetTokenBalance {
		return nil, errs.State(MsgSuspended)
	}

	r := &circuit.Receipt{Op: args.Op()}
	now := c.nowFn()
	bal, _ := v.Balance(user)

	switch a := args.(type) {
	case circuit.Deposit:
		if a.Amount == 0 {
			return nil, errs.State(MsgZeroAmount)
		}
		if bal+a.Amount < bal {
			return nil, errs.State(MsgBalanceOverflow)
		}
		v.Balances[user] = bal + a.Amount
		r.Value = bal + a.Amount

	case circuit.Withdraw:
		if a.Amount == 0 {
			return nil, errs.State(MsgZeroAmount)
		}
		if bal < a.Amount {
			return nil, errs.State(authz.MsgInsufficientFunds)
		}
		v.Balances[user] = bal - a.Amount
		r.Value = bal - a.Amount

	case circuit.GetTokenBalance:
		r.Value = bal

	case circuit.VerifyAccountStatus:
		if !acct.Status.CanBecome(ledger.StatusVerified) {
			return nil, errs.State(MsgCannotVerify)
		}
		acct.Status = ledger.StatusVerified

	case circuit.RequestAuthorization:
		if err := authz.CheckRequest(v, user, a.Recipient); err != nil {
			return nil, err
		}
		authz.ApplyRequest(v, user, a.Recipient, now)

	case circuit.ApproveAuthorization:
		if err := authz.CheckApprove(v, user, a.Sender, a.ClaimKey); err != nil {
			return nil, err
		}
		if _, err := crypto.ParsePublicKey(a.ClaimKey); err != nil {
			return nil, errs.State(MsgBadClaimKey)
		}
		authz.ApplyApprove(v, user, a.Sender, a.MaxAmount, a.ClaimKey)
		r.Value = a.MaxAmount

	case circuit.SendToAuthorized:
		auth, err := authz.CheckSend(v, user, a.Recipient, a.Amount)
		if err != nil {
			return nil, err
		}
		if err := claims.CheckSealed(auth, a.Amount, &a.Sealed, a.Blinding); err != nil {
			return nil, err
		}
		if err := authz.ApplySend(v, user, a.Amount); err != nil {
			return nil, err
		}
		if claims.Record(v, auth, &a.Sealed) {
			c.logger.Warn("unclaimed transfer artifact overwritten",
				slog.String("sender", string(user)),
				slog.String("recipient", string(a.Recipient)))
			c.metrics.RecordClaimOverwrite()
		}
		r.Value = v.Balances[user]

	case circuit.ClaimAuthorizedTransfer:
		amount, err := claims.Consume(v, user, a.Sender, &a.Opening)
		if err != nil {
			return nil, err
		}
		r.Value = amount

	case circuit.RevokeAuthorization:
		if err := authz.CheckRevoke(v, user, a.Sender); err != nil {
			return nil, err
		}
		authz.ApplyRevoke(v, user, a.Sender)

	case circuit.GrantDisclosure:
		if err := disclosure.CheckGrant(v, user, a.Requester, a.Type); err != nil {
			return nil, err
		}
		disclosure.ApplyGrant(v, user, a.Requester, a.Type, a.Ceiling, a.ExpiresAt, now)

	case circuit.VerifyThreshold:
		holds, err := disclosure.CheckThreshold(v, user, a.Grantor, a.Amount, now)
		if err != nil {
			return nil, err
		}
		r.Holds = holds

	case circuit.GetDisclosedBalance:
		value, err := disclosure.CheckExact(v, user, a.Grantor, now)
		if err != nil {
			return nil, err
		}
		r.Value = value

	case circuit.RevokeDisclosure:
		if err := disclosure.CheckRevoke(v, user, a.Requester); err != nil {
			return nil, err
		}
		disclosure.ApplyRevoke(v, user, a.Requester)

	default:
		return nil, errs.State(MsgUnknownOp)
	}

	r.Status = acct.Status
	r.TxHash = touch(v, user, args.Op())
	return r, nil
}
