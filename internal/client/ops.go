package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"privbank/internal/authz"
	"privbank/internal/circuit"
	"privbank/internal/claims"
	"privbank/internal/contract"
	"privbank/internal/crypto"
	"privbank/internal/disclosure"
	"privbank/internal/errs"
	"privbank/internal/history"
	"privbank/internal/keys"
	"privbank/internal/ledger"
	"privbank/internal/privstore"
	"privbank/internal/projector"
)

const MsgPinMismatch = "pin does not match stored commitment"

// call is one operation on its way through the pipeline.
type call struct {
	op   circuit.Op
	user keys.ID
	pin  string
	// check runs against the latest ledger view and builds the arguments.
	check func(v *ledger.View, w circuit.Witness) (circuit.Args, error)
	// settle mirrors a committed receipt into the private store.
	settle func(v *ledger.View, r *circuit.Receipt)
}

func (c *Client) execute(ctx context.Context, k call) (*circuit.Receipt, error) {
	w := c.track(k.user)
	action := w.r.Begin(k.op, k.user)

	receipt, err := c.run(ctx, k)
	if err != nil {
		w.r.Cancel(action, err)
		c.settled(k.user, w, false)
		c.logger.Info("operation failed",
			slog.String("op", string(k.op)),
			slog.String("user", string(k.user)),
			slog.String("kind", errs.KindOf(err).String()),
			slog.Any("error", err))
		return nil, err
	}
	w.r.Commit(action, receipt)
	c.settled(k.user, w, true)
	return receipt, nil
}

func (c *Client) run(ctx context.Context, k call) (*circuit.Receipt, error) {
	if err := c.authenticate(k.user, k.pin); err != nil {
		return nil, err
	}
	v, err := c.ledgerView(ctx)
	if err != nil {
		return nil, err
	}
	proof, err := c.prover.Prove(k.user, k.pin)
	if err != nil {
		return nil, errs.Transient("prove pin", err).WithOp(string(k.op))
	}
	args, err := k.check(v, circuit.Witness{User: k.user, Proof: proof})
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return nil, e.WithOp(string(k.op))
		}
		return nil, err
	}

	start := time.Now()
	receipt, err := c.invoker.Invoke(ctx, args)
	c.metrics.ObserveInvocation(string(k.op), err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if k.settle != nil {
		k.settle(v, receipt)
	}
	return receipt, nil
}

// authenticate compares pin with the locally stored commitment. Users
// without a local record are authenticated by the circuit alone.
func (c *Client) authenticate(user keys.ID, pin string) error {
	rec, err := c.store.Get(user)
	if err != nil {
		return errs.Transient("read private store", err)
	}
	if rec == nil {
		return nil
	}
	if !bytes.Equal(rec.PinCommitment, crypto.PinCommitment(user, pin)) {
		return errs.Authentication(MsgPinMismatch)
	}
	return nil
}

// Authenticate checks pin for user without touching the ledger state. The
// local record commitment is authoritative; without one, the owner
// commitment of the account on the ledger is used.
func (c *Client) Authenticate(ctx context.Context, user, pin string) error {
	id, err := c.normalize(user)
	if err != nil {
		return err
	}
	rec, err := c.store.Get(id)
	if err != nil {
		return errs.Transient("read private store", err)
	}
	if rec != nil {
		return c.authenticate(id, pin)
	}
	v, err := c.ledgerView(ctx)
	if err != nil {
		return err
	}
	acct, err := requireAccount(v, id)
	if err != nil {
		return err
	}
	if !bytes.Equal(acct.Owner, crypto.PinCommitment(id, pin)) {
		return errs.Authentication(MsgPinMismatch)
	}
	return nil
}

func (c *Client) ledgerView(ctx context.Context) (*ledger.View, error) {
	snap, err := c.reader.Read(ctx, c.address)
	if err != nil {
		return nil, errs.Transient("read ledger", err)
	}
	if snap == nil {
		return nil, errs.Transient("contract "+c.address+" not visible", nil)
	}
	return projector.Project(snap)
}

// mirror makes sure user has a private record and caches balance. A
// committed operation is never failed by the private store.
func (c *Client) mirror(user keys.ID, pin string, balance uint64, e history.Entry) {
	if _, err := c.store.EnsureExists(user, crypto.PinCommitment(user, pin), balance); err != nil {
		c.logger.Warn("private record not created", slog.String("user", string(user)), slog.Any("error", err))
		return
	}
	if err := c.store.UpdateBalance(user, balance); err != nil {
		c.logger.Warn("cached balance not updated", slog.String("user", string(user)), slog.Any("error", err))
	}
	if e != nil {
		c.store.AppendHistory(user, e)
	}
}

func requireAccount(v *ledger.View, user keys.ID) (*ledger.Account, error) {
	acct, ok := v.Account(user)
	if !ok {
		return nil, errs.NotFound(contract.MsgAccountMissing)
	}
	return acct, nil
}

func (c *Client) ids(ids ...string) ([]keys.ID, error) {
	out := make([]keys.ID, len(ids))
	for i, id := range ids {
		k, err := c.normalize(id)
		if err != nil {
			return nil, err
		}
		out[i] = k
	}
	return out, nil
}

// CreateAccount registers user with the commitment of pin and an initial
// deposit in cents.
func (c *Client) CreateAccount(ctx context.Context, user, pin string, initialDeposit uint64) error {
	id, err := c.normalize(user)
	if err != nil {
		return err
	}
	commitment := crypto.PinCommitment(id, pin)
	_, err = c.execute(ctx, call{
		op: circuit.OpCreateAccount, user: id, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, exists := v.Account(id); exists {
				return nil, errs.State(contract.MsgAccountExists)
			}
			return circuit.CreateAccount{Witness: w, Commitment: commitment, InitialDeposit: initialDeposit}, nil
		},
		settle: func(_ *ledger.View, _ *circuit.Receipt) {
			c.mirror(id, pin, initialDeposit, history.Create{InitialDeposit: initialDeposit, When: c.now()})
		},
	})
	return err
}

// Deposit credits amount and returns the new balance.
func (c *Client) Deposit(ctx context.Context, user, pin string, amount uint64) (uint64, error) {
	id, err := c.normalize(user)
	if err != nil {
		return 0, err
	}
	r, err := c.execute(ctx, call{
		op: circuit.OpDeposit, user: id, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, err := requireAccount(v, id); err != nil {
				return nil, err
			}
			if amount == 0 {
				return nil, errs.State(contract.MsgZeroAmount)
			}
			return circuit.Deposit{Witness: w, Amount: amount}, nil
		},
		settle: func(_ *ledger.View, r *circuit.Receipt) {
			c.mirror(id, pin, r.Value, history.Deposit{Amount: amount, Balance: r.Value, When: c.now()})
		},
	})
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// Withdraw debits amount and returns the new balance.
func (c *Client) Withdraw(ctx context.Context, user, pin string, amount uint64) (uint64, error) {
	id, err := c.normalize(user)
	if err != nil {
		return 0, err
	}
	r, err := c.execute(ctx, call{
		op: circuit.OpWithdraw, user: id, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, err := requireAccount(v, id); err != nil {
				return nil, err
			}
			if amount == 0 {
				return nil, errs.State(contract.MsgZeroAmount)
			}
			if bal, _ := v.Balance(id); bal < amount {
				return nil, errs.State(authz.MsgInsufficientFunds)
			}
			return circuit.Withdraw{Witness: w, Amount: amount}, nil
		},
		settle: func(_ *ledger.View, r *circuit.Receipt) {
			c.mirror(id, pin, r.Value, history.Withdraw{Amount: amount, Balance: r.Value, When: c.now()})
		},
	})
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// Balance reads the ledger balance of user through the circuit.
func (c *Client) Balance(ctx context.Context, user, pin string) (uint64, error) {
	id, err := c.normalize(user)
	if err != nil {
		return 0, err
	}
	r, err := c.execute(ctx, call{
		op: circuit.OpGetTokenBalance, user: id, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, err := requireAccount(v, id); err != nil {
				return nil, err
			}
			return circuit.GetTokenBalance{Witness: w}, nil
		},
		settle: func(_ *ledger.View, r *circuit.Receipt) {
			c.mirror(id, pin, r.Value, history.Auth{Balance: r.Value, When: c.now()})
		},
	})
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// VerifyAccountStatus promotes user to verified and returns the new status.
func (c *Client) VerifyAccountStatus(ctx context.Context, user, pin string) (ledger.Status, error) {
	id, err := c.normalize(user)
	if err != nil {
		return ledger.StatusUnknown, err
	}
	r, err := c.execute(ctx, call{
		op: circuit.OpVerifyAccountStatus, user: id, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			acct, err := requireAccount(v, id)
			if err != nil {
				return nil, err
			}
			if acct.Status == ledger.StatusSuspended {
				return nil, errs.State(contract.MsgSuspended)
			}
			return circuit.VerifyAccountStatus{Witness: w}, nil
		},
		settle: func(v *ledger.View, r *circuit.Receipt) {
			bal, _ := v.Balance(id)
			c.mirror(id, pin, bal, history.Verify{Status: string(r.Status), When: c.now()})
		},
	})
	if err != nil {
		return ledger.StatusUnknown, err
	}
	return r.Status, nil
}

// RequestAuthorization asks recipient to authorize transfers from user.
func (c *Client) RequestAuthorization(ctx context.Context, user, pin, recipient string) error {
	ids, err := c.ids(user, recipient)
	if err != nil {
		return err
	}
	sender, to := ids[0], ids[1]
	_, err = c.execute(ctx, call{
		op: circuit.OpRequestAuthorization, user: sender, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if err := authz.CheckRequest(v, sender, to); err != nil {
				return nil, err
			}
			return circuit.RequestAuthorization{Witness: w, Recipient: to}, nil
		},
		settle: func(v *ledger.View, _ *circuit.Receipt) {
			bal, _ := v.Balance(sender)
			c.mirror(sender, pin, bal, history.AuthRequest{Recipient: string(to), When: c.now()})
		},
	})
	return err
}

// ApproveAuthorization approves the pending request of sender with a
// ceiling of maxAmount per send. The claim key of user is published with
// the approval so later sends can be sealed to it.
func (c *Client) ApproveAuthorization(ctx context.Context, user, pin, sender string, maxAmount uint64) error {
	ids, err := c.ids(user, sender)
	if err != nil {
		return err
	}
	recipient, from := ids[0], ids[1]
	claimKey := crypto.DeriveKeyPair(recipient, pin).PublicBytes()
	_, err = c.execute(ctx, call{
		op: circuit.OpApproveAuthorization, user: recipient, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if err := authz.CheckApprove(v, recipient, from, claimKey); err != nil {
				return nil, err
			}
			return circuit.ApproveAuthorization{Witness: w, Sender: from, MaxAmount: maxAmount, ClaimKey: claimKey}, nil
		},
		settle: func(v *ledger.View, _ *circuit.Receipt) {
			bal, _ := v.Balance(recipient)
			c.mirror(recipient, pin, bal, history.AuthApprove{Sender: string(from), MaxAmount: maxAmount, When: c.now()})
		},
	})
	return err
}

// SendToAuthorized debits amount from user and leaves a sealed claim for
// recipient. It returns the sender's new balance.
func (c *Client) SendToAuthorized(ctx context.Context, user, pin, recipient string, amount uint64) (uint64, error) {
	ids, err := c.ids(user, recipient)
	if err != nil {
		return 0, err
	}
	sender, to := ids[0], ids[1]
	r, err := c.execute(ctx, call{
		op: circuit.OpSendToAuthorized, user: sender, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			auth, err := authz.CheckSend(v, sender, to, amount)
			if err != nil {
				return nil, err
			}
			if _, pending := v.Claim(auth.ID); pending {
				c.logger.Warn("unclaimed transfer will be overwritten",
					slog.String("sender", string(sender)),
					slog.String("recipient", string(to)))
			}
			sealed, opening, err := claims.Seal(auth, amount)
			if err != nil {
				return nil, err
			}
			return circuit.SendToAuthorized{
				Witness: w, Recipient: to, Amount: amount,
				Sealed: *sealed, Blinding: opening.Blinding,
			}, nil
		},
		settle: func(_ *ledger.View, r *circuit.Receipt) {
			c.mirror(sender, pin, r.Value, history.AuthTransfer{Recipient: string(to), Amount: amount, When: c.now()})
		},
	})
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// ClaimAuthorizedTransfer opens the pending transfer from sender and
// credits it to user. It returns the claimed amount.
func (c *Client) ClaimAuthorizedTransfer(ctx context.Context, user, pin, sender string) (uint64, error) {
	ids, err := c.ids(user, sender)
	if err != nil {
		return 0, err
	}
	recipient, from := ids[0], ids[1]
	r, err := c.execute(ctx, call{
		op: circuit.OpClaimAuthorizedTransfer, user: recipient, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			_, artifact, err := claims.CheckClaim(v, recipient, from)
			if err != nil {
				return nil, err
			}
			opening, err := claims.Open(crypto.DeriveKeyPair(recipient, pin), artifact)
			if err != nil {
				return nil, err
			}
			return circuit.ClaimAuthorizedTransfer{Witness: w, Sender: from, Opening: *opening}, nil
		},
		settle: func(v *ledger.View, r *circuit.Receipt) {
			bal, _ := v.Balance(recipient)
			c.mirror(recipient, pin, bal+r.Value, history.ClaimTransfer{Sender: string(from), Amount: r.Value, When: c.now()})
		},
	})
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// RevokeAuthorization withdraws user's authorization of sender, or rejects
// sender's pending request. It fails while a transfer from sender is still
// waiting to be claimed.
func (c *Client) RevokeAuthorization(ctx context.Context, user, pin, sender string) error {
	ids, err := c.ids(user, sender)
	if err != nil {
		return err
	}
	recipient, from := ids[0], ids[1]
	_, err = c.execute(ctx, call{
		op: circuit.OpRevokeAuthorization, user: recipient, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, err := requireAccount(v, recipient); err != nil {
				return nil, err
			}
			if err := authz.CheckRevoke(v, recipient, from); err != nil {
				return nil, err
			}
			return circuit.RevokeAuthorization{Witness: w, Sender: from}, nil
		},
		settle: func(v *ledger.View, _ *circuit.Receipt) {
			bal, _ := v.Balance(recipient)
			c.mirror(recipient, pin, bal, nil)
		},
	})
	return err
}

// GrantDisclosure lets requester learn a threshold fact or the exact
// balance of user until exp.
func (c *Client) GrantDisclosure(ctx context.Context, user, pin, requester string, typ ledger.DisclosureType, ceiling uint64, exp disclosure.Expiration) error {
	ids, err := c.ids(user, requester)
	if err != nil {
		return err
	}
	grantor, to := ids[0], ids[1]
	_, err = c.execute(ctx, call{
		op: circuit.OpGrantDisclosure, user: grantor, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if err := disclosure.CheckGrant(v, grantor, to, typ); err != nil {
				return nil, err
			}
			return circuit.GrantDisclosure{
				Witness:   w,
				Requester: to,
				Type:      typ,
				Ceiling:   ceiling,
				ExpiresAt: exp.Resolve(c.now()),
			}, nil
		},
		settle: func(v *ledger.View, _ *circuit.Receipt) {
			bal, _ := v.Balance(grantor)
			c.mirror(grantor, pin, bal, nil)
		},
	})
	return err
}

// VerifyThreshold reports whether the balance of grantor is at least amount.
func (c *Client) VerifyThreshold(ctx context.Context, user, pin, grantor string, amount uint64) (bool, error) {
	ids, err := c.ids(user, grantor)
	if err != nil {
		return false, err
	}
	requester, from := ids[0], ids[1]
	r, err := c.execute(ctx, call{
		op: circuit.OpVerifyThreshold, user: requester, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, err := requireAccount(v, requester); err != nil {
				return nil, err
			}
			if _, err := disclosure.CheckThreshold(v, requester, from, amount, c.now()); err != nil {
				return nil, err
			}
			return circuit.VerifyThreshold{Witness: w, Grantor: from, Amount: amount}, nil
		},
	})
	if err != nil {
		return false, err
	}
	return r.Holds, nil
}

// GetDisclosedBalance returns the exact balance of grantor.
func (c *Client) GetDisclosedBalance(ctx context.Context, user, pin, grantor string) (uint64, error) {
	ids, err := c.ids(user, grantor)
	if err != nil {
		return 0, err
	}
	requester, from := ids[0], ids[1]
	r, err := c.execute(ctx, call{
		op: circuit.OpGetDisclosedBalance, user: requester, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, err := requireAccount(v, requester); err != nil {
				return nil, err
			}
			if _, err := disclosure.CheckExact(v, requester, from, c.now()); err != nil {
				return nil, err
			}
			return circuit.GetDisclosedBalance{Witness: w, Grantor: from}, nil
		},
	})
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// RevokeDisclosure removes the permission user granted to requester.
func (c *Client) RevokeDisclosure(ctx context.Context, user, pin, requester string) error {
	ids, err := c.ids(user, requester)
	if err != nil {
		return err
	}
	grantor, to := ids[0], ids[1]
	_, err = c.execute(ctx, call{
		op: circuit.OpRevokeDisclosure, user: grantor, pin: pin,
		check: func(v *ledger.View, w circuit.Witness) (circuit.Args, error) {
			if _, err := requireAccount(v, grantor); err != nil {
				return nil, err
			}
			if err := disclosure.CheckRevoke(v, grantor, to); err != nil {
				return nil, err
			}
			return circuit.RevokeDisclosure{Witness: w, Requester: to}, nil
		},
		settle: func(v *ledger.View, _ *circuit.Receipt) {
			bal, _ := v.Balance(grantor)
			c.mirror(grantor, pin, bal, nil)
		},
	})
	return err
}

// DetailedHistory returns the detailed log of user, oldest first.
func (c *Client) DetailedHistory(user string) (history.Log, error) {
	id, err := c.normalize(user)
	if err != nil {
		return nil, err
	}
	return c.store.DetailedLog(id)
}

// Record returns the private record of user, or nil if it has none.
func (c *Client) Record(user string) (*privstore.Record, error) {
	id, err := c.normalize(user)
	if err != nil {
		return nil, err
	}
	return c.store.Get(id)
}
