// Package claims implements encrypted transfer artifacts.
//
// A send seals its amount to the recipient's claim key and stores the
// artifact under the authorization id. There is a single slot per
// authorization: a second send before the recipient claims replaces the
// first artifact, and only the latest amount can be claimed. Claiming
// consumes the artifact; the next send recreates it.
package claims

import (
	"errors"

	"privbank/internal/authz"
	"privbank/internal/crypto"
	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
)

const (
	MsgNothingToClaim  = "no pending amount to claim"
	MsgArtifactInvalid = "claim artifact does not open"
	MsgSealMismatch    = "sealed amount does not match debited amount"
	MsgBalanceOverflow = "balance overflow"
)

// Seal encrypts amount to the claim key published by the authorization. The
// blinding of the returned opening goes with the send so the debit can be
// checked against the commitment.
func Seal(a *ledger.Authorization, amount uint64) (*crypto.Sealed, *crypto.Opening, error) {
	s, o, err := crypto.SealAmount(a.ClaimKey, a.ID, amount)
	if err != nil {
		return nil, nil, errs.State("authorization has no usable claim key")
	}
	return s, o, nil
}

// CheckSealed verifies that s commits to the debited amount. A claim can
// only credit what opens the same commitment, so credits equal debits.
func CheckSealed(a *ledger.Authorization, amount uint64, s *crypto.Sealed, blinding []byte) error {
	o := &crypto.Opening{Amount: amount, Blinding: blinding}
	if len(s.Ciphertext) != 8 || !crypto.VerifyOpening(a.ID, s.Commitment, o) {
		return errs.State(MsgSealMismatch)
	}
	return nil
}

// Record stores s as the artifact of a. It reports whether an unclaimed
// artifact was overwritten.
func Record(v *ledger.View, a *ledger.Authorization, s *crypto.Sealed) (overwritten bool) {
	_, overwritten = v.Claims[a.ID]
	v.Claims[a.ID] = &ledger.EncryptedClaim{
		AuthID:     a.ID,
		Ephemeral:  append([]byte(nil), s.Ephemeral...),
		Ciphertext: append([]byte(nil), s.Ciphertext...),
		Commitment: append([]byte(nil), s.Commitment...),
	}
	return overwritten
}

// CheckClaim validates recipient claiming from sender and returns the
// authorization and its unclaimed artifact.
func CheckClaim(v *ledger.View, recipient, sender keys.ID) (*ledger.Authorization, *ledger.EncryptedClaim, error) {
	a, ok := v.Authorization(sender, recipient)
	if !ok || !a.Active {
		return nil, nil, errs.Authorization(authz.MsgNoAuthorization)
	}
	c, ok := v.Claim(a.ID)
	if !ok {
		return nil, nil, errs.State(MsgNothingToClaim)
	}
	return a, c, nil
}

// Open resolves an artifact with the recipient's claim keypair.
func Open(kp *crypto.KeyPair, c *ledger.EncryptedClaim) (*crypto.Opening, error) {
	o, err := crypto.OpenAmount(kp, c.AuthID, &crypto.Sealed{
		Ephemeral:  c.Ephemeral,
		Ciphertext: c.Ciphertext,
		Commitment: c.Commitment,
	})
	if err != nil {
		if errors.Is(err, crypto.ErrSealedMismatch) {
			return nil, errs.State(MsgArtifactInvalid)
		}
		return nil, &errs.Error{Kind: errs.KindState, Msg: MsgArtifactInvalid, Err: err}
	}
	return o, nil
}

// Consume checks o against the artifact of (sender, recipient), credits the
// recipient and deletes the artifact.
func Consume(v *ledger.View, recipient, sender keys.ID, o *crypto.Opening) (uint64, error) {
	a, c, err := CheckClaim(v, recipient, sender)
	if err != nil {
		return 0, err
	}
	if !crypto.VerifyOpening(a.ID, c.Commitment, o) {
		return 0, errs.State(MsgArtifactInvalid)
	}
	bal, _ := v.Balance(recipient)
	if bal+o.Amount < bal {
		return 0, errs.State(MsgBalanceOverflow)
	}
	v.Balances[recipient] = bal + o.Amount
	delete(v.Claims, a.ID)
	return o.Amount, nil
}
