// Package projector decodes raw ledger snapshots into typed views.
//
// Project is deterministic and never mutates its input. Every decode failure
// is reported as a transient error: a malformed snapshot is expected to be
// followed by a good one, and the reconciler retries on transient failures.
package projector

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"privbank/internal/errs"
	"privbank/internal/keys"
	"privbank/internal/ledger"
)

// Project decodes snap into a ledger view.
func Project(snap *ledger.Snapshot) (*ledger.View, error) {
	if snap == nil {
		return nil, errs.Transient("decode snapshot", errors.New("no snapshot"))
	}
	v, err := decode(snap.Data)
	if err != nil {
		return nil, errs.Transient(fmt.Sprintf("decode snapshot %s@%d", snap.Address, snap.Height), err)
	}
	v.Height = snap.Height
	return v, nil
}

func decode(data []byte) (*ledger.View, error) {
	var doc ledger.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	v := ledger.NewView()

	for _, row := range doc.Accounts {
		id, err := keys.ParseHex(row.User)
		if err != nil {
			return nil, fmt.Errorf("account: %w", err)
		}
		if !row.Status.Valid() {
			return nil, fmt.Errorf("account %s: unknown status %q", id, row.Status)
		}
		owner, err := hex.DecodeString(row.Owner)
		if err != nil {
			return nil, fmt.Errorf("account %s: owner: %w", id, err)
		}
		if _, dup := v.Accounts[id]; dup {
			return nil, fmt.Errorf("account %s: duplicate row", id)
		}
		v.Accounts[id] = &ledger.Account{
			Owner:      owner,
			Status:     row.Status,
			TxCount:    row.TxCount,
			LastTxHash: row.LastTxHash,
		}
	}

	for _, row := range doc.Balances {
		id, err := keys.ParseHex(row.User)
		if err != nil {
			return nil, fmt.Errorf("balance: %w", err)
		}
		v.Balances[id] = row.Balance
	}

	for _, row := range doc.Authorizations {
		sender, recipient, err := pair(row.Sender, row.Recipient)
		if err != nil {
			return nil, fmt.Errorf("authorization %s: %w", row.ID, err)
		}
		if row.ID != ledger.AuthorizationID(sender, recipient) {
			return nil, fmt.Errorf("authorization %s: id does not match (%s, %s)", row.ID, sender, recipient)
		}
		claimKey, err := hex.DecodeString(row.ClaimKey)
		if err != nil {
			return nil, fmt.Errorf("authorization %s: claim key: %w", row.ID, err)
		}
		v.Authorizations[row.ID] = &ledger.Authorization{
			ID:        row.ID,
			Sender:    sender,
			Recipient: recipient,
			MaxAmount: row.MaxAmount,
			Active:    row.Active,
			ClaimKey:  claimKey,
		}
	}

	for _, row := range doc.Requests {
		sender, recipient, err := pair(row.Sender, row.Recipient)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", row.ID, err)
		}
		if row.ID != ledger.RequestID(sender, recipient) {
			return nil, fmt.Errorf("request %s: id does not match (%s, %s)", row.ID, sender, recipient)
		}
		switch row.Status {
		case ledger.RequestPending, ledger.RequestApproved, ledger.RequestRejected:
		default:
			return nil, fmt.Errorf("request %s: unknown status %q", row.ID, row.Status)
		}
		v.Requests[row.ID] = &ledger.PendingAuthRequest{
			ID:          row.ID,
			Sender:      sender,
			Recipient:   recipient,
			RequestedAt: row.RequestedAt,
			Status:      row.Status,
		}
	}

	for _, row := range doc.Claims {
		if _, ok := v.Authorizations[row.AuthID]; !ok {
			return nil, fmt.Errorf("claim %s: no such authorization", row.AuthID)
		}
		c := &ledger.EncryptedClaim{AuthID: row.AuthID}
		var err error
		if c.Ephemeral, err = hex.DecodeString(row.Ephemeral); err != nil {
			return nil, fmt.Errorf("claim %s: ephemeral: %w", row.AuthID, err)
		}
		if c.Ciphertext, err = hex.DecodeString(row.Ciphertext); err != nil {
			return nil, fmt.Errorf("claim %s: ciphertext: %w", row.AuthID, err)
		}
		if c.Commitment, err = hex.DecodeString(row.Commitment); err != nil {
			return nil, fmt.Errorf("claim %s: commitment: %w", row.AuthID, err)
		}
		v.Claims[row.AuthID] = c
	}

	for _, row := range doc.Disclosures {
		grantor, requester, err := pair(row.Grantor, row.Requester)
		if err != nil {
			return nil, fmt.Errorf("disclosure: %w", err)
		}
		if !row.Type.Valid() {
			return nil, fmt.Errorf("disclosure (%s, %s): unknown type %q", grantor, requester, row.Type)
		}
		p := &ledger.DisclosurePermission{
			Grantor:   grantor,
			Requester: requester,
			Type:      row.Type,
			Ceiling:   row.Ceiling,
			GrantedAt: row.GrantedAt,
		}
		if row.ExpiresAt != nil {
			p.ExpiresAt = *row.ExpiresAt
		}
		v.Disclosures[ledger.DisclosureKey{Grantor: grantor, Requester: requester}] = p
	}
	return v, nil
}

func pair(a, b string) (keys.ID, keys.ID, error) {
	first, err := keys.ParseHex(a)
	if err != nil {
		return "", "", err
	}
	second, err := keys.ParseHex(b)
	if err != nil {
		return "", "", err
	}
	return first, second, nil
}
