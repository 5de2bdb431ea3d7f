// wire.go - Snapshot wire encoding.
//
// A snapshot's Data is a JSON Document. User ids travel as hex-encoded
// fixed-width keys, byte strings as hex, amounts as decimal strings and
// times as RFC 3339. Rows are sorted so equal views encode identically.

package ledger

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

type Document struct {
	Accounts       []AccountRow       `json:"accounts"`
	Balances       []BalanceRow       `json:"balances"`
	Authorizations []AuthorizationRow `json:"authorizations"`
	Requests       []RequestRow       `json:"requests"`
	Claims         []ClaimRow         `json:"claims"`
	Disclosures    []DisclosureRow    `json:"disclosures"`
}

type AccountRow struct {
	User       string `json:"user"`
	Owner      string `json:"owner"`
	Status     Status `json:"status"`
	TxCount    uint64 `json:"txCount,string"`
	LastTxHash Hash   `json:"lastTxHash"`
}

type BalanceRow struct {
	User    string `json:"user"`
	Balance uint64 `json:"balance,string"`
}

type AuthorizationRow struct {
	ID        Hash   `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	MaxAmount uint64 `json:"maxAmount,string"`
	Active    bool   `json:"active"`
	ClaimKey  string `json:"claimKey"`
}

type RequestRow struct {
	ID          Hash          `json:"id"`
	Sender      string        `json:"sender"`
	Recipient   string        `json:"recipient"`
	RequestedAt time.Time     `json:"requestedAt"`
	Status      RequestStatus `json:"status"`
}

type ClaimRow struct {
	AuthID     Hash   `json:"authId"`
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	Commitment string `json:"commitment"`
}

type DisclosureRow struct {
	Grantor   string         `json:"grantor"`
	Requester string         `json:"requester"`
	Type      DisclosureType `json:"type"`
	Ceiling   uint64         `json:"ceiling,string"`
	GrantedAt time.Time      `json:"grantedAt"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

// Encode serializes v into snapshot data. Height is carried by the
// snapshot, not the document.
func Encode(v *View) ([]byte, error) {
	return json.Marshal(ToDocument(v))
}

// ToDocument flattens v into sorted rows.
func ToDocument(v *View) *Document {
	d := &Document{
		Accounts:       make([]AccountRow, 0, len(v.Accounts)),
		Balances:       make([]BalanceRow, 0, len(v.Balances)),
		Authorizations: make([]AuthorizationRow, 0, len(v.Authorizations)),
		Requests:       make([]RequestRow, 0, len(v.Requests)),
		Claims:         make([]ClaimRow, 0, len(v.Claims)),
		Disclosures:    make([]DisclosureRow, 0, len(v.Disclosures)),
	}
	for id, a := range v.Accounts {
		d.Accounts = append(d.Accounts, AccountRow{
			User:       id.Hex(),
			Owner:      hex.EncodeToString(a.Owner),
			Status:     a.Status,
			TxCount:    a.TxCount,
			LastTxHash: a.LastTxHash,
		})
	}
	for id, b := range v.Balances {
		d.Balances = append(d.Balances, BalanceRow{User: id.Hex(), Balance: b})
	}
	for _, a := range v.Authorizations {
		d.Authorizations = append(d.Authorizations, AuthorizationRow{
			ID:        a.ID,
			Sender:    a.Sender.Hex(),
			Recipient: a.Recipient.Hex(),
			MaxAmount: a.MaxAmount,
			Active:    a.Active,
			ClaimKey:  hex.EncodeToString(a.ClaimKey),
		})
	}
	for _, r := range v.Requests {
		d.Requests = append(d.Requests, RequestRow{
			ID:          r.ID,
			Sender:      r.Sender.Hex(),
			Recipient:   r.Recipient.Hex(),
			RequestedAt: r.RequestedAt.UTC(),
			Status:      r.Status,
		})
	}
	for _, c := range v.Claims {
		d.Claims = append(d.Claims, ClaimRow{
			AuthID:     c.AuthID,
			Ephemeral:  hex.EncodeToString(c.Ephemeral),
			Ciphertext: hex.EncodeToString(c.Ciphertext),
			Commitment: hex.EncodeToString(c.Commitment),
		})
	}
	for _, p := range v.Disclosures {
		row := DisclosureRow{
			Grantor:   p.Grantor.Hex(),
			Requester: p.Requester.Hex(),
			Type:      p.Type,
			Ceiling:   p.Ceiling,
			GrantedAt: p.GrantedAt.UTC(),
		}
		if !p.ExpiresAt.IsZero() {
			exp := p.ExpiresAt.UTC()
			row.ExpiresAt = &exp
		}
		d.Disclosures = append(d.Disclosures, row)
	}

	sort.Slice(d.Accounts, func(i, j int) bool { return d.Accounts[i].User < d.Accounts[j].User })
	sort.Slice(d.Balances, func(i, j int) bool { return d.Balances[i].User < d.Balances[j].User })
	sort.Slice(d.Authorizations, func(i, j int) bool {
		return d.Authorizations[i].ID.String() < d.Authorizations[j].ID.String()
	})
	sort.Slice(d.Requests, func(i, j int) bool { return d.Requests[i].ID.String() < d.Requests[j].ID.String() })
	sort.Slice(d.Claims, func(i, j int) bool { return d.Claims[i].AuthID.String() < d.Claims[j].AuthID.String() })
	sort.Slice(d.Disclosures, func(i, j int) bool {
		if d.Disclosures[i].Grantor != d.Disclosures[j].Grantor {
			return d.Disclosures[i].Grantor < d.Disclosures[j].Grantor
		}
		return d.Disclosures[i].Requester < d.Disclosures[j].Requester
	})
	return d
}
