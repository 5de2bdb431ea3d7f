// view.go - Account View and the combine rule.

package reconcile

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"privbank/internal/circuit"
	"privbank/internal/keys"
	"privbank/internal/ledger"
	"privbank/internal/privstore"
)

// ActionStatus is the state of a locally initiated operation.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCommitted ActionStatus = "committed"
	ActionCancelled ActionStatus = "cancelled"
)

// Action is a locally initiated circuit operation.
type Action struct {
	ID      uuid.UUID    `json:"id"`
	Op      circuit.Op   `json:"op"`
	User    keys.ID      `json:"user"`
	Status  ActionStatus `json:"status"`
	Started time.Time    `json:"started"`
	Height  uint64       `json:"height,omitempty"`
	TxHash  ledger.Hash  `json:"txHash"`
	Reason  string       `json:"reason,omitempty"`
}

// Marker is the latest local action state. The zero Marker means nothing
// has been attempted.
type Marker struct {
	Last      *Action
	Cancelled *Action
}

// AccountView is the consumer-facing projection of one user's account.
type AccountView struct {
	Whoami                   keys.ID       `json:"whoami"`
	Height                   uint64        `json:"height"`
	AccountExists            bool          `json:"accountExists"`
	AccountOwner             []byte        `json:"accountOwner,omitempty"`
	Status                   ledger.Status `json:"status"`
	TransactionCount         uint64        `json:"transactionCount"`
	LastTransactionHash      ledger.Hash   `json:"lastTransactionHash"`
	Balance                  uint64        `json:"balance"`
	HasPrivateState          bool          `json:"hasPrivateState"`
	PrivateBalance           uint64        `json:"privateBalance"`
	PendingRequests          []keys.ID     `json:"pendingRequests,omitempty"`
	ClaimableFrom            []keys.ID     `json:"claimableFrom,omitempty"`
	LastTransaction          *Action       `json:"lastTransaction,omitempty"`
	LastCancelledTransaction *Action       `json:"lastCancelledTransaction,omitempty"`
}

// Empty is the seed of the fold: no account, zero balance, unknown status.
func Empty(whoami keys.ID) AccountView {
	return AccountView{Whoami: whoami, Status: ledger.StatusUnknown}
}

// Sources holds the last known value of each input stream.
type Sources struct {
	Ledger  *ledger.View
	Private *privstore.Record
	Marker  Marker
}

// Combine folds the latest sources into prev. Existence, status, counters
// and the last transaction hash come verbatim from the ledger view. Owner and
// balance fall back to prev when the ledger view carries no value for them.
// Local action markers are taken verbatim.
func Combine(prev AccountView, src Sources) AccountView {
	next := AccountView{
		Whoami:                   prev.Whoami,
		Status:                   ledger.StatusUnknown,
		AccountOwner:             prev.AccountOwner,
		Balance:                  prev.Balance,
		LastTransaction:          src.Marker.Last,
		LastCancelledTransaction: src.Marker.Cancelled,
	}
	if v := src.Ledger; v != nil {
		next.Height = v.Height
		if acct, ok := v.Account(next.Whoami); ok {
			next.AccountExists = true
			next.Status = acct.Status
			next.TransactionCount = acct.TxCount
			next.LastTransactionHash = acct.LastTxHash
			if len(acct.Owner) > 0 {
				next.AccountOwner = acct.Owner
			}
		}
		if bal, ok := v.Balance(next.Whoami); ok {
			next.Balance = bal
		}
		next.PendingRequests, next.ClaimableFrom = incoming(v, next.Whoami)
	}
	if rec := src.Private; rec != nil {
		next.HasPrivateState = true
		next.PrivateBalance = rec.Balance
	}
	return next
}

// incoming lists senders with a pending request to whoami and senders with
// an unclaimed artifact for whoami, sorted by id.
func incoming(v *ledger.View, whoami keys.ID) (requests, claimable []keys.ID) {
	for _, r := range v.Requests {
		if r.Recipient == whoami && r.Status == ledger.RequestPending {
			requests = append(requests, r.Sender)
		}
	}
	for id := range v.Claims {
		if a, ok := v.Authorizations[id]; ok && a.Recipient == whoami {
			claimable = append(claimable, a.Sender)
		}
	}
	sortIDs(requests)
	sortIDs(claimable)
	return requests, claimable
}

func sortIDs(ids []keys.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
