// history.go - Detailed per-user transaction log.
//
// An Entry is one of nine variants, each carrying only the fields that mean
// something for its kind. Logs are bounded: Append keeps the most recent
// MaxEntries entries and evicts the oldest.

package history

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxEntries bounds a detailed log.
const MaxEntries = 100

// Kind tags an Entry variant.
type Kind string

const (
	KindCreate        Kind = "create"
	KindDeposit       Kind = "deposit"
	KindWithdraw      Kind = "withdraw"
	KindAuth          Kind = "auth"
	KindVerify        Kind = "verify"
	KindAuthRequest   Kind = "auth_request"
	KindAuthApprove   Kind = "auth_approve"
	KindAuthTransfer  Kind = "auth_transfer"
	KindClaimTransfer Kind = "claim_transfer"
)

// Entry is a detailed log record.
type Entry interface {
	Kind() Kind
	Timestamp() time.Time
}

// Create records account creation with its opening deposit.
type Create struct {
	When           time.Time `json:"when"`
	InitialDeposit uint64    `json:"initialDeposit"`
}

// Deposit records a deposit and the resulting balance.
type Deposit struct {
	When    time.Time `json:"when"`
	Amount  uint64    `json:"amount"`
	Balance uint64    `json:"balance"`
}

// Withdraw records a withdrawal and the resulting balance.
type Withdraw struct {
	When    time.Time `json:"when"`
	Amount  uint64    `json:"amount"`
	Balance uint64    `json:"balance"`
}

// Auth records an authenticated balance read.
type Auth struct {
	When    time.Time `json:"when"`
	Balance uint64    `json:"balance"`
}

// Verify records an account status verification.
type Verify struct {
	When   time.Time `json:"when"`
	Status string    `json:"status"`
}

// AuthRequest records a transfer authorization request sent to Recipient.
type AuthRequest struct {
	When      time.Time `json:"when"`
	Recipient string    `json:"recipient"`
}

// AuthApprove records approval of Sender's request up to MaxAmount.
type AuthApprove struct {
	When      time.Time `json:"when"`
	Sender    string    `json:"sender"`
	MaxAmount uint64    `json:"maxAmount"`
}

// AuthTransfer records an authorized send to Recipient.
type AuthTransfer struct {
	When      time.Time `json:"when"`
	Recipient string    `json:"recipient"`
	Amount    uint64    `json:"amount"`
}

// ClaimTransfer records a claimed transfer from Sender.
type ClaimTransfer struct {
	When   time.Time `json:"when"`
	Sender string    `json:"sender"`
	Amount uint64    `json:"amount"`
}

func (Create) Kind() Kind        { return KindCreate }
func (Deposit) Kind() Kind       { return KindDeposit }
func (Withdraw) Kind() Kind      { return KindWithdraw }
func (Auth) Kind() Kind          { return KindAuth }
func (Verify) Kind() Kind        { return KindVerify }
func (AuthRequest) Kind() Kind   { return KindAuthRequest }
func (AuthApprove) Kind() Kind   { return KindAuthApprove }
func (AuthTransfer) Kind() Kind  { return KindAuthTransfer }
func (ClaimTransfer) Kind() Kind { return KindClaimTransfer }

func (e Create) Timestamp() time.Time        { return e.When }
func (e Deposit) Timestamp() time.Time       { return e.When }
func (e Withdraw) Timestamp() time.Time      { return e.When }
func (e Auth) Timestamp() time.Time          { return e.When }
func (e Verify) Timestamp() time.Time        { return e.When }
func (e AuthRequest) Timestamp() time.Time   { return e.When }
func (e AuthApprove) Timestamp() time.Time   { return e.When }
func (e AuthTransfer) Timestamp() time.Time  { return e.When }
func (e ClaimTransfer) Timestamp() time.Time { return e.When }

// Append adds e to log and evicts the oldest entries beyond MaxEntries.
func Append(log []Entry, e Entry) []Entry {
	log = append(log, e)
	if len(log) > MaxEntries {
		trimmed := make([]Entry, MaxEntries)
		copy(trimmed, log[len(log)-MaxEntries:])
		return trimmed
	}
	return log
}

type envelope struct {
	Kind  Kind            `json:"kind"`
	Entry json.RawMessage `json:"entry"`
}

// Log is a detailed log with a tagged JSON encoding.
type Log []Entry

func (l Log) MarshalJSON() ([]byte, error) {
	out := make([]envelope, 0, len(l))
	for _, e := range l {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		out = append(out, envelope{Kind: e.Kind(), Entry: raw})
	}
	return json.Marshal(out)
}

func (l *Log) UnmarshalJSON(data []byte) error {
	var in []envelope
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Log, 0, len(in))
	for _, env := range in {
		e, err := decode(env)
		if err != nil {
			return err
		}
		out = append(out, e)
	}
	*l = out
	return nil
}

func decode(env envelope) (Entry, error) {
	var (
		e   Entry
		err error
	)
	switch env.Kind {
	case KindCreate:
		var v Create
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindDeposit:
		var v Deposit
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindWithdraw:
		var v Withdraw
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindAuth:
		var v Auth
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindVerify:
		var v Verify
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindAuthRequest:
		var v AuthRequest
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindAuthApprove:
		var v AuthApprove
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindAuthTransfer:
		var v AuthTransfer
		err = json.Unmarshal(env.Entry, &v)
		e = v
	case KindClaimTransfer:
		var v ClaimTransfer
		err = json.Unmarshal(env.Entry, &v)
		e = v
	default:
		return nil, fmt.Errorf("history: unknown entry kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("history: decode %s entry: %w", env.Kind, err)
	}
	return e, nil
}
