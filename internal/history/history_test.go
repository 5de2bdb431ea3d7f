package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendEvictsOldest(t *testing.T) {
	var log []Entry
	base := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < MaxEntries+5; i++ {
		log = Append(log, Deposit{When: base.Add(time.Duration(i) * time.Second), Amount: uint64(i)})
	}
	require.Len(t, log, MaxEntries)
	require.Equal(t, uint64(5), log[0].(Deposit).Amount)
	require.Equal(t, uint64(MaxEntries+4), log[MaxEntries-1].(Deposit).Amount)
}

func TestLogKeepsVariants(t *testing.T) {
	when := time.Unix(1_700_000_000, 0).UTC()
	in := Log{
		Create{When: when, InitialDeposit: 5000},
		AuthApprove{When: when, Sender: "alice", MaxAmount: 5000},
		ClaimTransfer{When: when, Sender: "alice", Amount: 3000},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"kind":"auth_approve"`)

	var out Log
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)
	require.Equal(t, KindClaimTransfer, out[2].Kind())
}

func TestUnknownKindRejected(t *testing.T) {
	var out Log
	err := json.Unmarshal([]byte(`[{"kind":"mint","entry":{}}]`), &out)
	require.Error(t, err)
}
