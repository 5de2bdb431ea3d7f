package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"privbank/internal/errs"
	"privbank/internal/keys"
)

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusInactive.CanBecome(StatusActive))
	require.True(t, StatusActive.CanBecome(StatusVerified))
	require.True(t, StatusVerified.CanBecome(StatusVerified))
	require.False(t, StatusVerified.CanBecome(StatusActive))
	require.True(t, StatusVerified.CanBecome(StatusSuspended))
	require.True(t, StatusSuspended.CanBecome(StatusActive))
	require.False(t, StatusActive.CanBecome(StatusUnknown))
}

func TestDisclosureExpiryIsInclusive(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	p := &DisclosurePermission{ExpiresAt: at}
	require.False(t, p.Expired(at.Add(-time.Nanosecond)))
	require.True(t, p.Expired(at))
	require.True(t, p.Expired(at.Add(time.Second)))

	never := &DisclosurePermission{}
	require.False(t, never.Expired(at.Add(100*365*24*time.Hour)))
}

func TestPairIDsAreOrdered(t *testing.T) {
	a, b := keys.Normalize("alice"), keys.Normalize("bob")
	require.NotEqual(t, AuthorizationID(a, b), AuthorizationID(b, a))
	require.NotEqual(t, AuthorizationID(a, b), RequestID(a, b))
	require.Equal(t, AuthorizationID(a, b), AuthorizationID(a, b))
}

func TestCloneIsDeep(t *testing.T) {
	alice := keys.Normalize("alice")
	v := NewView()
	v.Accounts[alice] = &Account{Owner: []byte{1}, Status: StatusActive}
	v.Balances[alice] = 10

	c := v.Clone()
	c.Accounts[alice].Status = StatusVerified
	c.Accounts[alice].Owner[0] = 9
	c.Balances[alice] = 20

	require.Equal(t, StatusActive, v.Accounts[alice].Status)
	require.Equal(t, byte(1), v.Accounts[alice].Owner[0])
	require.Equal(t, uint64(10), v.Balances[alice])
}

func TestEncodeIsDeterministic(t *testing.T) {
	v := NewView()
	for _, name := range []string{"carol", "alice", "bob"} {
		id := keys.Normalize(name)
		v.Accounts[id] = &Account{Owner: []byte(name), Status: StatusActive}
		v.Balances[id] = 100
	}
	first, err := Encode(v)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Encode(v.Clone())
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Contains(t, string(first), `"balance":"100"`)
}

func TestNodeCommitAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNode()
	addr, err := n.Deploy(ctx, []byte(`{"v":0}`))
	require.NoError(t, err)

	snap, err := n.Read(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), snap.Height)

	missing, err := n.Read(ctx, "nowhere")
	require.NoError(t, err)
	require.Nil(t, missing)

	updates, err := n.Subscribe(ctx, addr)
	require.NoError(t, err)
	first := <-updates
	require.Equal(t, uint64(0), first.Height)

	for i := 1; i <= 3; i++ {
		_, err := n.Commit(ctx, addr, func(s Snapshot) ([]byte, error) {
			return json.Marshal(map[string]uint64{"v": s.Height + 1})
		})
		require.NoError(t, err)
	}
	latest := <-updates
	require.Equal(t, uint64(3), latest.Height)
	require.JSONEq(t, `{"v":3}`, string(latest.Data))

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-updates
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestNodeCommitFailureLeavesState(t *testing.T) {
	ctx := context.Background()
	n := NewNode()
	addr, err := n.Deploy(ctx, []byte(`{}`))
	require.NoError(t, err)

	_, err = n.Commit(ctx, addr, func(Snapshot) ([]byte, error) {
		return nil, errs.State("nope")
	})
	require.ErrorIs(t, err, errs.ErrState)

	snap, err := n.Read(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(0), snap.Height)

	_, err = n.Subscribe(ctx, "nowhere")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestNodeCloseIsTransient(t *testing.T) {
	ctx := context.Background()
	n := NewNode()
	addr, err := n.Deploy(ctx, []byte(`{}`))
	require.NoError(t, err)
	updates, err := n.Subscribe(ctx, addr)
	require.NoError(t, err)
	<-updates

	n.Close()
	_, ok := <-updates
	require.False(t, ok)

	_, err = n.Read(ctx, addr)
	require.True(t, errs.IsTransient(err))
}

func TestNodeFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	n := NewNode()
	addr, err := n.Deploy(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = n.Commit(ctx, addr, func(Snapshot) ([]byte, error) { return []byte(`{"a":2}`), nil })
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, n.SaveToFile(path))

	loaded, err := LoadNodeFromFile(path)
	require.NoError(t, err)
	snap, err := loaded.Read(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Height)
	require.JSONEq(t, `{"a":2}`, string(snap.Data))
}
