package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelsMatchByKind(t *testing.T) {
	err := Authorization("amount exceeds authorized limit")
	require.ErrorIs(t, err, ErrAuthorization)
	require.NotErrorIs(t, err, ErrState)

	wrapped := fmt.Errorf("send: %w", err)
	require.ErrorIs(t, wrapped, ErrAuthorization)
	require.Equal(t, KindAuthorization, KindOf(wrapped))
}

func TestIsMatchesMessage(t *testing.T) {
	a := State("no pending amount to claim")
	require.ErrorIs(t, a, State("no pending amount to claim"))
	require.NotErrorIs(t, a, State("insufficient funds"))
}

func TestTransientUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("ledger unavailable", cause)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection refused")
}

func TestWithOp(t *testing.T) {
	err := NotFound("recipient does not exist").WithOp("request_authorization")
	require.Equal(t, "request_authorization: not_found: recipient does not exist", err.Error())
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
