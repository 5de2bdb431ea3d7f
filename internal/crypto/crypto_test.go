package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"privbank/internal/keys"
)

func TestPinCommitment(t *testing.T) {
	alice := keys.Normalize("alice")
	c1 := PinCommitment(alice, "1234")
	require.Len(t, c1, DigestSize)
	require.Equal(t, c1, PinCommitment(alice, "1234"))
	require.NotEqual(t, c1, PinCommitment(alice, "4321"))
	require.NotEqual(t, c1, PinCommitment(keys.Normalize("bob"), "1234"))
}

func TestDeriveKeyPairDeterministic(t *testing.T) {
	bob := keys.Normalize("bob")
	require.Equal(t, DeriveKeyPair(bob, "1111").PublicBytes(), DeriveKeyPair(bob, "1111").PublicBytes())
	require.NotEqual(t, DeriveKeyPair(bob, "1111").PublicBytes(), DeriveKeyPair(bob, "2222").PublicBytes())

	pk, err := ParsePublicKey(DeriveKeyPair(bob, "1111").PublicBytes())
	require.NoError(t, err)
	require.True(t, pk.IsOnCurve())
}

func TestSealAndOpen(t *testing.T) {
	bob := keys.Normalize("bob")
	kp := DeriveKeyPair(bob, "1111")
	authID := [32]byte{1, 2, 3}

	sealed, sent, err := SealAmount(kp.PublicBytes(), authID, 3000)
	require.NoError(t, err)
	require.Len(t, sealed.Ciphertext, 8)
	require.True(t, VerifyOpening(authID, sealed.Commitment, sent))

	opening, err := OpenAmount(kp, authID, sealed)
	require.NoError(t, err)
	require.Equal(t, uint64(3000), opening.Amount)
	require.Equal(t, sent.Blinding, opening.Blinding)
	require.True(t, VerifyOpening(authID, sealed.Commitment, opening))
	require.False(t, VerifyOpening(authID, sealed.Commitment, &Opening{Amount: 3001, Blinding: opening.Blinding}))

	t.Run("wrong key", func(t *testing.T) {
		_, err := OpenAmount(DeriveKeyPair(bob, "9999"), authID, sealed)
		require.ErrorIs(t, err, ErrSealedMismatch)
	})
	t.Run("wrong authorization", func(t *testing.T) {
		_, err := OpenAmount(kp, [32]byte{9}, sealed)
		require.ErrorIs(t, err, ErrSealedMismatch)
	})
}

func TestSealRejectsBadKey(t *testing.T) {
	_, _, err := SealAmount([]byte{1, 2, 3}, [32]byte{}, 10)
	require.Error(t, err)
}

func TestTxHashChains(t *testing.T) {
	h1 := TxHash(nil, "deposit", 1)
	h2 := TxHash(h1[:], "deposit", 2)
	require.NotEqual(t, h1, h2)
	require.Equal(t, h2, TxHash(h1[:], "deposit", 2))
	require.NotEqual(t, h2, TxHash(h1[:], "withdraw", 2))
}
