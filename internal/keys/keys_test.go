package keys

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestNormalizeShortIdentifierUnchanged(t *testing.T) {
	for _, id := range []string{"", "alice", strings.Repeat("a", Size)} {
		require.Equal(t, ID(id), Normalize(id))
		require.False(t, Truncates(id))
	}
}

func TestNormalizeTruncatesToSize(t *testing.T) {
	long := strings.Repeat("b", 40)
	got := Normalize(long)
	require.Len(t, string(got), Size)
	require.Equal(t, ID(long[:Size]), got)
	require.True(t, Truncates(long))
}

func TestNormalizeKeepsRuneBoundary(t *testing.T) {
	// 31 ASCII bytes followed by a 3-byte rune straddles the limit. The
	// rune is dropped whole, so the key is 31 bytes, one short of Size.
	id := strings.Repeat("x", 31) + "€tail"
	got := Normalize(id)
	require.True(t, utf8.ValidString(string(got)))
	require.Equal(t, ID(strings.Repeat("x", 31)), got)
	require.Len(t, string(got), Size-1)
}

func TestNormalizeCollision(t *testing.T) {
	prefix := strings.Repeat("p", Size)
	require.Equal(t, Normalize(prefix+"-one"), Normalize(prefix+"-two"))
}

func TestNormalizeStrict(t *testing.T) {
	_, err := NormalizeStrict(strings.Repeat("z", Size+1))
	require.ErrorIs(t, err, ErrTooLong)

	id, err := NormalizeStrict("bob")
	require.NoError(t, err)
	require.Equal(t, ID("bob"), id)
}

func TestKeyRoundTrip(t *testing.T) {
	id := Normalize("carol")
	require.Equal(t, id, FromKey(id.Key()))

	parsed, err := ParseHex(id.Hex())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseHex("abcd")
	require.Error(t, err)
}
