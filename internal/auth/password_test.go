package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fastParams() Params {
	return Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func TestHashAndVerify(t *testing.T) {
	encoded, err := Hash("correct horse battery staple", fastParams())
	require.NoError(t, err)

	ok, err := Verify("correct horse battery staple", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Verify("wrong password", encoded)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	a, err := Hash("same password", fastParams())
	require.NoError(t, err)
	b, err := Hash("same password", fastParams())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
