package tlscert

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCreatesAndReuses(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "nexus.crt")
	keyFile := filepath.Join(dir, "nexus.key")

	first, err := LoadOrGenerate(certFile, keyFile, nil)
	require.NoError(t, err)
	require.FileExists(t, certFile)
	require.FileExists(t, keyFile)

	second, err := LoadOrGenerate(certFile, keyFile, nil)
	require.NoError(t, err)

	fp1, err := Fingerprint(first)
	require.NoError(t, err)
	fp2, err := Fingerprint(second)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2, "second load must reuse the persisted certificate, not regenerate")
}
