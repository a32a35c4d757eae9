package locale

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zquestz/nexus/internal/nexuserr"
)

func TestFormatEnglish(t *testing.T) {
	f, err := NewFormatter()
	require.NoError(t, err)

	msg := f.Format(nexuserr.KindUserNotOnline, nexuserr.Params{"username": "Bob"}, "en")
	require.Equal(t, "Bob is not currently online.", msg)
}

func TestFormatFallsBackToEnglish(t *testing.T) {
	f, err := NewFormatter()
	require.NoError(t, err)

	// "invalid-message-format" has no French entry; must fall back to English.
	msg := f.Format(nexuserr.KindInvalidMessageFormat, nil, "fr")
	require.Equal(t, "The server could not understand that message.", msg)
}

func TestFormatUnknownLocaleFallsBackToEnglish(t *testing.T) {
	f, err := NewFormatter()
	require.NoError(t, err)

	msg := f.Format(nexuserr.KindPermissionDenied, nil, "xx-XX")
	require.Equal(t, "You do not have permission to do that.", msg)
}

func TestFormatMissingKeyReturnsKindName(t *testing.T) {
	f := &Formatter{catalogs: map[string]Catalog{English: {}}}
	msg := f.Format(nexuserr.Kind("something-unmapped"), nil, "en")
	require.Equal(t, "something-unmapped", msg)
}

func TestFormatLocalizedOverridesEnglish(t *testing.T) {
	f, err := NewFormatter()
	require.NoError(t, err)

	msg := f.Format(nexuserr.KindInvalidCredentials, nil, "de")
	require.Equal(t, "Benutzername oder Passwort ist falsch.", msg)
}
