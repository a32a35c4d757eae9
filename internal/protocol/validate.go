package protocol

import (
	"encoding/base64"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zquestz/nexus/internal/nexuserr"
)

// ValidateUsername enforces spec.md §4.2: letters, digits, and symbols,
// no whitespace or control characters, bounded length.
func ValidateUsername(username string) error {
	if username == "" || utf8.RuneCountInString(username) > MaxUsernameLength {
		return nexuserr.New(nexuserr.KindUsernameInvalid, nil)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return nexuserr.New(nexuserr.KindUsernameInvalid, nil)
		}
	}
	return nil
}

// ValidatePassword enforces MinPasswordLength and MaxPasswordLength. A
// password over the maximum is reported with the password-too-short kind,
// since there is no separate too-long kind.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return nexuserr.New(nexuserr.KindPasswordTooShort, nexuserr.Params{"minLength": strconv.Itoa(MinPasswordLength)})
	}
	if n > MaxPasswordLength {
		return nexuserr.New(nexuserr.KindPasswordTooShort, nexuserr.Params{"minLength": strconv.Itoa(MinPasswordLength)})
	}
	return nil
}

// ValidateMessage enforces spec.md §4.2: messages reject control
// characters other than spaces.
func ValidateMessage(text string) error {
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nexuserr.New(nexuserr.KindMessageTooLong, nexuserr.Params{"maxLength": strconv.Itoa(MaxMessageLength)})
	}
	for _, r := range text {
		if r == ' ' {
			continue
		}
		if unicode.IsControl(r) {
			return nexuserr.New(nexuserr.KindMessageInvalidChars, nil)
		}
	}
	return nil
}

// ValidateTopic enforces spec.md §3: bounded, no newlines, restricted
// character set.
func ValidateTopic(topic string) error {
	if utf8.RuneCountInString(topic) > MaxTopicLength {
		return nexuserr.New(nexuserr.KindTopicTooLong, nexuserr.Params{"maxLength": strconv.Itoa(MaxTopicLength)})
	}
	return validateNoNewlinesOrControls(topic, nexuserr.KindTopicInvalidChars)
}

// ValidateServerName enforces spec.md §3: bounded text, no newlines.
func ValidateServerName(name string) error {
	if utf8.RuneCountInString(name) > MaxServerNameLength {
		return nexuserr.New(nexuserr.KindServerNameTooLong, nexuserr.Params{"maxLength": strconv.Itoa(MaxServerNameLength)})
	}
	return validateNoNewlinesOrControls(name, nexuserr.KindMessageInvalidChars)
}

// ValidateServerDescription enforces spec.md §3: bounded text, no newlines.
func ValidateServerDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxServerDescriptionLength {
		return nexuserr.New(nexuserr.KindServerDescriptionTooLong, nexuserr.Params{"maxLength": strconv.Itoa(MaxServerDescriptionLength)})
	}
	return validateNoNewlinesOrControls(desc, nexuserr.KindMessageInvalidChars)
}

func validateNoNewlinesOrControls(s string, kind nexuserr.Kind) error {
	for _, r := range s {
		if r == '\n' || r == '\r' {
			return nexuserr.New(kind, nil)
		}
		if r != ' ' && unicode.IsControl(r) {
			return nexuserr.New(kind, nil)
		}
	}
	return nil
}

// ValidateLocale enforces spec.md §3: bounded length, restricted charset
// (letters, digits, hyphen — a loose BCP-47 approximation).
func ValidateLocale(locale string) error {
	if locale == "" || len(locale) > MaxLocaleLength {
		return nexuserr.New(nexuserr.KindLocaleInvalid, nexuserr.Params{"locale": locale})
	}
	for _, r := range locale {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
			return nexuserr.New(nexuserr.KindLocaleInvalid, nexuserr.Params{"locale": locale})
		}
	}
	return nil
}

// ValidateFeatures enforces spec.md §3: bounded count and length of
// feature tags.
func ValidateFeatures(features []string) error {
	if len(features) > MaxFeatureTagCount {
		return nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
	}
	for _, f := range features {
		if f == "" || len(f) > MaxFeatureTagLength {
			return nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
		}
	}
	return nil
}

// ServerImage is a parsed base64 data URI for server_image (spec.md §3).
type ServerImage struct {
	MIME string
	Data []byte
}

// ParseAndValidateServerImage decodes a "data:<mime>;base64,<data>" URI,
// enforcing the MIME allowlist and the 512 KiB size cap (spec.md §3).
func ParseAndValidateServerImage(dataURI string) (*ServerImage, error) {
	if dataURI == "" {
		return &ServerImage{}, nil
	}

	const prefix = "data:"
	if !strings.HasPrefix(dataURI, prefix) {
		return nil, nexuserr.New(nexuserr.KindAvatarInvalidMime, nexuserr.Params{"mime": ""})
	}
	rest := dataURI[len(prefix):]
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return nil, nexuserr.New(nexuserr.KindAvatarInvalidMime, nexuserr.Params{"mime": ""})
	}
	mime := rest[:sep]
	encoded := rest[sep+len(";base64,"):]

	if !AllowedAvatarMIMETypes[mime] {
		return nil, nexuserr.New(nexuserr.KindAvatarInvalidMime, nexuserr.Params{"mime": mime})
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nexuserr.New(nexuserr.KindAvatarInvalidMime, nexuserr.Params{"mime": mime})
	}
	if len(data) > MaxAvatarBytes {
		return nil, nexuserr.New(nexuserr.KindAvatarTooLarge, nexuserr.Params{"maxBytes": strconv.Itoa(MaxAvatarBytes)})
	}

	return &ServerImage{MIME: mime, Data: data}, nil
}
