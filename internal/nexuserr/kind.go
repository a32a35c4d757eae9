// Package nexuserr defines the closed set of wire-level error kinds the
// Nexus protocol can surface to a client, and the placeholder parameters
// that accompany them for localization (see internal/locale).
package nexuserr

// Kind is one member of the closed enumeration of protocol error kinds.
// Every Kind must have an English catalog entry; see internal/locale.
type Kind string

const (
	KindInvalidMessageFormat      Kind = "invalid-message-format"
	KindHandshakeRequired         Kind = "handshake-required"
	KindHandshakeAlreadyCompleted Kind = "handshake-already-completed"
	KindAlreadyLoggedIn           Kind = "already-logged-in"
	KindNotLoggedIn               Kind = "not-logged-in"
	KindVersionMajorMismatch      Kind = "version-major-mismatch"
	KindVersionClientTooNew       Kind = "version-client-too-new"
	KindInvalidCredentials        Kind = "invalid-credentials"
	KindAccountDisabledByAdmin    Kind = "account-disabled-by-admin"
	KindAccountDeleted            Kind = "account-deleted"
	KindPermissionDenied          Kind = "permission-denied"
	KindUnknownPermission         Kind = "unknown-permission"
	KindUsernameExists            Kind = "username-exists"
	KindUserNotFound              Kind = "user-not-found"
	KindUserNotOnline             Kind = "user-not-online"
	KindCannotActOnSelf           Kind = "cannot-act-on-self"
	KindCannotKickAdmin           Kind = "cannot-kick-admin"
	KindCannotDeleteLastAdmin     Kind = "cannot-delete-last-admin"
	KindCannotDemoteLastAdmin     Kind = "cannot-demote-last-admin"
	KindCannotDisableLastAdmin    Kind = "cannot-disable-last-admin"
	KindTopicTooLong              Kind = "topic-too-long"
	KindTopicInvalidChars         Kind = "topic-invalid-chars"
	KindMessageTooLong            Kind = "message-too-long"
	KindMessageInvalidChars       Kind = "message-invalid-chars"
	KindUsernameInvalid           Kind = "username-invalid"
	KindPasswordTooShort          Kind = "password-too-short"
	KindServerNameTooLong         Kind = "server-name-too-long"
	KindServerDescriptionTooLong  Kind = "server-description-too-long"
	KindAvatarTooLarge            Kind = "avatar-too-large"
	KindAvatarInvalidMime         Kind = "avatar-invalid-mime"
	KindLocaleInvalid             Kind = "locale-invalid"
	KindChatFeatureNotEnabled     Kind = "chat-feature-not-enabled"
	KindDatabase                  Kind = "database"
)

// Params carries placeholder substitutions for a Kind's catalog message,
// following the `{ $name }` convention (see internal/locale).
type Params map[string]string

// Error is a protocol-level error: a Kind plus its placeholder parameters.
// Call sites return it either bare or wrapped with trace.Wrap; the wire
// layer recovers the Kind via errors.As in both cases.
type Error struct {
	Kind   Kind
	Params Params
}

func (e *Error) Error() string {
	return string(e.Kind)
}

// New constructs an *Error for the given kind and parameters.
func New(kind Kind, params Params) *Error {
	return &Error{Kind: kind, Params: params}
}

// sessionCloses is the set of kinds that, per spec.md §7, close the
// session once surfaced instead of leaving it Active.
var sessionCloses = map[Kind]bool{
	KindHandshakeRequired:         true,
	KindHandshakeAlreadyCompleted: true,
	KindAlreadyLoggedIn:           true,
	KindNotLoggedIn:               true,
	KindInvalidCredentials:        true,
	KindAccountDeleted:            true,
	KindAccountDisabledByAdmin:    true,
	KindVersionMajorMismatch:      true,
	KindInvalidMessageFormat:      true,
}

// ClosesSession reports whether surfacing this kind to the client should
// also close the session, per spec.md §7.
func (k Kind) ClosesSession() bool {
	return sessionCloses[k]
}
