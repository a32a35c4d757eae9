package protocol

// Bounds enforced before any state mutation (spec.md §4.2 "Validation
// rules (pre-permission)").
const (
	MaxFrameLength = 768 * 1024 // must cover a base64 avatar embed (spec.md §4.1)

	MaxUsernameLength = 32
	MinPasswordLength = 8
	MaxPasswordLength = 256

	MaxMessageLength = 4000
	MaxTopicLength   = 200

	MaxServerNameLength        = 100
	MaxServerDescriptionLength = 1000

	MaxAvatarBytes = 512 * 1024

	MaxLocaleLength      = 35 // e.g. "zh-Hant-TW" plus headroom
	MaxFeatureTagLength  = 64
	MaxFeatureTagCount   = 32
)

// AllowedAvatarMIMETypes is the closed set accepted for server_image
// (spec.md §3).
var AllowedAvatarMIMETypes = map[string]bool{
	"image/png":  true,
	"image/webp": true,
	"image/jpeg": true,
	"image/svg+xml": true,
}
