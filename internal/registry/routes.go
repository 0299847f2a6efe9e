package registry

// DefaultRouteTable maps the second path segment of an incoming request
// (e.g. "users" in "/api/users/42") to the logical service name that should
// handle it. This mirrors the teacher's ModelAliases table — a static
// string-to-target lookup — except the lookup key is a URL prefix instead
// of a model name, and there is no fallback: an unlisted prefix resolves to
// nothing.
//
// DefaultRouteTable matches spec §4.1's fixed table exactly.
var DefaultRouteTable = map[string]string{
	"users":         "user-service",
	"auth":          "user-service",
	"games":         "game-catalog-service",
	"payments":      "payment-service",
	"library":       "library-service",
	"social":        "social-service",
	"reviews":       "review-service",
	"achievements":  "achievement-service",
	"notifications": "notification-service",
	"downloads":     "download-service",
	"security":      "security-service",
}
