package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// Entry is the cached representation of a full upstream response: status,
// headers, and body. Caching only the body would lose content-type and
// other response headers the client needs on a replay (spec §4.5).
type Entry struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body"`
}

// Encode serializes e for storage in a byte-oriented Cache backend.
func (e Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry reverses Encode.
func DecodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Fingerprint computes the cache key for a request per spec §4.5:
//
//	SHA-256(METHOD | canonicalPath | sortedQuery | credentialHash)
//
// credentialHash is the SHA-256 of the bearer token (or of the whole header
// value for any other scheme) when an Authorization header is present, or
// empty when the request is unauthenticated — so an
// authenticated response is never served to a request bearing a different
// (or no) credential.
func Fingerprint(method, path, rawQuery, authorizationHeader string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'|'})
	h.Write([]byte(canonicalPath(path)))
	h.Write([]byte{'|'})
	h.Write([]byte(canonicalQuery(rawQuery)))
	h.Write([]byte{'|'})

	cred := bearerCredential(authorizationHeader)
	if cred == "" {
		cred = authorizationHeader
	}
	if cred != "" {
		credSum := sha256.Sum256([]byte(cred))
		h.Write([]byte(hex.EncodeToString(credSum[:])))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPath trims a single trailing slash (except for the root) so that
// "/api/games" and "/api/games/" fingerprint identically.
func canonicalPath(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return strings.TrimSuffix(path, "/")
	}
	return path
}

// canonicalQuery sorts query parameters by key so that differently ordered
// but semantically identical query strings fingerprint identically.
func canonicalQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(vs, ","))
	}
	return b.String()
}

// bearerCredential extracts the token from an "Authorization: Bearer <tok>"
// header. Returns "" for any other scheme or an empty header.
func bearerCredential(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
