// Package fingerprint computes opaque content versions for stored documents
// and evaluates If-None-Match style conditions against them.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Of returns a strong entity tag for body, quoted as HTTP expects.
func Of(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// Matches reports whether an If-None-Match header value names current.
// Weak validators compare equal to their strong form; "*" matches anything
// that exists.
func Matches(ifNoneMatch, current string) bool {
	if ifNoneMatch == "" || current == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if normalize(candidate) == normalize(current) {
			return true
		}
	}
	return false
}

func normalize(tag string) string {
	tag = strings.TrimPrefix(tag, "W/")
	if !strings.HasPrefix(tag, `"`) {
		tag = `"` + tag + `"`
	}
	return tag
}
