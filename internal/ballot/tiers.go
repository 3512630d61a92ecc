package ballot

import (
	"net/url"
	"strings"
)

type SourceTier string

const (
	TierVerified   SourceTier = "verified"
	TierSourced    SourceTier = "sourced"
	TierAIInferred SourceTier = "ai-inferred"
)

// registrarSuffixes are host suffixes operated by election officials.
var registrarSuffixes = []string{
	".gov",
	".state.tx.us",
	".tx.us",
}

// IsOfficialSource reports whether rawURL resolves to an official registrar
// or election-authority domain.
func IsOfficialSource(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range registrarSuffixes {
		if strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".") {
			return true
		}
	}
	return false
}

// Tier grades how well a candidate's facts are backed.
func (c Candidate) Tier() SourceTier {
	if len(c.Sources) == 0 {
		return TierAIInferred
	}
	for _, s := range c.Sources {
		if IsOfficialSource(s.URL) {
			return TierVerified
		}
	}
	return TierSourced
}
