package model

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// bioPrefixLen bounds how much bio text contributes to a fingerprint.
const bioPrefixLen = 100

// Lead represents a single harvested entity from any source.
type Lead struct {
	HarvestedAt time.Time
	Name        string // Display name as shown on the platform
	Handle      string // Username/handle, if distinct from the name
	ProfileURL  string
	Bio         string
	SearchTerm  string // Search parameters that surfaced this lead
	Source      Source
}

// Fingerprint derives the identity key used to recognize re-encounters of
// the same real-world entity. Signals are consulted in priority order:
// profile URL, then handle, then normalized name corroborated by a bio
// prefix. Returns the fingerprint and whether it was derived from the name
// alone (a weak match). An empty fingerprint means the lead carries no
// usable identity.
func (l *Lead) Fingerprint() (fingerprint string, weak bool) {
	name := NormalizeName(l.Name)
	if len(name) < 2 {
		return "", false
	}

	if id := NormalizeProfileURL(l.ProfileURL); id != "" {
		return hashFactors("url:" + id), false
	}

	handle := strings.ToLower(strings.TrimSpace(l.Handle))
	if handle != "" && handle != name {
		return hashFactors("handle:" + handle), false
	}

	factors := []string{"name:" + name}
	if bio := normalizeBio(l.Bio); bio != "" {
		factors = append(factors, "bio:"+bio)
	}
	return hashFactors(factors...), true
}

func hashFactors(factors ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(factors, "|")))
	return fmt.Sprintf("%x", hash)
}

// NormalizeName lowercases and trims a display name for comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// placeholderURLs are values sources emit when no real profile link was
// found; they must never participate in identity.
var placeholderURLs = map[string]bool{
	"":              true,
	"#":             true,
	"url not found": true,
	"n/a":           true,
	"none":          true,
}

// NormalizeProfileURL reduces a profile URL to its stable identifying part:
// host plus path, lowercased, with scheme, query, fragment, and trailing
// slashes stripped. Placeholder values normalize to the empty string.
func NormalizeProfileURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if placeholderURLs[strings.ToLower(trimmed)] {
		return ""
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		// Unparseable URLs still identify, just less cleanly.
		return strings.ToLower(trimmed)
	}

	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	path := strings.TrimSuffix(parsed.Path, "/")
	if host == "" && path == "" {
		return ""
	}
	return host + strings.ToLower(path)
}

func normalizeBio(bio string) string {
	normalized := strings.ToLower(strings.TrimSpace(bio))
	if normalized == "" {
		return ""
	}
	if len(normalized) > bioPrefixLen {
		normalized = normalized[:bioPrefixLen]
	}
	return normalized
}
