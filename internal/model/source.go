// Package model defines the core domain types for lead harvesting.
package model

import (
	"fmt"
	"strings"
)

// Source identifies an external platform a harvest job collects leads from.
// The set is closed; jobs are bound to sources through the dispatch registry
// at startup, never resolved from free-form strings at call time.
type Source string

// Supported sources.
const (
	SourceInstagram Source = "instagram"
	SourceFacebook  Source = "facebook"
	SourceTwitter   Source = "twitter"
	SourceLinkedIn  Source = "linkedin"
	SourceYouTube   Source = "youtube"
	SourceTikTok    Source = "tiktok"
	SourceMedium    Source = "medium"
	SourceReddit    Source = "reddit"
)

// AllSources lists every supported source in canonical order.
func AllSources() []Source {
	return []Source{
		SourceInstagram,
		SourceFacebook,
		SourceTwitter,
		SourceLinkedIn,
		SourceYouTube,
		SourceTikTok,
		SourceMedium,
		SourceReddit,
	}
}

// ParseSource converts a string to a Source, rejecting unknown values.
func ParseSource(s string) (Source, error) {
	candidate := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSources() {
		if candidate == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// ParseSources converts a list of strings to Sources, rejecting duplicates
// and unknown values.
func ParseSources(names []string) ([]Source, error) {
	seen := make(map[Source]bool, len(names))
	sources := make([]Source, 0, len(names))
	for _, name := range names {
		source, err := ParseSource(name)
		if err != nil {
			return nil, err
		}
		if seen[source] {
			return nil, fmt.Errorf("duplicate source %q", name)
		}
		seen[source] = true
		sources = append(sources, source)
	}
	return sources, nil
}

func (s Source) String() string {
	return string(s)
}
