package model

import "time"

// StoredFingerprint is one entry in a user's persistent fingerprint history
// for a source, with first-seen metadata.
type StoredFingerprint struct {
	FirstSeen   time.Time
	Fingerprint string
	SearchTerm  string
	Weak        bool // Derived from the display name alone
}
