// Package keys maps backup identities to object-store keys and back.
// The mapping is pure and bijective: no lookup table, no network calls,
// and any key produced by ToKey can be decoded again by FromKey.
package keys

import (
	"strings"
	"time"
)

// Archive keys look like {prefix}{20060102T150405Z}_{id}.tar. The
// timestamp is fixed-width so ids may contain underscores without
// breaking the decode.
const (
	timestampLayout = "20060102T150405Z"
	timestampLen    = len(timestampLayout)
	archiveSuffix   = ".tar"
)

// Mapper derives storage keys under a configured prefix.
type Mapper struct {
	prefix string
}

// NewMapper normalises the configured prefix: trim whitespace, strip a
// leading slash, and ensure a trailing slash whenever the prefix is
// non-empty.
func NewMapper(prefix string) *Mapper {
	p := strings.TrimSpace(prefix)
	p = strings.TrimPrefix(p, "/")
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return &Mapper{prefix: p}
}

// Prefix returns the normalised key prefix, suitable for list calls.
func (m *Mapper) Prefix() string {
	return m.prefix
}

// ToKey computes the storage key for a backup. The result is stable for
// the lifetime of the backup: both inputs are immutable platform data.
func (m *Mapper) ToKey(id string, createdAt time.Time) string {
	return m.prefix + createdAt.UTC().Format(timestampLayout) + "_" + id + archiveSuffix
}

// FromKey recovers the backup id and creation time from a storage key.
// Keys outside the prefix, or under the prefix but not in the expected
// shape, report ok=false so foreign objects in the bucket are ignored.
func (m *Mapper) FromKey(key string) (id string, createdAt time.Time, ok bool) {
	base, found := strings.CutPrefix(key, m.prefix)
	if !found {
		return "", time.Time{}, false
	}

	// Shortest valid base: timestamp + "_" + one-char id + ".tar".
	if len(base) < timestampLen+1+1+len(archiveSuffix) {
		return "", time.Time{}, false
	}
	if !strings.HasSuffix(base, archiveSuffix) {
		return "", time.Time{}, false
	}
	if base[timestampLen] != '_' {
		return "", time.Time{}, false
	}

	ts, err := time.Parse(timestampLayout, base[:timestampLen])
	if err != nil {
		return "", time.Time{}, false
	}

	id = base[timestampLen+1 : len(base)-len(archiveSuffix)]
	if id == "" || strings.Contains(id, "/") {
		return "", time.Time{}, false
	}

	return id, ts, true
}
