// Package backup holds the domain types shared by the storage agent:
// the backup record, the object-metadata schema attached to stored
// archives, and the error kinds surfaced to the platform.
package backup

import (
	"fmt"
	"strings"
	"time"
)

// Record represents one backup archive as the platform sees it.
type Record struct {
	// ID is the opaque, platform-assigned backup identifier.
	ID string

	// Name is the human-readable label. Not guaranteed unique.
	Name string

	// CreatedAt is immutable once set and participates in the storage key.
	CreatedAt time.Time

	// SizeBytes is exact only after an upload commits or a remote HEAD.
	SizeBytes int64

	// Protected mirrors the platform's encrypted/password-protected flag.
	// The agent never interprets it.
	Protected bool
}

// Validate checks the fields the platform must supply before any storage
// operation can be derived from the record.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty backup id", ErrInvalidArgument)
	}
	if strings.ContainsAny(r.ID, "/ ") {
		return fmt.Errorf("%w: backup id %q contains reserved characters", ErrInvalidArgument, r.ID)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: backup %q has no creation time", ErrInvalidArgument, r.ID)
	}
	return nil
}
