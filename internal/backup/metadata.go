package backup

import (
	"strconv"
	"time"
)

// Object user-metadata keys attached to every uploaded archive. S3
// lower-cases metadata keys in transit, so these are defined lower-case.
const (
	MetaID        = "backup-id"
	MetaName      = "backup-name"
	MetaCreated   = "backup-created"
	MetaProtected = "backup-protected"
	MetaInstance  = "instance-id"
)

// ObjectMetadata renders the record's descriptive fields as object user
// metadata so the catalog can rebuild full records from the store alone.
func ObjectMetadata(r Record, instanceID string) map[string]string {
	md := map[string]string{
		MetaID:        r.ID,
		MetaName:      r.Name,
		MetaCreated:   r.CreatedAt.UTC().Format(time.RFC3339),
		MetaProtected: strconv.FormatBool(r.Protected),
	}
	if instanceID != "" {
		md[MetaInstance] = instanceID
	}
	return md
}

// ApplyObjectMetadata folds object user metadata back into a record built
// from a storage key. Missing or malformed fields leave the key-derived
// values in place; the key remains authoritative for id and creation time.
func ApplyObjectMetadata(r Record, md map[string]string) Record {
	if name, ok := md[MetaName]; ok {
		r.Name = name
	}
	if v, ok := md[MetaProtected]; ok {
		if protected, err := strconv.ParseBool(v); err == nil {
			r.Protected = protected
		}
	}
	return r
}
