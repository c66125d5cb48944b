package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	AutoStartBucket   = "autostart"
	PreferencesBucket = "preferences"
	MetaBucket        = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Preference keys
const (
	GuardEnabledKey = "process_guard_enabled"
)

// Current schema version
const CurrentSchemaVersion = 1

// AutoStartRecord is the auto-start flag of one tunnel, keyed by Key.String().
type AutoStartRecord struct {
	Key     string    `json:"key"`
	Enabled bool      `json:"enabled"`
	Updated time.Time `json:"updated"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *AutoStartRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *AutoStartRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
