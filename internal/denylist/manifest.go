package denylist

import "time"

// Manifest is written once per version, after its segments and before the
// pointer swap. Readers use it to confirm they saw every segment.
type Manifest struct {
	Version   string    `json:"version"`
	Segments  int       `json:"segments"`
	Hashes    int       `json:"hashes"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source,omitempty"`
}
