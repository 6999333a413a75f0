package model

import "time"

// RecordMetadata is the descriptive metadata published at a record's URI.
type RecordMetadata struct {
	Title       string
	Description string
	CreatedAt   time.Time // Zero when the document omits it.
}
