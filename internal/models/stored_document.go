package models

import "time"

// StoredDocument represents metadata about a file held in an object storage bucket.
type StoredDocument struct {
	ID          string    `json:"id" msgpack:"id"`
	Bucket      string    `json:"bucket" msgpack:"bucket"`
	Name        string    `json:"name" msgpack:"name"`
	Size        int64     `json:"size" msgpack:"size"`
	ContentType string    `json:"contentType" msgpack:"contentType"`
	Category    string    `json:"category" msgpack:"category"` // "spreadsheet", "image", "pdf", "document", "data", "other"
	UploadedAt  time.Time `json:"uploadedAt" msgpack:"uploadedAt"`
}
