package models

import "time"

// Document is an uploaded file attached to one conversation. The raw blob
// lives on disk at StoredPath; ExtractedText is what context assembly uses
// and may be empty when extraction failed.
type Document struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	StoredPath     string    `json:"-"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	ExtractedText  string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
