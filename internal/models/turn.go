package models

import "time"

// Turn is one query/response exchange within a conversation. Turns are
// immutable once recorded; turn numbers are contiguous starting at 1.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	TurnNumber     int       `json:"turn_number"`
	Query          string    `json:"query"`
	Response       string    `json:"response"`
	PersonaID      *int64    `json:"persona_id"`
	ModelName      string    `json:"model_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Exchange is the query/response pair shape handed to a provider as history.
type Exchange struct {
	Query    string
	Response string
}
