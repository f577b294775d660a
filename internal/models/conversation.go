package models

import "time"

// Conversation groups an ordered sequence of turns.
type Conversation struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
