package assistant

import "database/sql"

// Service handles conversation, persona and document persistence.
type Service struct {
	db        *sql.DB
	extractor *textExtractor
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:        db,
		extractor: newTextExtractor(),
	}
}
