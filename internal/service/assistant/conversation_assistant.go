package assistant

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"discoursego/internal/models"
)

// CreateConversation inserts a new conversation and returns the record.
func (s *Service) CreateConversation(ctx context.Context, name string) (*models.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.Invalidf("conversation name is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (name, created_at) VALUES (?, ?)`,
		name, now,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "create conversation", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &models.StorageError{Op: "conversation id", Err: err}
	}
	return &models.Conversation{ID: id, Name: name, CreatedAt: now}, nil
}

// ListConversations returns all conversations, newest first.
func (s *Service) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM conversations ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "list conversations", Err: err}
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, &models.StorageError{Op: "scan conversation", Err: err}
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetConversation returns one conversation by id.
func (s *Service) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &models.NotFoundError{Entity: "conversation", ID: id}
		}
		return nil, &models.StorageError{Op: "get conversation", Err: err}
	}
	return &c, nil
}

// ListTurns returns the ordered turn sequence for a conversation.
func (s *Service) ListTurns(ctx context.Context, conversationID int64) ([]models.Turn, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, turn_number, query, response, persona_id, model_name, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY turn_number ASC`,
		conversationID,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "list turns", Err: err}
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

// AppendTurn assigns the next turn number and stores the turn. The number is
// computed and inserted inside one transaction; the unique constraint on
// (conversation_id, turn_number) backstops concurrent appends that bypass
// the orchestrator's per-conversation lock.
func (s *Service) AppendTurn(ctx context.Context, turn models.Turn) (*models.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.StorageError{Op: "begin append turn", Err: err}
	}
	defer tx.Rollback()

	var convID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE id = ?`, turn.ConversationID,
	).Scan(&convID); err != nil {
		if err == sql.ErrNoRows {
			return nil, &models.NotFoundError{Entity: "conversation", ID: turn.ConversationID}
		}
		return nil, &models.StorageError{Op: "append turn", Err: err}
	}

	var lastNumber int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_number), 0) FROM turns WHERE conversation_id = ?`, turn.ConversationID,
	).Scan(&lastNumber); err != nil {
		return nil, &models.StorageError{Op: "next turn number", Err: err}
	}

	turn.TurnNumber = lastNumber + 1
	turn.CreatedAt = time.Now().UTC()
	var personaID sql.NullInt64
	if turn.PersonaID != nil {
		personaID = sql.NullInt64{Int64: *turn.PersonaID, Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, turn_number, query, response, persona_id, model_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ConversationID, turn.TurnNumber, turn.Query, turn.Response, personaID, turn.ModelName, turn.CreatedAt,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "insert turn", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &models.StorageError{Op: "turn id", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "commit append turn", Err: err}
	}
	turn.ID = id
	return &turn, nil
}

// DeleteConversation removes a conversation along with its turns and
// documents. It returns the stored paths of the deleted documents so the
// caller can remove the blobs from disk.
func (s *Service) DeleteConversation(ctx context.Context, id int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.StorageError{Op: "begin delete conversation", Err: err}
	}
	defer tx.Rollback()

	paths, err := documentPaths(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, &models.StorageError{Op: "delete conversation", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, &models.StorageError{Op: "conversation rows affected", Err: err}
	}
	if affected == 0 {
		return nil, &models.NotFoundError{Entity: "conversation", ID: id}
	}
	// Cascade is declared at the schema level; delete explicitly as well so
	// the behavior does not depend on driver pragma state.
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return nil, &models.StorageError{Op: "delete turns", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE conversation_id = ?`, id); err != nil {
		return nil, &models.StorageError{Op: "delete documents", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "commit delete conversation", Err: err}
	}
	return paths, nil
}

func documentPaths(ctx context.Context, tx *sql.Tx, conversationID int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT stored_path FROM documents WHERE conversation_id = ?`, conversationID,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "document paths", Err: err}
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &models.StorageError{Op: "scan document path", Err: err}
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func scanTurn(rows *sql.Rows) (*models.Turn, error) {
	var t models.Turn
	var personaID sql.NullInt64
	if err := rows.Scan(&t.ID, &t.ConversationID, &t.TurnNumber, &t.Query, &t.Response, &personaID, &t.ModelName, &t.CreatedAt); err != nil {
		return nil, &models.StorageError{Op: "scan turn", Err: err}
	}
	if personaID.Valid {
		t.PersonaID = &personaID.Int64
	}
	return &t, nil
}
