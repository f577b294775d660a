package assistant

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"discoursego/internal/config"
	"discoursego/internal/models"
	"discoursego/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// The in-memory database lives on a single connection.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestCreateConversationRejectsBlankName(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)

	for _, name := range []string{"", "   ", "\t\n"} {
		_, err := svc.CreateConversation(context.Background(), name)
		var verr *models.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("name %q: expected ValidationError, got %v", name, err)
		}
	}
}

func TestGetConversationNotFound(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)

	_, err := svc.GetConversation(context.Background(), 42)
	var nf *models.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestAppendTurnAssignsContiguousNumbers(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "Demo")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	first, err := svc.AppendTurn(ctx, models.Turn{
		ConversationID: conv.ID,
		Query:          "Hello",
		Response:       "Hi there",
		ModelName:      "openai/gpt-4",
	})
	if err != nil {
		t.Fatalf("append first turn: %v", err)
	}
	if first.TurnNumber != 1 {
		t.Fatalf("expected turn_number 1, got %d", first.TurnNumber)
	}

	second, err := svc.AppendTurn(ctx, models.Turn{
		ConversationID: conv.ID,
		Query:          "How are you?",
		Response:       "Fine",
		ModelName:      "openai/gpt-4",
	})
	if err != nil {
		t.Fatalf("append second turn: %v", err)
	}
	if second.TurnNumber != 2 {
		t.Fatalf("expected turn_number 2, got %d", second.TurnNumber)
	}

	turns, err := svc.ListTurns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].ID != first.ID || turns[0].Response != "Hi there" || turns[0].TurnNumber != 1 {
		t.Fatalf("first turn changed after second append: %+v", turns[0])
	}
}

func TestAppendTurnToMissingConversation(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)

	_, err := svc.AppendTurn(context.Background(), models.Turn{ConversationID: 99, Query: "q", Response: "r"})
	var nf *models.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "doomed")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.AppendTurn(ctx, models.Turn{ConversationID: conv.ID, Query: "q", Response: "r", ModelName: "m"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO documents (conversation_id, file_name, stored_path, mime_type, size, extracted_text, created_at)
		 VALUES (?, 'a.txt', '/tmp/a.txt', 'text/plain', 3, 'abc', CURRENT_TIMESTAMP)`,
		conv.ID,
	); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	paths, err := svc.DeleteConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/tmp/a.txt" {
		t.Fatalf("unexpected document paths: %v", paths)
	}

	var turnCount, docCount int
	if err := db.QueryRow(`SELECT COUNT(1) FROM turns WHERE conversation_id = ?`, conv.ID).Scan(&turnCount); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(1) FROM documents WHERE conversation_id = ?`, conv.ID).Scan(&docCount); err != nil {
		t.Fatalf("count documents: %v", err)
	}
	if turnCount != 0 || docCount != 0 {
		t.Fatalf("cascade incomplete: %d turns, %d documents left", turnCount, docCount)
	}

	if _, err := svc.DeleteConversation(ctx, conv.ID); err == nil {
		t.Fatalf("expected error deleting twice")
	}
}
