package assistant

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"discoursego/internal/models"
)

// RecordDocument stores the metadata for a file already written to disk and
// extracts its text for context assembly. Extraction failure degrades to an
// empty extracted text rather than failing the upload.
func (s *Service) RecordDocument(ctx context.Context, conversationID int64, fileName, storedPath, mimeType string, size int64) (*models.Document, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, models.Invalidf("document is empty")
	}

	var extracted string
	if s.extractor != nil {
		text, err := s.extractor.Extract(ctx, storedPath)
		if err != nil {
			log.Printf("extract text from %s: %v", storedPath, err)
		} else {
			extracted = text
		}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (conversation_id, file_name, stored_path, mime_type, size, extracted_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, fileName, storedPath, mimeType, size, extracted, now,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "record document", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &models.StorageError{Op: "document id", Err: err}
	}
	return &models.Document{
		ID:             id,
		ConversationID: conversationID,
		FileName:       fileName,
		StoredPath:     storedPath,
		MimeType:       mimeType,
		Size:           size,
		ExtractedText:  extracted,
		CreatedAt:      now,
	}, nil
}

// ListDocuments returns a conversation's documents in upload order.
func (s *Service) ListDocuments(ctx context.Context, conversationID int64) ([]models.Document, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, file_name, stored_path, mime_type, size, extracted_text, created_at
		 FROM documents WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, &models.StorageError{Op: "list documents", Err: err}
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.FileName, &d.StoredPath, &d.MimeType, &d.Size, &d.ExtractedText, &d.CreatedAt); err != nil {
			return nil, &models.StorageError{Op: "scan document", Err: err}
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DocumentOwner returns the conversation a document belongs to.
func (s *Service) DocumentOwner(ctx context.Context, id int64) (int64, error) {
	var conversationID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM documents WHERE id = ?`, id,
	).Scan(&conversationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, &models.NotFoundError{Entity: "document", ID: id}
		}
		return 0, &models.StorageError{Op: "document owner", Err: err}
	}
	return conversationID, nil
}

// DeleteDocument removes a document record and returns its stored path so
// the caller can remove the blob.
func (s *Service) DeleteDocument(ctx context.Context, id int64) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT stored_path FROM documents WHERE id = ?`, id,
	).Scan(&path)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", &models.NotFoundError{Entity: "document", ID: id}
		}
		return "", &models.StorageError{Op: "get document", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return "", &models.StorageError{Op: "delete document", Err: err}
	}
	return path, nil
}

// DocumentContext concatenates the extracted texts of a conversation's
// documents in upload order. No documents yields an empty context.
func (s *Service) DocumentContext(ctx context.Context, conversationID int64) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_name, extracted_text FROM documents WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID,
	)
	if err != nil {
		return "", &models.StorageError{Op: "document context", Err: err}
	}
	defer rows.Close()

	var builder strings.Builder
	for rows.Next() {
		var name, text string
		if err := rows.Scan(&name, &text); err != nil {
			return "", &models.StorageError{Op: "scan document context", Err: err}
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString("From " + name + ":\n")
		builder.WriteString(text)
	}
	if err := rows.Err(); err != nil {
		return "", &models.StorageError{Op: "document context", Err: err}
	}
	return builder.String(), nil
}
