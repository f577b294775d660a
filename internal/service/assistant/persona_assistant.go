package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"discoursego/internal/models"
)

// ParseProviderParameters validates the raw provider_parameters payload. It
// must be absent, null, or a JSON object; opaque strings and arrays are
// rejected so malformed options fail before persistence.
func ParseProviderParameters(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, models.Invalidf("provider_parameters must be a JSON object")
	}
	return params, nil
}

func validatePersona(p *models.Persona) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Provider = strings.TrimSpace(p.Provider)
	p.ModelID = strings.TrimSpace(p.ModelID)
	p.PersonaName = strings.TrimSpace(p.PersonaName)
	switch {
	case p.Name == "":
		return models.Invalidf("name is required")
	case p.PersonaName == "":
		return models.Invalidf("persona_name is required")
	case p.Provider == "":
		return models.Invalidf("provider is required")
	case p.ModelID == "":
		return models.Invalidf("model_id is required")
	}
	if !models.IsKnownProvider(p.Provider) {
		return models.Invalidf("unknown provider: %s", p.Provider)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return models.Invalidf("temperature must be within [0, 2]")
	}
	if p.TopP < 0 || p.TopP > 1 {
		return models.Invalidf("top_p must be within [0, 1]")
	}
	if p.MaxTokens < 1 {
		return models.Invalidf("max_tokens must be at least 1")
	}
	return nil
}

func encodeProviderParameters(params map[string]any) (sql.NullString, error) {
	if params == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return sql.NullString{}, models.Invalidf("provider_parameters not encodable: %v", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func isDuplicateNameErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

// CreatePersona validates and stores a new persona configuration.
func (s *Service) CreatePersona(ctx context.Context, p models.Persona) (*models.Persona, error) {
	if err := validatePersona(&p); err != nil {
		return nil, err
	}
	params, err := encodeProviderParameters(p.ProviderParameters)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (name, provider, model_id, persona_name, persona_description, persona_instructions,
			temperature, max_tokens, top_p, provider_parameters, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Provider, p.ModelID, p.PersonaName, p.PersonaDescription, p.PersonaInstruct,
		p.Temperature, p.MaxTokens, p.TopP, params, p.IsActive, now, now,
	)
	if err != nil {
		if isDuplicateNameErr(err) {
			return nil, models.Invalidf("persona name %q already in use", p.Name)
		}
		return nil, &models.StorageError{Op: "create persona", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &models.StorageError{Op: "persona id", Err: err}
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return &p, nil
}

// UpdatePersona replaces a persona's configuration after validation.
func (s *Service) UpdatePersona(ctx context.Context, id int64, p models.Persona) (*models.Persona, error) {
	if err := validatePersona(&p); err != nil {
		return nil, err
	}
	params, err := encodeProviderParameters(p.ProviderParameters)
	if err != nil {
		return nil, err
	}
	// Existence is checked up front rather than via RowsAffected: mysql
	// reports zero affected rows when an update changes no column values.
	var existing int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM personas WHERE id = ?`, id,
	).Scan(&existing); err != nil {
		if err == sql.ErrNoRows {
			return nil, &models.NotFoundError{Entity: "persona", ID: id}
		}
		return nil, &models.StorageError{Op: "update persona", Err: err}
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE personas SET name = ?, provider = ?, model_id = ?, persona_name = ?, persona_description = ?,
			persona_instructions = ?, temperature = ?, max_tokens = ?, top_p = ?, provider_parameters = ?,
			is_active = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Provider, p.ModelID, p.PersonaName, p.PersonaDescription, p.PersonaInstruct,
		p.Temperature, p.MaxTokens, p.TopP, params, p.IsActive, now, id,
	)
	if err != nil {
		if isDuplicateNameErr(err) {
			return nil, models.Invalidf("persona name %q already in use", p.Name)
		}
		return nil, &models.StorageError{Op: "update persona", Err: err}
	}
	return s.GetPersona(ctx, id)
}

// DeletePersona removes a persona. Turns keep referencing the id; the
// reference is allowed to dangle and turn display falls back to the
// snapshotted model_name.
func (s *Service) DeletePersona(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return &models.StorageError{Op: "delete persona", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &models.StorageError{Op: "persona rows affected", Err: err}
	}
	if affected == 0 {
		return &models.NotFoundError{Entity: "persona", ID: id}
	}
	return nil
}

// GetPersona returns one persona by id.
func (s *Service) GetPersona(ctx context.Context, id int64) (*models.Persona, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, provider, model_id, persona_name, persona_description, persona_instructions,
			temperature, max_tokens, top_p, provider_parameters, is_active, created_at, updated_at
		 FROM personas WHERE id = ?`, id,
	)
	p, err := scanPersona(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &models.NotFoundError{Entity: "persona", ID: id}
		}
		return nil, err
	}
	return p, nil
}

// ListPersonas returns personas matching the filters in insertion order.
func (s *Service) ListPersonas(ctx context.Context, activeOnly bool, provider string) ([]models.Persona, error) {
	q := `SELECT id, name, provider, model_id, persona_name, persona_description, persona_instructions,
		temperature, max_tokens, top_p, provider_parameters, is_active, created_at, updated_at
	 FROM personas`
	var (
		clauses []string
		args    []any
	)
	if activeOnly {
		clauses = append(clauses, "is_active = ?")
		args = append(args, true)
	}
	if provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, provider)
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "list personas", Err: err}
	}
	defer rows.Close()

	personas := make([]models.Persona, 0)
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, *p)
	}
	return personas, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPersona(row rowScanner) (*models.Persona, error) {
	var (
		p      models.Persona
		params sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &p.Provider, &p.ModelID, &p.PersonaName, &p.PersonaDescription,
		&p.PersonaInstruct, &p.Temperature, &p.MaxTokens, &p.TopP, &params, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, &models.StorageError{Op: "scan persona", Err: err}
	}
	if params.Valid && params.String != "" {
		// Tolerate rows written before validation existed.
		if uerr := json.Unmarshal([]byte(params.String), &p.ProviderParameters); uerr != nil {
			p.ProviderParameters = map[string]any{}
		}
	}
	return &p, nil
}
