package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patternservice/patternd/internal/models"
)

const patternColumns = `id, collection_name, collection_version, collection_version_uri, pattern_name, definition_json, created_at, updated_at`

// CreatePattern inserts a new pattern and returns its id. A duplicate
// (collection, version, pattern name) triple returns ErrConflict.
func (s *Store) CreatePattern(ctx context.Context, pattern models.Pattern) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if strings.TrimSpace(pattern.CollectionName) == "" {
		return 0, errors.New("collection_name is required")
	}
	if strings.TrimSpace(pattern.CollectionVersion) == "" {
		return 0, errors.New("collection_version is required")
	}
	if strings.TrimSpace(pattern.PatternName) == "" {
		return 0, errors.New("pattern_name is required")
	}
	createdAt, updatedAt := timestamps(pattern.CreatedAt, pattern.UpdatedAt)
	res, err := s.DB.ExecContext(ctx, `INSERT INTO patterns (
		collection_name, collection_version, collection_version_uri, pattern_name, definition_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pattern.CollectionName,
		pattern.CollectionVersion,
		nullIfEmpty(pattern.CollectionVersionURI),
		pattern.PatternName,
		nullIfEmpty(string(pattern.Definition)),
		createdAt,
		updatedAt,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return 0, fmt.Errorf("%w: pattern %s %s %s", ErrConflict, pattern.CollectionName, pattern.CollectionVersion, pattern.PatternName)
		}
		return 0, fmt.Errorf("insert pattern: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("pattern id: %w", err)
	}
	return id, nil
}

// GetPattern loads a pattern by id.
func (s *Store) GetPattern(ctx context.Context, id int64) (models.Pattern, error) {
	if s == nil || s.DB == nil {
		return models.Pattern{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	return scanPatternRow(row)
}

// ListPatterns returns all patterns ordered by id.
func (s *Store) ListPatterns(ctx context.Context) ([]models.Pattern, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+patternColumns+` FROM patterns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()
	var out []models.Pattern
	for rows.Next() {
		pattern, err := scanPatternRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pattern)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return out, nil
}

// UpdatePatternDefinition stores the fetched definition and its resolved
// collection URI in one statement.
func (s *Store) UpdatePatternDefinition(ctx context.Context, id int64, definition []byte, uri string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if len(definition) == 0 {
		return errors.New("pattern definition is required")
	}
	updatedAt := formatTime(time.Now().UTC())
	res, err := s.DB.ExecContext(ctx, `UPDATE patterns SET definition_json = ?, collection_version_uri = ?, updated_at = ? WHERE id = ?`,
		string(definition), nullIfEmpty(uri), updatedAt, id)
	if err != nil {
		return fmt.Errorf("update pattern %d definition: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected pattern %d: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeletePattern removes a pattern. Its instances, their automations and
// label links go with it.
func (s *Store) DeletePattern(ctx context.Context, id int64) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pattern %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected pattern %d: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanPatternRow(scanner interface{ Scan(dest ...any) error }) (models.Pattern, error) {
	var pattern models.Pattern
	var uri sql.NullString
	var definition sql.NullString
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(
		&pattern.ID,
		&pattern.CollectionName,
		&pattern.CollectionVersion,
		&uri,
		&pattern.PatternName,
		&definition,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.Pattern{}, err
	}
	if uri.Valid {
		pattern.CollectionVersionURI = uri.String
	}
	if definition.Valid && definition.String != "" {
		pattern.Definition = []byte(definition.String)
	}
	var err error
	if pattern.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Pattern{}, fmt.Errorf("parse created_at: %w", err)
	}
	if pattern.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Pattern{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return pattern, nil
}
