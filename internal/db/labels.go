package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patternservice/patternd/internal/models"
)

// GetOrCreateControllerLabel returns the local row for a controller label id,
// inserting it first if needed. Concurrent callers converge on one row.
func (s *Store) GetOrCreateControllerLabel(ctx context.Context, labelID int64) (models.ControllerLabel, error) {
	if s == nil || s.DB == nil {
		return models.ControllerLabel{}, errors.New("db store is nil")
	}
	if labelID <= 0 {
		return models.ControllerLabel{}, errors.New("label id must be positive")
	}
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO controller_labels (label_id, created_at) VALUES (?, ?)
		ON CONFLICT(label_id) DO NOTHING`, labelID, formatTime(time.Now().UTC())); err != nil {
		return models.ControllerLabel{}, fmt.Errorf("insert controller label %d: %w", labelID, err)
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, label_id, created_at FROM controller_labels WHERE label_id = ?`, labelID)
	return scanLabelRow(row)
}

// GetControllerLabel loads a label by its local id.
func (s *Store) GetControllerLabel(ctx context.Context, id int64) (models.ControllerLabel, error) {
	if s == nil || s.DB == nil {
		return models.ControllerLabel{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, label_id, created_at FROM controller_labels WHERE id = ?`, id)
	return scanLabelRow(row)
}

// ListControllerLabels returns all known labels ordered by id.
func (s *Store) ListControllerLabels(ctx context.Context) ([]models.ControllerLabel, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, label_id, created_at FROM controller_labels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list controller labels: %w", err)
	}
	defer rows.Close()
	var out []models.ControllerLabel
	for rows.Next() {
		label, err := scanLabelRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate controller labels: %w", err)
	}
	return out, nil
}

func scanLabelRow(scanner interface{ Scan(dest ...any) error }) (models.ControllerLabel, error) {
	var label models.ControllerLabel
	var createdAt string
	if err := scanner.Scan(&label.ID, &label.LabelID, &createdAt); err != nil {
		return models.ControllerLabel{}, err
	}
	parsed, err := parseTime(createdAt)
	if err != nil {
		return models.ControllerLabel{}, fmt.Errorf("parse created_at: %w", err)
	}
	label.CreatedAt = parsed
	return label, nil
}
