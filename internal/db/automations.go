package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/patternservice/patternd/internal/models"
)

const automationColumns = `id, pattern_instance_id, automation_type, automation_id, is_primary, created_at`

// GetAutomation loads an automation by id.
func (s *Store) GetAutomation(ctx context.Context, id int64) (models.Automation, error) {
	if s == nil || s.DB == nil {
		return models.Automation{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = ?`, id)
	return scanAutomationRow(row)
}

// ListAutomations returns automations ordered by id. A non-zero instanceID
// restricts the result to that pattern instance.
func (s *Store) ListAutomations(ctx context.Context, instanceID int64) ([]models.Automation, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	query := `SELECT ` + automationColumns + ` FROM automations`
	var args []any
	if instanceID != 0 {
		query += ` WHERE pattern_instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()
	var out []models.Automation
	for rows.Next() {
		automation, err := scanAutomationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, automation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate automations: %w", err)
	}
	return out, nil
}

func scanAutomationRow(scanner interface{ Scan(dest ...any) error }) (models.Automation, error) {
	var automation models.Automation
	var automationType string
	var primary int
	var createdAt string
	if err := scanner.Scan(
		&automation.ID,
		&automation.PatternInstanceID,
		&automationType,
		&automation.AutomationID,
		&primary,
		&createdAt,
	); err != nil {
		return models.Automation{}, err
	}
	automation.Type = models.AutomationType(automationType)
	automation.Primary = primary != 0
	parsed, err := parseTime(createdAt)
	if err != nil {
		return models.Automation{}, fmt.Errorf("parse created_at: %w", err)
	}
	automation.CreatedAt = parsed
	return automation, nil
}
