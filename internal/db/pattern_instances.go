package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patternservice/patternd/internal/models"
)

// ErrMissingReference is returned when an insert points at a row that does
// not exist.
var ErrMissingReference = errors.New("referenced record does not exist")

const instanceColumns = `id, organization_id, pattern_id, credentials_json, executors_json, controller_project_id, controller_ee_id, created_at, updated_at`

// CreatePatternInstance inserts an instance and returns its id. Controller
// IDs and labels are ignored here; they are only written by SaveInstanceState.
func (s *Store) CreatePatternInstance(ctx context.Context, inst models.PatternInstance) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if inst.PatternID <= 0 {
		return 0, errors.New("pattern id is required")
	}
	if inst.Credentials == nil {
		return 0, errors.New("credentials are required")
	}
	credentials, err := json.Marshal(inst.Credentials)
	if err != nil {
		return 0, fmt.Errorf("marshal credentials: %w", err)
	}
	createdAt, updatedAt := timestamps(inst.CreatedAt, inst.UpdatedAt)
	res, err := s.DB.ExecContext(ctx, `INSERT INTO pattern_instances (
		organization_id, pattern_id, credentials_json, executors_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		inst.OrganizationID,
		inst.PatternID,
		string(credentials),
		nullIfEmpty(string(inst.Executors)),
		createdAt,
		updatedAt,
	)
	if err != nil {
		switch {
		case isUniqueConstraint(err):
			return 0, fmt.Errorf("%w: organization %d already has pattern %d", ErrConflict, inst.OrganizationID, inst.PatternID)
		case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
			return 0, fmt.Errorf("%w: pattern %d", ErrMissingReference, inst.PatternID)
		}
		return 0, fmt.Errorf("insert pattern instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("pattern instance id: %w", err)
	}
	return id, nil
}

// GetPatternInstance loads an instance by id, including linked label ids.
func (s *Store) GetPatternInstance(ctx context.Context, id int64) (models.PatternInstance, error) {
	if s == nil || s.DB == nil {
		return models.PatternInstance{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM pattern_instances WHERE id = ?`, id)
	inst, err := scanInstanceRow(row)
	if err != nil {
		return models.PatternInstance{}, err
	}
	labels, err := s.listInstanceLabelIDs(ctx, id)
	if err != nil {
		return models.PatternInstance{}, err
	}
	inst.LabelIDs = labels
	return inst, nil
}

// ListPatternInstances returns all instances ordered by id, with label ids.
func (s *Store) ListPatternInstances(ctx context.Context) ([]models.PatternInstance, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM pattern_instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pattern instances: %w", err)
	}
	var out []models.PatternInstance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pattern instances: %w", err)
	}
	rows.Close()
	// Label lookups run after the cursor is closed; the store holds one connection.
	for i := range out {
		labels, err := s.listInstanceLabelIDs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].LabelIDs = labels
	}
	return out, nil
}

// DeletePatternInstance removes an instance with its automations and label links.
func (s *Store) DeletePatternInstance(ctx context.Context, id int64) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM pattern_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pattern instance %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected pattern instance %d: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InstanceState is everything provisioning records about an instance.
type InstanceState struct {
	ProjectID   int64
	EEID        int64
	LabelIDs    []int64
	Automations []models.Automation
}

// SaveInstanceState writes the controller project and EE ids, links labels
// and inserts automation rows in a single transaction. Readers see either
// none or all of it.
func (s *Store) SaveInstanceState(ctx context.Context, instanceID int64, state InstanceState) (err error) {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	for _, automation := range state.Automations {
		if !automation.Type.Valid() {
			return fmt.Errorf("unknown automation type %q", automation.Type)
		}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin instance %d state: %w", instanceID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx, `UPDATE pattern_instances SET controller_project_id = ?, controller_ee_id = ?, updated_at = ? WHERE id = ?`,
		state.ProjectID, state.EEID, now, instanceID)
	if err != nil {
		return fmt.Errorf("update instance %d: %w", instanceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected instance %d: %w", instanceID, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	for _, labelID := range state.LabelIDs {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO pattern_instance_labels (pattern_instance_id, controller_label_id) VALUES (?, ?)`,
			instanceID, labelID); err != nil {
			return fmt.Errorf("link label %d to instance %d: %w", labelID, instanceID, err)
		}
	}
	for _, automation := range state.Automations {
		if _, err = tx.ExecContext(ctx, `INSERT INTO automations (pattern_instance_id, automation_type, automation_id, is_primary, created_at) VALUES (?, ?, ?, ?, ?)`,
			instanceID, string(automation.Type), automation.AutomationID, automation.Primary, now); err != nil {
			return fmt.Errorf("insert automation %d for instance %d: %w", automation.AutomationID, instanceID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit instance %d state: %w", instanceID, err)
	}
	return nil
}

func (s *Store) listInstanceLabelIDs(ctx context.Context, instanceID int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT controller_label_id FROM pattern_instance_labels WHERE pattern_instance_id = ? ORDER BY controller_label_id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list instance %d labels: %w", instanceID, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan instance label: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance labels: %w", err)
	}
	return out, nil
}

func scanInstanceRow(scanner interface{ Scan(dest ...any) error }) (models.PatternInstance, error) {
	var inst models.PatternInstance
	var credentials string
	var executors sql.NullString
	var projectID sql.NullInt64
	var eeID sql.NullInt64
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(
		&inst.ID,
		&inst.OrganizationID,
		&inst.PatternID,
		&credentials,
		&executors,
		&projectID,
		&eeID,
		&createdAt,
		&updatedAt,
	); err != nil {
		return models.PatternInstance{}, err
	}
	if err := json.Unmarshal([]byte(credentials), &inst.Credentials); err != nil {
		return models.PatternInstance{}, fmt.Errorf("parse credentials: %w", err)
	}
	if executors.Valid && executors.String != "" {
		inst.Executors = []byte(executors.String)
	}
	if projectID.Valid {
		value := projectID.Int64
		inst.ControllerProjectID = &value
	}
	if eeID.Valid {
		value := eeID.Int64
		inst.ControllerEEID = &value
	}
	var err error
	if inst.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.PatternInstance{}, fmt.Errorf("parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.PatternInstance{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return inst, nil
}
