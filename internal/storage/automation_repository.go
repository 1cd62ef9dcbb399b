package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/models"
	"github.com/storefront-crm/internal/types"
)

// AutomationRepository persists automation rules and email templates
type AutomationRepository struct {
	db *PostgresDB
}

// NewAutomationRepository creates a new automation repository
func NewAutomationRepository(db *PostgresDB) *AutomationRepository {
	return &AutomationRepository{db: db}
}

const automationColumns = `
	a.id::text, a.shop_id, a.name, a.trigger_type, a.trigger_config, a.delay_value,
	a.delay_unit, a.action_type, a.action_config, a.custom_html, a.template_id::text,
	a.builtin_template, a.enabled, a.last_run_at, a.created_at, a.updated_at, t.html
`

func scanAutomation(row pgx.Row) (*models.Automation, error) {
	var (
		a                           models.Automation
		triggerConfig, actionConfig []byte
	)
	err := row.Scan(
		&a.ID, &a.ShopID, &a.Name, &a.TriggerType, &triggerConfig, &a.DelayValue,
		&a.DelayUnit, &a.ActionType, &actionConfig, &a.CustomHTML, &a.TemplateID,
		&a.BuiltinTemplate, &a.Enabled, &a.LastRunAt, &a.CreatedAt, &a.UpdatedAt, &a.TemplateHTML,
	)
	if err != nil {
		return nil, err
	}
	a.TriggerConfig = triggerConfig
	a.ActionConfig = actionConfig
	return &a, nil
}

// ListEnabledByTrigger returns enabled automations for a trigger type with
// the linked template body joined in. Configs are not decoded here.
func (r *AutomationRepository) ListEnabledByTrigger(ctx context.Context, shopID string, trigger types.TriggerType) ([]*models.Automation, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+automationColumns+`
		FROM automations AS a
		LEFT JOIN email_templates AS t ON t.id = a.template_id
		WHERE a.shop_id = $1 AND a.trigger_type = $2 AND a.enabled
		ORDER BY a.created_at
	`, shopID, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	defer rows.Close()

	var out []*models.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetByID returns an automation with its linked template body
func (r *AutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	a, err := scanAutomation(r.db.Pool().QueryRow(ctx, `
		SELECT `+automationColumns+`
		FROM automations AS a
		LEFT JOIN email_templates AS t ON t.id = a.template_id
		WHERE a.id = $1::uuid
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("automation", id)
		}
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return a, nil
}

// Create inserts an automation; configs are stored as given
func (r *AutomationRepository) Create(ctx context.Context, a *models.Automation) error {
	triggerConfig, actionConfig := []byte(a.TriggerConfig), []byte(a.ActionConfig)
	if len(triggerConfig) == 0 {
		triggerConfig = []byte("{}")
	}
	if len(actionConfig) == 0 {
		actionConfig = []byte("{}")
	}
	delayUnit := a.DelayUnit
	if delayUnit == "" {
		delayUnit = types.DelayMinutes
	}
	builtin := a.BuiltinTemplate
	if builtin == "" {
		builtin = "generic"
	}

	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO automations (
			shop_id, name, trigger_type, trigger_config, delay_value, delay_unit,
			action_type, action_config, custom_html, template_id, builtin_template, enabled
		)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8::jsonb, $9, $10::uuid, $11, $12)
		RETURNING id::text, created_at, updated_at
	`, a.ShopID, a.Name, a.TriggerType, string(triggerConfig), a.DelayValue, delayUnit,
		a.ActionType, string(actionConfig), a.CustomHTML, a.TemplateID, builtin, a.Enabled,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

// MarkRun records when an automation last executed
func (r *AutomationRepository) MarkRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE automations SET last_run_at = $2, updated_at = NOW() WHERE id = $1::uuid`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark automation run: %w", err)
	}
	return nil
}

// CreateTemplate inserts a reusable email template
func (r *AutomationRepository) CreateTemplate(ctx context.Context, t *models.EmailTemplate) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO email_templates (shop_id, name, subject, html)
		VALUES ($1, $2, $3, $4)
		RETURNING id::text, updated_at
	`, t.ShopID, t.Name, t.Subject, t.HTML).Scan(&t.ID, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create email template: %w", err)
	}
	return nil
}
