package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
)

const planConfigColumns = `plan_name, grace_period_days, max_retry_attempts, retry_intervals, suspension_delay_days,
	auto_cancel_days, email_enabled, sms_enabled, updated_by, created_at, updated_at`

type planConfigRepository struct {
	BaseRepository
}

func NewPlanConfigRepository(base BaseRepository) repository.PlanConfigRepository {
	return &planConfigRepository{base}
}

func (r *planConfigRepository) Get(ctx context.Context, planName string) (*model.DunningConfig, error) {
	var cfg model.DunningConfig
	if err := r.db.GetContext(ctx, &cfg, `SELECT `+planConfigColumns+` FROM dunning_plan_configs WHERE plan_name = $1`, planName); err != nil {
		return nil, notFound(err, "plan config")
	}
	return &cfg, nil
}

func (r *planConfigRepository) List(ctx context.Context) ([]*model.DunningConfig, error) {
	var cfgs []*model.DunningConfig
	if err := r.db.SelectContext(ctx, &cfgs, `SELECT `+planConfigColumns+` FROM dunning_plan_configs ORDER BY plan_name`); err != nil {
		return nil, fmt.Errorf("failed to list plan configs: %w", err)
	}
	return cfgs, nil
}

func (r *planConfigRepository) Upsert(ctx context.Context, cfg *model.DunningConfig) error {
	query := `
		INSERT INTO dunning_plan_configs (` + planConfigColumns + `) VALUES (
			:plan_name, :grace_period_days, :max_retry_attempts, :retry_intervals, :suspension_delay_days,
			:auto_cancel_days, :email_enabled, :sms_enabled, :updated_by, :created_at, :updated_at
		)
		ON CONFLICT (plan_name) DO UPDATE SET
			grace_period_days = EXCLUDED.grace_period_days,
			max_retry_attempts = EXCLUDED.max_retry_attempts,
			retry_intervals = EXCLUDED.retry_intervals,
			suspension_delay_days = EXCLUDED.suspension_delay_days,
			auto_cancel_days = EXCLUDED.auto_cancel_days,
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, cfg); err != nil {
		return fmt.Errorf("failed to upsert plan config: %w", err)
	}
	return nil
}
