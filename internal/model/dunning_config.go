package model

import "time"

// DunningConfig is the per-plan recovery policy
type DunningConfig struct {
	PlanName            string      `db:"plan_name" json:"plan_name" validate:"required,max=100"`
	GracePeriodDays     int         `db:"grace_period_days" json:"grace_period_days" validate:"min=0,max=90"`
	MaxRetryAttempts    int         `db:"max_retry_attempts" json:"max_retry_attempts" validate:"min=1,max=10"`
	RetryIntervals      DaySchedule `db:"retry_intervals" json:"retry_intervals" validate:"required,min=1,max=10,increasing,dive,min=1,max=365"`
	SuspensionDelayDays int         `db:"suspension_delay_days" json:"suspension_delay_days" validate:"min=0,max=90"`
	AutoCancelDays      int         `db:"auto_cancel_days" json:"auto_cancel_days" validate:"min=1,max=365"`
	EmailEnabled        bool        `db:"email_enabled" json:"email_enabled"`
	SMSEnabled          bool        `db:"sms_enabled" json:"sms_enabled"`
	UpdatedBy           string      `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// DefaultDunningConfig returns the policy used for plans with no explicit entry
func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		GracePeriodDays:     3,
		MaxRetryAttempts:    3,
		RetryIntervals:      DaySchedule{1, 3, 7},
		SuspensionDelayDays: 7,
		AutoCancelDays:      30,
		EmailEnabled:        true,
		SMSEnabled:          false,
	}
}

func (c DunningConfig) Clone() DunningConfig {
	c.RetryIntervals = c.RetryIntervals.Clone()
	return c
}

// PlanConfigInput is the admin write shape; unknown fields are rejected by the handler
type PlanConfigInput struct {
	GracePeriodDays     *int        `json:"grace_period_days"`
	MaxRetryAttempts    *int        `json:"max_retry_attempts"`
	RetryIntervals      DaySchedule `json:"retry_intervals"`
	SuspensionDelayDays *int        `json:"suspension_delay_days"`
	AutoCancelDays      *int        `json:"auto_cancel_days"`
	EmailEnabled        *bool       `json:"email_enabled"`
	SMSEnabled          *bool       `json:"sms_enabled"`
}

// ApplyTo overlays the provided fields on base
func (in PlanConfigInput) ApplyTo(base DunningConfig) DunningConfig {
	out := base.Clone()
	if in.GracePeriodDays != nil {
		out.GracePeriodDays = *in.GracePeriodDays
	}
	if in.MaxRetryAttempts != nil {
		out.MaxRetryAttempts = *in.MaxRetryAttempts
	}
	if in.RetryIntervals != nil {
		out.RetryIntervals = in.RetryIntervals.Clone()
	}
	if in.SuspensionDelayDays != nil {
		out.SuspensionDelayDays = *in.SuspensionDelayDays
	}
	if in.AutoCancelDays != nil {
		out.AutoCancelDays = *in.AutoCancelDays
	}
	if in.EmailEnabled != nil {
		out.EmailEnabled = *in.EmailEnabled
	}
	if in.SMSEnabled != nil {
		out.SMSEnabled = *in.SMSEnabled
	}
	return out
}
