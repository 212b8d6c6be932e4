package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CaseState string

const (
	CaseStateActive      CaseState = "active"
	CaseStateRetrying    CaseState = "retrying"
	CaseStateGracePeriod CaseState = "grace_period"
	CaseStateSuspended   CaseState = "suspended"
	CaseStateRecovered   CaseState = "recovered"
	CaseStateCancelled   CaseState = "cancelled"
)

// AllCaseStates in lifecycle order
var AllCaseStates = []CaseState{
	CaseStateActive,
	CaseStateRetrying,
	CaseStateGracePeriod,
	CaseStateSuspended,
	CaseStateRecovered,
	CaseStateCancelled,
}

func (s CaseState) IsTerminal() bool {
	return s == CaseStateRecovered || s == CaseStateCancelled
}

func (s CaseState) Valid() bool {
	for _, st := range AllCaseStates {
		if st == s {
			return true
		}
	}
	return false
}

// DunningCase tracks the recovery of one failed invoice
type DunningCase struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	OrganizationID  uuid.UUID       `db:"organization_id" json:"organization_id"`
	SubscriptionID  string          `db:"subscription_id" json:"subscription_id"`
	InvoiceID       string          `db:"invoice_id" json:"invoice_id"`
	PaymentIntentID *string         `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	PlanName        string          `db:"plan_name" json:"plan_name"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Currency        string          `db:"currency" json:"currency"`
	State           CaseState       `db:"state" json:"state"`

	CurrentRetryAttempt int `db:"current_retry_attempt" json:"current_retry_attempt"`
	MaxRetryAttempts    int `db:"max_retry_attempts" json:"max_retry_attempts"`

	// policy snapshot taken at creation
	GracePeriodDays     int         `db:"grace_period_days" json:"grace_period_days"`
	RetryIntervals      DaySchedule `db:"retry_intervals" json:"retry_intervals"`
	SuspensionDelayDays int         `db:"suspension_delay_days" json:"suspension_delay_days"`
	AutoCancelDays      int         `db:"auto_cancel_days" json:"auto_cancel_days"`
	EmailEnabled        bool        `db:"email_enabled" json:"email_enabled"`
	SMSEnabled          bool        `db:"sms_enabled" json:"sms_enabled"`

	FailureReason *string `db:"failure_reason" json:"failure_reason,omitempty"`
	FailureCode   *string `db:"failure_code" json:"failure_code,omitempty"`
	CustomerEmail *string `db:"customer_email" json:"customer_email,omitempty"`
	CustomerPhone *string `db:"customer_phone" json:"customer_phone,omitempty"`

	PaymentFailedAt   time.Time  `db:"payment_failed_at" json:"payment_failed_at"`
	GracePeriodEndsAt time.Time  `db:"grace_period_ends_at" json:"grace_period_ends_at"`
	NextRetryAt       *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	SuspendedAt       *time.Time `db:"suspended_at" json:"suspended_at,omitempty"`
	RecoveredAt       *time.Time `db:"recovered_at" json:"recovered_at,omitempty"`
	CancelledAt       *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`

	EmailsSent       int  `db:"emails_sent" json:"emails_sent"`
	SMSSent          int  `db:"sms_sent" json:"sms_sent"`
	AccountSuspended bool `db:"account_suspended" json:"account_suspended"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ApplyPolicy copies the plan policy onto the case
func (c *DunningCase) ApplyPolicy(cfg DunningConfig) {
	c.PlanName = cfg.PlanName
	c.MaxRetryAttempts = cfg.MaxRetryAttempts
	c.GracePeriodDays = cfg.GracePeriodDays
	c.RetryIntervals = cfg.RetryIntervals.Clone()
	c.SuspensionDelayDays = cfg.SuspensionDelayDays
	c.AutoCancelDays = cfg.AutoCancelDays
	c.EmailEnabled = cfg.EmailEnabled
	c.SMSEnabled = cfg.SMSEnabled
}

// RetryOffsetDays returns the day offset from payment failure for the n-th attempt (1-based).
// Past the end of the schedule the last gap keeps repeating.
func (c *DunningCase) RetryOffsetDays(n int) int64 {
	s := c.RetryIntervals
	if len(s) == 0 || n < 1 {
		return 0
	}
	if n <= len(s) {
		return s[n-1]
	}
	last := s[len(s)-1]
	gap := last
	if len(s) > 1 {
		gap = last - s[len(s)-2]
	}
	return last + int64(n-len(s))*gap
}

// RetryTimeFor returns when attempt n is due
func (c *DunningCase) RetryTimeFor(n int) time.Time {
	return AddDays(c.PaymentFailedAt, c.RetryOffsetDays(n))
}

func (c *DunningCase) AttemptsRemaining() bool {
	return c.CurrentRetryAttempt < c.MaxRetryAttempts
}

// RetryDue reports whether a scheduled retry may run at now
func (c *DunningCase) RetryDue(now time.Time) bool {
	if c.State != CaseStateActive && c.State != CaseStateRetrying {
		return false
	}
	if c.NextRetryAt == nil || now.Before(*c.NextRetryAt) {
		return false
	}
	return c.AttemptsRemaining()
}

// SuspensionDue reports whether the grace period has run out
func (c *DunningCase) SuspensionDue(now time.Time) bool {
	return c.State == CaseStateGracePeriod && !now.Before(c.GracePeriodEndsAt)
}

func (c *DunningCase) CancelsAt() *time.Time {
	if c.SuspendedAt == nil {
		return nil
	}
	t := AddDays(*c.SuspendedAt, int64(c.AutoCancelDays))
	return &t
}

// CancellationDue reports whether a suspended case has passed its auto-cancel deadline
func (c *DunningCase) CancellationDue(now time.Time) bool {
	at := c.CancelsAt()
	return c.State == CaseStateSuspended && at != nil && !now.Before(*at)
}

// Clone returns a deep copy safe to mutate
func (c *DunningCase) Clone() *DunningCase {
	out := *c
	out.RetryIntervals = c.RetryIntervals.Clone()
	out.PaymentIntentID = cloneString(c.PaymentIntentID)
	out.FailureReason = cloneString(c.FailureReason)
	out.FailureCode = cloneString(c.FailureCode)
	out.CustomerEmail = cloneString(c.CustomerEmail)
	out.CustomerPhone = cloneString(c.CustomerPhone)
	out.NextRetryAt = cloneTime(c.NextRetryAt)
	out.SuspendedAt = cloneTime(c.SuspendedAt)
	out.RecoveredAt = cloneTime(c.RecoveredAt)
	out.CancelledAt = cloneTime(c.CancelledAt)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateCaseRequest carries a payment failure into the engine
type CreateCaseRequest struct {
	OrganizationID  uuid.UUID       `json:"organization_id" binding:"required"`
	SubscriptionID  string          `json:"subscription_id" binding:"required"`
	InvoiceID       string          `json:"invoice_id" binding:"required"`
	PaymentIntentID *string         `json:"payment_intent_id"`
	PlanName        string          `json:"plan_name"`
	Amount          decimal.Decimal `json:"amount" binding:"required"`
	Currency        string          `json:"currency" binding:"required,len=3"`
	FailureReason   *string         `json:"failure_reason"`
	FailureCode     *string         `json:"failure_code"`
	CustomerEmail   *string         `json:"customer_email"`
	CustomerPhone   *string         `json:"customer_phone"`
	FailedAt        *time.Time      `json:"failed_at"`
}

type CaseFilter struct {
	OrganizationID *uuid.UUID
	State          *CaseState
	Pagination
}

// CaseSummary backs the dashboard
type CaseSummary struct {
	CountsByState     map[CaseState]int          `json:"counts_by_state"`
	OpenCases         int                        `json:"open_cases"`
	OutstandingAmount map[string]decimal.Decimal `json:"outstanding_amount"`
	RecoveredCount    int                        `json:"recovered_count"`
	CancelledCount    int                        `json:"cancelled_count"`
	RecoveryRate      float64                    `json:"recovery_rate"`
	AvgRecoveryDays   float64                    `json:"avg_recovery_days"`
}

// Finalize derives the open, terminal and rate figures from CountsByState.
// Recovery rate is recovered / (recovered + cancelled); 0 when nothing has closed.
func (s *CaseSummary) Finalize() {
	if s.CountsByState == nil {
		s.CountsByState = make(map[CaseState]int)
	}
	if s.OutstandingAmount == nil {
		s.OutstandingAmount = make(map[string]decimal.Decimal)
	}
	s.OpenCases = 0
	for _, st := range AllCaseStates {
		if _, ok := s.CountsByState[st]; !ok {
			s.CountsByState[st] = 0
		}
		if !st.IsTerminal() {
			s.OpenCases += s.CountsByState[st]
		}
	}
	s.RecoveredCount = s.CountsByState[CaseStateRecovered]
	s.CancelledCount = s.CountsByState[CaseStateCancelled]
	s.RecoveryRate = 0
	if closed := s.RecoveredCount + s.CancelledCount; closed > 0 {
		s.RecoveryRate = float64(s.RecoveredCount) / float64(closed)
	}
}

// CaseMutation is one conditional write of a case plus the rows that must commit with it
type CaseMutation struct {
	Case            *DunningCase
	ExpectedVersion int
	NewAttempt      *RetryAttempt
	SealAttempt     *RetryAttempt
	Communications  []*Communication
	Events          []*OutboxEvent
}
