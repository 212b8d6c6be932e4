package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
)

const caseColumns = `id, organization_id, subscription_id, invoice_id, payment_intent_id, plan_name,
	amount, currency, state, current_retry_attempt, max_retry_attempts,
	grace_period_days, retry_intervals, suspension_delay_days, auto_cancel_days, email_enabled, sms_enabled,
	failure_reason, failure_code, customer_email, customer_phone,
	payment_failed_at, grace_period_ends_at, next_retry_at, suspended_at, recovered_at, cancelled_at,
	emails_sent, sms_sent, account_suspended, version, created_at, updated_at`

type caseRepository struct {
	BaseRepository
}

func NewCaseRepository(base BaseRepository) repository.CaseRepository {
	return &caseRepository{base}
}

func (r *caseRepository) Create(ctx context.Context, c *model.DunningCase, events []*model.OutboxEvent) (*model.DunningCase, bool, error) {
	query := `
		INSERT INTO dunning_cases (` + caseColumns + `) VALUES (
			:id, :organization_id, :subscription_id, :invoice_id, :payment_intent_id, :plan_name,
			:amount, :currency, :state, :current_retry_attempt, :max_retry_attempts,
			:grace_period_days, :retry_intervals, :suspension_delay_days, :auto_cancel_days, :email_enabled, :sms_enabled,
			:failure_reason, :failure_code, :customer_email, :customer_phone,
			:payment_failed_at, :grace_period_ends_at, :next_retry_at, :suspended_at, :recovered_at, :cancelled_at,
			:emails_sent, :sms_sent, :account_suspended, :version, :created_at, :updated_at
		)
		ON CONFLICT (subscription_id, invoice_id) WHERE state NOT IN ('recovered', 'cancelled') DO NOTHING
	`

	var (
		stored  *model.DunningCase
		created bool
	)
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, query, c)
		if err != nil {
			return fmt.Errorf("failed to insert dunning case: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var existing model.DunningCase
			err := tx.GetContext(ctx, &existing, `SELECT `+caseColumns+` FROM dunning_cases
				WHERE subscription_id = $1 AND invoice_id = $2 AND state NOT IN ('recovered', 'cancelled')`,
				c.SubscriptionID, c.InvoiceID)
			if err != nil {
				return notFound(err, "open dunning case")
			}
			stored = &existing
			return nil
		}
		if err := insertOutboxEvents(ctx, tx, events); err != nil {
			return err
		}
		stored, created = c, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *caseRepository) Get(ctx context.Context, id uuid.UUID) (*model.DunningCase, error) {
	var c model.DunningCase
	if err := r.db.GetContext(ctx, &c, `SELECT `+caseColumns+` FROM dunning_cases WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "dunning case")
	}
	return &c, nil
}

func (r *caseRepository) GetOpenByInvoice(ctx context.Context, subscriptionID, invoiceID string) (*model.DunningCase, error) {
	query := `SELECT ` + caseColumns + ` FROM dunning_cases
		WHERE subscription_id = $1 AND invoice_id = $2 AND state NOT IN ('recovered', 'cancelled')`
	var c model.DunningCase
	if err := r.db.GetContext(ctx, &c, query, subscriptionID, invoiceID); err != nil {
		return nil, notFound(err, "open dunning case")
	}
	return &c, nil
}

func (r *caseRepository) List(ctx context.Context, filter model.CaseFilter) ([]*model.DunningCase, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OrganizationID != nil {
		args = append(args, *filter.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if filter.State != nil {
		args = append(args, *filter.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM dunning_cases`+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count dunning cases: %w", err)
	}

	page := filter.Pagination.Normalize()
	args = append(args, page.PageSize, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM dunning_cases%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		caseColumns, clause, len(args)-1, len(args))

	var cases []*model.DunningCase
	if err := r.db.SelectContext(ctx, &cases, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list dunning cases: %w", err)
	}
	return cases, total, nil
}

func (r *caseRepository) Apply(ctx context.Context, m *model.CaseMutation) error {
	c := m.Case
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if a := m.SealAttempt; a != nil {
			err := expectOne(tx.ExecContext(ctx, `
				UPDATE dunning_retry_attempts
				SET status = $1, failure_reason = $2, failure_code = $3, gateway_reference = COALESCE($4, gateway_reference),
					completed_at = $5, next_retry_at = $6
				WHERE id = $7 AND status = 'pending'`,
				a.Status, a.FailureReason, a.FailureCode, a.GatewayReference, a.CompletedAt, a.NextRetryAt, a.ID,
			))
			if err != nil {
				return err
			}
		}

		// counters are owned by the communication status path and never written here
		err := expectOne(tx.ExecContext(ctx, `
			UPDATE dunning_cases
			SET state = $1, current_retry_attempt = $2, payment_intent_id = $3, failure_reason = $4, failure_code = $5,
				next_retry_at = $6, suspended_at = $7, recovered_at = $8, cancelled_at = $9,
				account_suspended = $10, updated_at = $11, version = version + 1
			WHERE id = $12 AND version = $13`,
			c.State, c.CurrentRetryAttempt, c.PaymentIntentID, c.FailureReason, c.FailureCode,
			c.NextRetryAt, c.SuspendedAt, c.RecoveredAt, c.CancelledAt,
			c.AccountSuspended, c.UpdatedAt, c.ID, m.ExpectedVersion,
		))
		if err != nil {
			return err
		}

		if a := m.NewAttempt; a != nil {
			if err := insertAttempt(ctx, tx, a); err != nil {
				return err
			}
		}
		if err := insertCommunications(ctx, tx, m.Communications); err != nil {
			return err
		}
		if err := insertOutboxEvents(ctx, tx, m.Events); err != nil {
			return err
		}
		c.Version = m.ExpectedVersion + 1
		return nil
	})
}

func (r *caseRepository) SetAccountSuspended(ctx context.Context, id uuid.UUID, expectedVersion int, suspended bool) error {
	return expectOne(r.db.ExecContext(ctx, `
		UPDATE dunning_cases
		SET account_suspended = $1, updated_at = NOW(), version = version + 1
		WHERE id = $2 AND version = $3`,
		suspended, id, expectedVersion,
	))
}

func (r *caseRepository) listIDs(ctx context.Context, query string, args ...interface{}) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list due cases: %w", err)
	}
	return ids, nil
}

func (r *caseRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM dunning_cases
		WHERE state IN ('active', 'retrying') AND next_retry_at <= $1
			AND current_retry_attempt < max_retry_attempts
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
}

func (r *caseRepository) ListDueSuspensions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM dunning_cases
		WHERE state = 'grace_period' AND grace_period_ends_at <= $1
		ORDER BY grace_period_ends_at
		LIMIT $2`, now, limit)
}

func (r *caseRepository) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM dunning_cases
		WHERE state = 'suspended' AND suspended_at + make_interval(days => auto_cancel_days) <= $1
		ORDER BY suspended_at
		LIMIT $2`, now, limit)
}

func (r *caseRepository) ListAccountDrift(ctx context.Context, limit int) ([]*model.DunningCase, error) {
	var cases []*model.DunningCase
	err := r.db.SelectContext(ctx, &cases, `
		SELECT `+caseColumns+` FROM dunning_cases
		WHERE state = 'suspended' OR (state = 'recovered' AND account_suspended)
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list account drift candidates: %w", err)
	}
	return cases, nil
}

func (r *caseRepository) CountSuspended(ctx context.Context, organizationID uuid.UUID, excludeCaseID uuid.UUID) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM dunning_cases
		WHERE organization_id = $1 AND state = 'suspended' AND id <> $2`,
		organizationID, excludeCaseID)
	if err != nil {
		return 0, fmt.Errorf("failed to count suspended cases: %w", err)
	}
	return n, nil
}

func (r *caseRepository) Summary(ctx context.Context, organizationID *uuid.UUID) (*model.CaseSummary, error) {
	clause, args := "", []interface{}{}
	if organizationID != nil {
		clause, args = " AND organization_id = $1", []interface{}{*organizationID}
	}

	var counts []struct {
		State model.CaseState `db:"state"`
		Count int             `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &counts, `SELECT state, COUNT(*) AS count FROM dunning_cases WHERE TRUE`+clause+` GROUP BY state`, args...); err != nil {
		return nil, fmt.Errorf("failed to count cases by state: %w", err)
	}

	var outstanding []struct {
		Currency string          `db:"currency"`
		Amount   decimal.Decimal `db:"amount"`
	}
	if err := r.db.SelectContext(ctx, &outstanding, `
		SELECT currency, SUM(amount) AS amount FROM dunning_cases
		WHERE state NOT IN ('recovered', 'cancelled')`+clause+` GROUP BY currency`, args...); err != nil {
		return nil, fmt.Errorf("failed to sum outstanding amounts: %w", err)
	}

	var avgDays float64
	if err := r.db.GetContext(ctx, &avgDays, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM recovered_at - payment_failed_at)) / 86400, 0)
		FROM dunning_cases WHERE state = 'recovered' AND recovered_at IS NOT NULL`+clause, args...); err != nil {
		return nil, fmt.Errorf("failed to average recovery time: %w", err)
	}

	s := &model.CaseSummary{
		CountsByState:     make(map[model.CaseState]int, len(counts)),
		OutstandingAmount: make(map[string]decimal.Decimal, len(outstanding)),
		AvgRecoveryDays:   avgDays,
	}
	for _, c := range counts {
		s.CountsByState[c.State] = c.Count
	}
	for _, o := range outstanding {
		s.OutstandingAmount[o.Currency] = o.Amount
	}
	s.Finalize()
	return s, nil
}
