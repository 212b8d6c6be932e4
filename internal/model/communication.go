package model

import (
	"time"

	"github.com/google/uuid"
)

type CommunicationType string

const (
	CommunicationRetryReminder        CommunicationType = "retry_reminder"
	CommunicationGracePeriodWarning   CommunicationType = "grace_period_warning"
	CommunicationSuspensionNotice     CommunicationType = "suspension_notice"
	CommunicationRecoveryConfirmation CommunicationType = "recovery_confirmation"
	CommunicationCancellationNotice   CommunicationType = "cancellation_notice"
)

func (t CommunicationType) Valid() bool {
	switch t {
	case CommunicationRetryReminder, CommunicationGracePeriodWarning, CommunicationSuspensionNotice,
		CommunicationRecoveryConfirmation, CommunicationCancellationNotice:
		return true
	}
	return false
}

type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
)

type CommunicationStatus string

const (
	CommunicationPending   CommunicationStatus = "pending"
	CommunicationSent      CommunicationStatus = "sent"
	CommunicationDelivered CommunicationStatus = "delivered"
	CommunicationFailed    CommunicationStatus = "failed"
	CommunicationOpened    CommunicationStatus = "opened"
	CommunicationClicked   CommunicationStatus = "clicked"
)

var communicationRank = map[CommunicationStatus]int{
	CommunicationPending:   0,
	CommunicationSent:      1,
	CommunicationDelivered: 2,
	CommunicationOpened:    3,
	CommunicationClicked:   4,
}

func (s CommunicationStatus) Valid() bool {
	_, ok := communicationRank[s]
	return ok || s == CommunicationFailed
}

// CanAdvanceTo reports whether a delivery callback moving from s to next is new information.
// Progress is monotonic; failed is only reachable before delivery and is final.
func (s CommunicationStatus) CanAdvanceTo(next CommunicationStatus) bool {
	if s == CommunicationFailed {
		return false
	}
	if next == CommunicationFailed {
		return s == CommunicationPending || s == CommunicationSent
	}
	from, ok := communicationRank[s]
	if !ok {
		return false
	}
	to, ok := communicationRank[next]
	return ok && to > from
}

// PriorStatuses lists every status from which next is a valid advance
func PriorStatuses(next CommunicationStatus) []CommunicationStatus {
	var out []CommunicationStatus
	for _, s := range []CommunicationStatus{CommunicationPending, CommunicationSent, CommunicationDelivered, CommunicationOpened, CommunicationClicked, CommunicationFailed} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Communication is one outbound customer notification
type Communication struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	CaseID            uuid.UUID           `db:"case_id" json:"case_id"`
	Type              CommunicationType   `db:"type" json:"type"`
	Method            DeliveryMethod      `db:"method" json:"method"`
	Recipient         string              `db:"recipient" json:"recipient"`
	Subject           string              `db:"subject" json:"subject"`
	Body              string              `db:"body" json:"body"`
	Status            CommunicationStatus `db:"status" json:"status"`
	ProviderMessageID *string             `db:"provider_message_id" json:"provider_message_id,omitempty"`
	FailureReason     *string             `db:"failure_reason" json:"failure_reason,omitempty"`
	Attempts          int                 `db:"attempts" json:"attempts"`
	LockedUntil       *time.Time          `db:"locked_until" json:"-"`
	SentAt            *time.Time          `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time          `db:"delivered_at" json:"delivered_at,omitempty"`
	OpenedAt          *time.Time          `db:"opened_at" json:"opened_at,omitempty"`
	ClickedAt         *time.Time          `db:"clicked_at" json:"clicked_at,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
}

func (c *Communication) Clone() *Communication {
	out := *c
	out.ProviderMessageID = cloneString(c.ProviderMessageID)
	out.FailureReason = cloneString(c.FailureReason)
	out.LockedUntil = cloneTime(c.LockedUntil)
	out.SentAt = cloneTime(c.SentAt)
	out.DeliveredAt = cloneTime(c.DeliveredAt)
	out.OpenedAt = cloneTime(c.OpenedAt)
	out.ClickedAt = cloneTime(c.ClickedAt)
	return &out
}

// StatusUpdate is a delivery callback from the notifier
type StatusUpdate struct {
	CommunicationID   uuid.UUID           `json:"communication_id" binding:"required"`
	Status            CommunicationStatus `json:"status" binding:"required"`
	ProviderMessageID *string             `json:"provider_message_id"`
	FailureReason     *string             `json:"failure_reason"`
	OccurredAt        time.Time           `json:"occurred_at"`
}

// Apply sets the status and its timestamp on c
func (u StatusUpdate) Apply(c *Communication) {
	at := u.OccurredAt
	c.Status = u.Status
	switch u.Status {
	case CommunicationSent:
		c.SentAt = timePtr(at)
	case CommunicationDelivered:
		c.DeliveredAt = timePtr(at)
	case CommunicationOpened:
		c.OpenedAt = timePtr(at)
	case CommunicationClicked:
		c.ClickedAt = timePtr(at)
	case CommunicationFailed:
		c.FailureReason = cloneString(u.FailureReason)
	}
	if u.ProviderMessageID != nil {
		c.ProviderMessageID = cloneString(u.ProviderMessageID)
	}
	c.LockedUntil = nil
	c.UpdatedAt = at
}

// CountsAsSent reports whether moving from prev to next is the first confirmed send
func CountsAsSent(prev, next CommunicationStatus) bool {
	return prev == CommunicationPending && next != CommunicationFailed && next != CommunicationPending
}
