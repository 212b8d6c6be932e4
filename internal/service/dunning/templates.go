package dunning

import (
	"fmt"
	"strings"

	"github.com/jwalitptl/dunning-engine/internal/model"
)

// customerReason maps a gateway failure code to customer-safe wording.
// Raw gateway messages never reach a customer.
func customerReason(code *string) string {
	if code == nil {
		return "we were unable to process your payment"
	}
	switch strings.ToLower(*code) {
	case "card_declined", "do_not_honor", "generic_decline":
		return "your card was declined"
	case "expired_card":
		return "your card has expired"
	case "insufficient_funds":
		return "the payment could not be completed with your current payment method"
	case "incorrect_cvc", "incorrect_number", "invalid_expiry_month", "invalid_expiry_year":
		return "your card details need to be updated"
	default:
		return "we were unable to process your payment"
	}
}

func amountOf(c *model.DunningCase) string {
	return fmt.Sprintf("%s %s", c.Amount.StringFixed(2), c.Currency)
}

// render produces the subject and body for typ. Email and SMS share the text.
func render(typ model.CommunicationType, c *model.DunningCase) (string, string) {
	switch typ {
	case model.CommunicationRetryReminder:
		body := fmt.Sprintf("We could not collect %s for invoice %s because %s. We will try again", amountOf(c), c.InvoiceID, customerReason(c.FailureCode))
		if c.NextRetryAt != nil {
			body += " on " + c.NextRetryAt.Format("January 2, 2006")
		}
		return "Payment failed, we will retry", body + ". Please check your payment method."
	case model.CommunicationGracePeriodWarning:
		return "Action required: update your payment method",
			fmt.Sprintf("We were unable to collect %s for invoice %s. Your account stays active until %s. Please update your payment method before then to avoid interruption.",
				amountOf(c), c.InvoiceID, c.GracePeriodEndsAt.Format("January 2, 2006"))
	case model.CommunicationSuspensionNotice:
		return "Your account has been suspended",
			fmt.Sprintf("Your account has been suspended because %s for invoice %s remains unpaid. Pay the outstanding balance to restore access.",
				amountOf(c), c.InvoiceID)
	case model.CommunicationRecoveryConfirmation:
		return "Payment received",
			fmt.Sprintf("Thank you. We received %s for invoice %s and your account is in good standing.", amountOf(c), c.InvoiceID)
	case model.CommunicationCancellationNotice:
		return "Your subscription has been cancelled",
			fmt.Sprintf("Your subscription was cancelled because %s for invoice %s was not paid.", amountOf(c), c.InvoiceID)
	default:
		return "Billing notice", fmt.Sprintf("There is an update on invoice %s.", c.InvoiceID)
	}
}
