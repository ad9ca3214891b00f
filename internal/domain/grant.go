package domain

import "time"

type GrantStatus string

const (
	GrantStatusValid     GrantStatus = "VALID"
	GrantStatusUsed      GrantStatus = "USED"
	GrantStatusRefunded  GrantStatus = "REFUNDED"
	GrantStatusCancelled GrantStatus = "CANCELLED"
)

// IsOutstanding reports whether the grant still consumes capacity and would need a refund
func (s GrantStatus) IsOutstanding() bool {
	return s == GrantStatusValid || s == GrantStatusUsed
}

// Grant is an issued ticket
type Grant struct {
	ID                 string      `json:"id"`
	ResourceID         string      `json:"resource_id"`
	RequesterID        string      `json:"requester_id"`
	WaitlistEntryID    string      `json:"waitlist_entry_id"`
	Status             GrantStatus `json:"status"`
	ExternalPaymentRef string      `json:"external_payment_ref"`
	AmountCents        int64       `json:"amount_cents"`
	IssuedAt           time.Time   `json:"issued_at"`
	RefundedAt         *time.Time  `json:"refunded_at,omitempty"`
}
