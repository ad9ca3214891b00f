package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyRefunded is returned when the payment was refunded by an earlier
// attempt. Callers retrying a refund treat it as success.
var ErrAlreadyRefunded = errors.New("payment already refunded")

// Checkout session metadata keys. The webhook handler reads them back to
// route a confirmed payment to its waitlist entry.
const (
	MetaResourceID      = "resource_id"
	MetaRequesterID     = "requester_id"
	MetaWaitlistEntryID = "waitlist_entry_id"
)

// CheckoutRequest describes the single-unit purchase an offer allows
type CheckoutRequest struct {
	ResourceID     string
	RequesterID    string
	EntryID        string
	ResourceName   string
	Description    string
	AmountCents    int64
	Currency       string
	OwnerAccount   string
	OfferExpiresAt time.Time
}

// Metadata returns the keys attached to the session and its payment
func (r *CheckoutRequest) Metadata() map[string]string {
	return map[string]string{
		MetaResourceID:      r.ResourceID,
		MetaRequesterID:     r.RequesterID,
		MetaWaitlistEntryID: r.EntryID,
	}
}

// CheckoutSession is a hosted payment page for one offer
type CheckoutSession struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefundRequest identifies a captured payment to reverse
type RefundRequest struct {
	GrantID      string
	PaymentRef   string
	OwnerAccount string
}

// PaymentGateway creates checkout sessions for offers
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error)
	Name() string
}

// RefundGateway reverses captured payments. A payment is refunded at most
// once; repeating a refund fails with ErrAlreadyRefunded.
type RefundGateway interface {
	Refund(ctx context.Context, req *RefundRequest) error
}
