package domain

import "time"

// Resource is a capacity-limited event. Everything except IsCancelled is
// owned by the surrounding application.
type Resource struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	Name                string     `json:"name"`
	Description         string     `json:"description,omitempty"`
	Capacity            int        `json:"capacity"`
	PriceCents          int64      `json:"price_cents"`
	Currency            string     `json:"currency"`
	OwnerPaymentAccount string     `json:"-"`
	ActiveUntil         *time.Time `json:"active_until,omitempty"`
	IsCancelled         bool       `json:"is_cancelled"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// AcceptsOffers reports whether new offers may still be granted at now
func (r *Resource) AcceptsOffers(now time.Time) bool {
	if r.IsCancelled {
		return false
	}
	return r.ActiveUntil == nil || now.Before(*r.ActiveUntil)
}

// Availability is a point-in-time read of the capacity ledger
type Availability struct {
	ResourceID string `json:"resource_id"`
	Capacity   int    `json:"capacity"`
	Reserved   int    `json:"reserved"`
}

// Remaining returns the number of unreserved units, never negative
func (a Availability) Remaining() int {
	if a.Reserved >= a.Capacity {
		return 0
	}
	return a.Capacity - a.Reserved
}

// SoldOut reports whether every unit is held by an offer or a grant
func (a Availability) SoldOut() bool {
	return a.Reserved >= a.Capacity
}
